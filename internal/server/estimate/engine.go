// Package estimate derives cost and time projections from file sizes.
// The engine is a pure function of its inputs: the preview endpoint and the
// admission path call the same code with the same authoritative sizes, so a
// client can never under-quote its own job.
package estimate

import (
	"math"

	"github.com/asmolin/cloudvert/internal/server/models"
)

const (
	// bytesPerGB uses the binary gigabyte so preview and admission agree
	// with the sizes reported by the drive listing.
	bytesPerGB = 1 << 30

	// DefaultPricePerGB is 100 cents per gigabyte.
	DefaultPricePerGB models.Cents = 100

	// DefaultMinutesPerGB scales the observed 45 minutes per 300 MB.
	DefaultMinutesPerGB = 45.0 / 0.3
)

// Engine computes estimates with configurable policy constants.
type Engine struct {
	pricePerGB   models.Cents
	minutesPerGB float64
}

// New returns an engine with the given policy constants. Nonpositive values
// fall back to the defaults.
func New(pricePerGB models.Cents, minutesPerGB float64) *Engine {
	if pricePerGB <= 0 {
		pricePerGB = DefaultPricePerGB
	}
	if minutesPerGB <= 0 {
		minutesPerGB = DefaultMinutesPerGB
	}
	return &Engine{pricePerGB: pricePerGB, minutesPerGB: minutesPerGB}
}

// ForSizes derives the estimate for a set of file byte sizes.
func (e *Engine) ForSizes(sizes []int64) models.Estimate {
	var total int64
	for _, s := range sizes {
		total += s
	}
	return e.ForTotal(total)
}

// ForTotal derives the estimate for a cumulative byte size.
func (e *Engine) ForTotal(totalBytes int64) models.Estimate {
	gb := float64(totalBytes) / bytesPerGB
	cost := models.Cents(math.Round(gb * float64(e.pricePerGB)))
	return models.Estimate{
		TotalSizeBytes:   totalBytes,
		TotalSizeGB:      gb,
		EstimatedMinutes: int(math.Round(gb * e.minutesPerGB)),
		CostCents:        cost,
		Cost:             cost.Dollars(),
	}
}
