// Package payments abstracts the external checkout collaborator. The engine
// never talks to a payment provider directly; it only needs a URL to send
// the client to.
package payments

import (
	"context"
	"fmt"
	"net/url"

	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/server/models"
)

// CheckoutRequest describes one top-up purchase.
type CheckoutRequest struct {
	UserID     string
	Amount     models.Cents
	SuccessURL string
	CancelURL  string
}

// CheckoutProvider creates a hosted checkout session and returns its URL.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
}

// StaticProvider builds checkout URLs against a fixed hosted-checkout base.
// It stands in for a real provider in development and tests.
type StaticProvider struct {
	BaseURL string
}

func NewStaticProvider(baseURL string) *StaticProvider {
	return &StaticProvider{BaseURL: baseURL}
}

func (p *StaticProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	if req.UserID == "" {
		return "", fmt.Errorf("checkout: missing user id")
	}
	if req.Amount <= 0 {
		return "", common.ErrorInvalidAmount
	}

	q := url.Values{
		"user_id":      {req.UserID},
		"amount_cents": {fmt.Sprintf("%d", int64(req.Amount))},
	}
	if req.SuccessURL != "" {
		q.Set("success_url", req.SuccessURL)
	}
	if req.CancelURL != "" {
		q.Set("cancel_url", req.CancelURL)
	}
	return p.BaseURL + "?" + q.Encode(), nil
}
