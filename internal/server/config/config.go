// Package config handles configuration for the server component,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the conversion server.
//
// An empty DatabaseDSN selects the in-memory credit ledger; an empty
// RedisAddr selects the in-memory session store. Both are development
// fallbacks, production deployments set both.
type Config struct {
	EndpointAddr string
	DatabaseDSN  string
	RedisAddr    string

	// DriveBackend selects the storage collaborator: "graph" or "s3".
	DriveBackend string

	GraphClientID     string
	GraphClientSecret string
	GraphTokenURL     string
	GraphBaseEndpoint string

	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string

	DownloadSlots int
	ConvertSlots  int
	UploadSlots   int
	WorkDir       string

	PricePerGBCents    int64
	MinutesPerGB       float64
	StartingGrantCents int64

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	TaskRetention        time.Duration
	TaskSweepInterval    time.Duration
	ShutdownTimeout      time.Duration
}

// LoadDefaults populates Config with sensible development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddr = ":8080"
	c.DatabaseDSN = ""
	c.RedisAddr = ""

	c.DriveBackend = "graph"
	c.GraphTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	c.GraphBaseEndpoint = "https://graph.microsoft.com/v1.0/me/drive"

	c.S3Bucket = "conversions"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"

	c.DownloadSlots = 3
	c.ConvertSlots = 2
	c.UploadSlots = 3
	c.WorkDir = "vob_files"

	c.PricePerGBCents = 100
	c.MinutesPerGB = 150
	c.StartingGrantCents = 500

	c.SessionTTL = 24 * time.Hour
	c.SessionSweepInterval = 10 * time.Minute
	c.TaskRetention = time.Hour
	c.TaskSweepInterval = 5 * time.Minute
	c.ShutdownTimeout = 30 * time.Second
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
