package config

import (
	"encoding/json"
	"os"

	"github.com/asmolin/cloudvert/internal/flagx"
	"github.com/asmolin/cloudvert/internal/timex"
)

// JsonConfig is the intermediate DTO for JSON configuration files. It uses
// timex.Duration for interval fields, which allows parsing both string
// values such as "30s" and integer nanoseconds. Only fields present in the
// file override the defaults.
type JsonConfig struct {
	EndpointAddr string `json:"endpoint_addr"`
	DatabaseDSN  string `json:"database_dsn"`
	RedisAddr    string `json:"redis_addr"`

	DriveBackend string `json:"drive_backend"`

	GraphClientID     string `json:"graph_client_id"`
	GraphClientSecret string `json:"graph_client_secret"`
	GraphTokenURL     string `json:"graph_token_url"`
	GraphBaseEndpoint string `json:"graph_base_endpoint"`

	S3AccessKey    string `json:"s3_access_key"`
	S3SecretKey    string `json:"s3_secret_key"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	DownloadSlots int    `json:"download_slots"`
	ConvertSlots  int    `json:"convert_slots"`
	UploadSlots   int    `json:"upload_slots"`
	WorkDir       string `json:"work_dir"`

	PricePerGBCents    int64   `json:"price_per_gb_cents"`
	MinutesPerGB       float64 `json:"minutes_per_gb"`
	StartingGrantCents int64   `json:"starting_grant_cents"`

	SessionTTL           timex.Duration `json:"session_ttl"`
	SessionSweepInterval timex.Duration `json:"session_sweep_interval"`
	TaskRetention        timex.Duration `json:"task_retention"`
	TaskSweepInterval    timex.Duration `json:"task_sweep_interval"`
	ShutdownTimeout      timex.Duration `json:"shutdown_timeout"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config command-line
// flags; without them no JSON file is loaded. An unreadable or invalid file
// panics: a half-applied configuration must never start serving.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	setString(&config.EndpointAddr, c.EndpointAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.DriveBackend, c.DriveBackend)
	setString(&config.GraphClientID, c.GraphClientID)
	setString(&config.GraphClientSecret, c.GraphClientSecret)
	setString(&config.GraphTokenURL, c.GraphTokenURL)
	setString(&config.GraphBaseEndpoint, c.GraphBaseEndpoint)
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.WorkDir, c.WorkDir)

	if c.DownloadSlots > 0 {
		config.DownloadSlots = c.DownloadSlots
	}
	if c.ConvertSlots > 0 {
		config.ConvertSlots = c.ConvertSlots
	}
	if c.UploadSlots > 0 {
		config.UploadSlots = c.UploadSlots
	}
	if c.PricePerGBCents > 0 {
		config.PricePerGBCents = c.PricePerGBCents
	}
	if c.MinutesPerGB > 0 {
		config.MinutesPerGB = c.MinutesPerGB
	}
	if c.StartingGrantCents > 0 {
		config.StartingGrantCents = c.StartingGrantCents
	}

	if d := c.SessionTTL.Std(); d > 0 {
		config.SessionTTL = d
	}
	if d := c.SessionSweepInterval.Std(); d > 0 {
		config.SessionSweepInterval = d
	}
	if d := c.TaskRetention.Std(); d > 0 {
		config.TaskRetention = d
	}
	if d := c.TaskSweepInterval.Std(); d > 0 {
		config.TaskSweepInterval = d
	}
	if d := c.ShutdownTimeout.Std(); d > 0 {
		config.ShutdownTimeout = d
	}
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
