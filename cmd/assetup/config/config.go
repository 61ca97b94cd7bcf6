package config

import (
	uploader "github.com/goliatone/go-asset-uploader"
)

type Config struct {
	Environment string               `koanf:"environment" json:"environment"`
	Endpoints   uploader.Endpoints   `koanf:"endpoints" json:"endpoints"`
	Headers     map[string]string    `koanf:"headers" json:"headers"`
	Retry       uploader.RetryConfig `koanf:"retry" json:"retry"`
	PageLimits  *uploader.PageLimits `koanf:"page_limits" json:"page_limits"`
	MaxFileSize int64                `koanf:"max_file_size" json:"max_file_size"`
	// ProfileTable is an optional YAML file overriding the tier ceilings.
	ProfileTable string    `koanf:"profile_table" json:"profile_table"`
	RateLimit    RateLimit `koanf:"rate_limit" json:"rate_limit"`
	S3           S3        `koanf:"s3" json:"s3"`
}

type RateLimit struct {
	RPS   float64 `koanf:"rps" json:"rps"`
	Burst int     `koanf:"burst" json:"burst"`
}

type S3 struct {
	Region      string `koanf:"region" json:"region"`
	Profile     string `koanf:"profile" json:"profile"`
	EndpointURL string `koanf:"endpoint_url" json:"endpoint_url"`
	BasePath    string `koanf:"base_path" json:"base_path"`
}

func (c Config) GetEnvironment() string {
	return c.Environment
}

func (c Config) Validate() error {
	return c.Endpoints.Validate()
}
