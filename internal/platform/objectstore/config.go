package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jingyi7777/adapt-seq-design/internal/platform/env"
)

// Config describes the S3-compatible endpoint that receives compressed run
// outputs. Uploads are off unless Enabled is set.
type Config struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("ADAPT_ARTIFACT_UPLOAD", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("ADAPT_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:   enabled,
		Endpoint:  env.String("ADAPT_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("ADAPT_MINIO_ACCESS_KEY", ""),
		SecretKey: env.String("ADAPT_MINIO_SECRET_KEY", ""),
		Region:    env.String("ADAPT_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("ADAPT_MINIO_BUCKET", "adapt-results"),
		Prefix:    strings.Trim(env.String("ADAPT_MINIO_PREFIX", ""), "/"),
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("ADAPT_MINIO_ENDPOINT is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("ADAPT_MINIO_ENDPOINT must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("ADAPT_MINIO_ACCESS_KEY is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("ADAPT_MINIO_SECRET_KEY is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("ADAPT_MINIO_REGION is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("ADAPT_MINIO_BUCKET is required")
	}
	return nil
}
