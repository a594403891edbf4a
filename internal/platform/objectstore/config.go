package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/crewflow/internal/platform/env"
)

// Config addresses the MinIO deployment holding schedule snapshots.
// Prefix is prepended to every object key so several environments can share
// one bucket.
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketSnapshots string
	Prefix          string
	PutTimeout      time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("CREWFLOW_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	putTimeout, err := env.Duration("CREWFLOW_MINIO_PUT_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("CREWFLOW_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("CREWFLOW_MINIO_ACCESS_KEY", "crewflow"),
		SecretKey:       env.String("CREWFLOW_MINIO_SECRET_KEY", "crewflowminio"),
		Region:          env.String("CREWFLOW_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketSnapshots: env.String("CREWFLOW_MINIO_BUCKET_SNAPSHOTS", "schedule-snapshots"),
		Prefix:          strings.Trim(env.String("CREWFLOW_MINIO_PREFIX", ""), "/"),
		PutTimeout:      putTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	required := []struct{ name, value string }{
		{"endpoint", c.Endpoint},
		{"access key", c.AccessKey},
		{"secret key", c.SecretKey},
		{"region", c.Region},
		{"snapshots bucket", c.BucketSnapshots},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if c.PutTimeout < 0 {
		return errors.New("put timeout must be >= 0")
	}
	return nil
}
