package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// UploaderConfig holds the client-side upload queue settings. Variables use the
// UPLOADER_ prefix, e.g. UPLOADER_PROXY_BASE_URL.
type UploaderConfig struct {
	Environment string `envconfig:"ENV" default:"development"`

	ProxyBaseURL string `envconfig:"PROXY_BASE_URL" default:"http://localhost:8080"`
	QueueDBPath  string `envconfig:"QUEUE_DB_PATH" default:"file:upload_queue.db?_pragma=busy_timeout(5000)"`
	SpoolDir     string `envconfig:"SPOOL_DIR" default:"upload_queue"`

	UserID  string `envconfig:"USER_ID"`
	IDToken string `envconfig:"ID_TOKEN"`
	PlanID  string `envconfig:"PLAN_ID" default:"free"`

	PollIntervalSec   int  `envconfig:"POLL_INTERVAL_SEC" default:"2"`
	ImageTimeoutSec   int  `envconfig:"IMAGE_TIMEOUT_SEC" default:"60"`
	VideoTimeoutSec   int  `envconfig:"VIDEO_TIMEOUT_SEC" default:"180"`
	BackoffInitialSec int  `envconfig:"BACKOFF_INITIAL_SEC" default:"2"`
	BackoffMaxSec     int  `envconfig:"BACKOFF_MAX_SEC" default:"300"`
	MaxAttempts       int  `envconfig:"MAX_ATTEMPTS" default:"8"`
	Concurrency       int  `envconfig:"CONCURRENCY" default:"1"`
	AutoProcess       bool `envconfig:"AUTO_PROCESS" default:"true"`
}

// LoadUploader reads the uploader configuration from UPLOADER_* variables.
func LoadUploader() (*UploaderConfig, error) {
	var cfg UploaderConfig
	if err := envconfig.Process("UPLOADER", &cfg); err != nil {
		return nil, err
	}
	cfg.ProxyBaseURL = strings.TrimRight(strings.TrimSpace(cfg.ProxyBaseURL), "/")
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &cfg, nil
}

func (c *UploaderConfig) PollInterval() time.Duration {
	return seconds(c.PollIntervalSec, 2)
}

func (c *UploaderConfig) ImageTimeout() time.Duration {
	return seconds(c.ImageTimeoutSec, 60)
}

func (c *UploaderConfig) VideoTimeout() time.Duration {
	return seconds(c.VideoTimeoutSec, 180)
}

func (c *UploaderConfig) BackoffInitial() time.Duration {
	return seconds(c.BackoffInitialSec, 2)
}

func (c *UploaderConfig) BackoffMax() time.Duration {
	return seconds(c.BackoffMaxSec, 300)
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}
