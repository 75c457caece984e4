package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config stores connectivity information for the remote platform.
type Config struct {
	BaseURL           string
	Token             string
	HealthEndpoint    string
	HTTPClient        *http.Client
	HTTPMaxAttempts   int
	HTTPRetryInterval time.Duration
}

// DefaultHealthEndpoint is probed when no health path is configured.
const DefaultHealthEndpoint = "/healthz"

// WithDefaults fills unset retry and health settings.
func (c Config) WithDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Token = strings.TrimSpace(c.Token)
	c.HealthEndpoint = strings.TrimSpace(c.HealthEndpoint)
	if c.HealthEndpoint == "" {
		c.HealthEndpoint = DefaultHealthEndpoint
	}
	if c.HTTPMaxAttempts == 0 {
		c.HTTPMaxAttempts = 5
	}
	if c.HTTPRetryInterval == 0 {
		c.HTTPRetryInterval = time.Second
	}
	return c
}

// Enabled reports whether a platform endpoint has been configured.
func (c Config) Enabled() bool {
	return c.BaseURL != ""
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if !c.Enabled() {
		if c.Token != "" {
			return errors.New("platform token configured without a platform API URL")
		}
		return nil
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("platform API %q must be an http(s) URL", c.BaseURL)
	}
	if c.HTTPMaxAttempts <= 0 {
		return errors.New("HTTP max attempts must be positive")
	}
	if c.HTTPRetryInterval < 0 {
		return errors.New("HTTP retry interval cannot be negative")
	}
	return nil
}

// New returns an HTTPClient when cfg is enabled and a NoopClient otherwise.
func New(cfg Config, logger *slog.Logger) Client {
	if !cfg.Enabled() {
		return NoopClient{}
	}
	return NewHTTPClient(cfg, logger)
}
