// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stockparfait/errors"
)

// Defaults for Config.
const (
	DefaultBaseURL  = "https://api.ercot.com/api/public-reports"
	DefaultTokenURL = "https://ercotb2c.b2clogin.com/ercotb2c.onmicrosoft.com/B2C_1_PUBAPI-ROPC-FLOW/oauth2/v2.0/token"
	DefaultClientID = "fec253ea-0d06-4272-a5e6-b478baeecd70"
	// MaxArchiveBatch is the largest number of doc ids the bulk download
	// endpoint accepts in one request.
	MaxArchiveBatch = 1000
)

// Config of the ERCOT client, typically read from a TOML file.
type Config struct {
	BaseURL               string  `toml:"base_url"`
	TokenURL              string  `toml:"token_url"`
	ClientID              string  `toml:"client_id"`
	Username              string  `toml:"username"`
	Password              string  `toml:"password"`
	SubscriptionKey       string  `toml:"subscription_key"`
	TimeoutSeconds        float64 `toml:"timeout_seconds"`
	VerifySSL             bool    `toml:"verify_ssl"`
	MaxRetries            int     `toml:"max_retries"`
	MinWaitSeconds        float64 `toml:"min_wait_seconds"`
	MaxWaitSeconds        float64 `toml:"max_wait_seconds"`
	PageSize              int     `toml:"page_size"`
	MaxConcurrentRequests int     `toml:"max_concurrent_requests"`
	RateLimit             bool    `toml:"rate_limit"`
	RequestsPerMinute     int     `toml:"requests_per_minute"`
	ArchiveBatchSize      int     `toml:"archive_batch_size"`
	ArchivePageSize       int     `toml:"archive_page_size"`
}

// DefaultConfig returns the configuration with all the default values.
func DefaultConfig() Config {
	return Config{
		BaseURL:               DefaultBaseURL,
		TokenURL:              DefaultTokenURL,
		ClientID:              DefaultClientID,
		TimeoutSeconds:        30,
		VerifySSL:             true,
		MaxRetries:            3,
		MinWaitSeconds:        1,
		MaxWaitSeconds:        60,
		PageSize:              10000,
		MaxConcurrentRequests: 5,
		RateLimit:             true,
		RequestsPerMinute:     30,
		ArchiveBatchSize:      MaxArchiveBatch,
		ArchivePageSize:       1000,
	}
}

// LoadConfig reads a TOML config file. Missing fields keep their default
// values; unknown fields are an error.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open config file '%s'", path)
	}
	defer f.Close()

	c := DefaultConfig()
	d := toml.NewDecoder(f)
	d.DisallowUnknownFields()
	if err := d.Decode(&c); err != nil {
		return nil, errors.Annotate(err, "failed to decode config file '%s'", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config in '%s'", path)
	}
	return &c, nil
}

// Validate checks the config values for consistency.
func (c *Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return errors.Reason("base_url must not be empty")
	case c.TimeoutSeconds <= 0:
		return errors.Reason("timeout_seconds must be positive: %g", c.TimeoutSeconds)
	case c.MaxRetries < 0:
		return errors.Reason("max_retries must be >= 0: %d", c.MaxRetries)
	case c.MinWaitSeconds < 0 || c.MaxWaitSeconds < c.MinWaitSeconds:
		return errors.Reason("need 0 <= min_wait_seconds <= max_wait_seconds: %g, %g",
			c.MinWaitSeconds, c.MaxWaitSeconds)
	case c.PageSize < 1:
		return errors.Reason("page_size must be positive: %d", c.PageSize)
	case c.MaxConcurrentRequests < 1:
		return errors.Reason("max_concurrent_requests must be positive: %d",
			c.MaxConcurrentRequests)
	case c.RateLimit && c.RequestsPerMinute < 1:
		return errors.Reason("requests_per_minute must be positive: %d",
			c.RequestsPerMinute)
	case c.ArchiveBatchSize < 1 || c.ArchiveBatchSize > MaxArchiveBatch:
		return errors.Reason("archive_batch_size must be in [1..%d]: %d",
			MaxArchiveBatch, c.ArchiveBatchSize)
	case c.ArchivePageSize < 1:
		return errors.Reason("archive_page_size must be positive: %d", c.ArchivePageSize)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Timeout of a single HTTP request.
func (c *Config) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// RetryPolicy derived from the config.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxRetries,
		MinWait:    seconds(c.MinWaitSeconds),
		MaxWait:    seconds(c.MaxWaitSeconds),
		Multiplier: time.Second,
	}
}
