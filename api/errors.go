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
	goerrors "errors"
	"fmt"
	"net/http"
	"time"
)

// retryableStatus is the set of HTTP status codes worth retrying.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// AuthenticationError means a token could not be acquired or refreshed. It is
// never retried.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("ERCOT authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode   int
	ResponseBody string
	Endpoint     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ERCOT API returned status %d for %s: %s",
		e.StatusCode, e.Endpoint, truncate(e.ResponseBody, 200))
}

// RateLimitError is an explicit 429 response. It unwraps to its APIError.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration // from the Retry-After header, if any
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("ERCOT API rate limit exceeded for %s", e.Endpoint)
}

func (e *RateLimitError) Unwrap() error { return &e.APIError }

// TimeoutError means the request exceeded the configured timeout.
type TimeoutError struct {
	Endpoint string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out: %v", e.Endpoint, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned once all attempts failed. It is terminal.
type RetryExhaustedError struct {
	StatusCode   int // of the last attempt; 0 if it didn't produce a response
	ResponseBody string
	Endpoint     string
	Attempts     int
	Last         error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up on %s after %d attempts: %v",
		e.Endpoint, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// IsRetryable classifies err: rate limits, timeouts and API errors with a
// status in {429, 500, 502, 503, 504} are retryable. Everything else,
// including authentication failures and exhausted retries, is not.
func IsRetryable(err error) bool {
	var exhausted *RetryExhaustedError
	var auth *AuthenticationError
	if goerrors.As(err, &exhausted) || goerrors.As(err, &auth) {
		return false
	}
	var rl *RateLimitError
	var timeout *TimeoutError
	if goerrors.As(err, &rl) || goerrors.As(err, &timeout) {
		return true
	}
	var apiErr *APIError
	if goerrors.As(err, &apiErr) {
		return retryableStatus[apiErr.StatusCode]
	}
	return false
}
