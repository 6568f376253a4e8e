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
	"context"
	goerrors "errors"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
)

// RetryPolicy configures Retry.
type RetryPolicy struct {
	MaxRetries int           // total attempts = MaxRetries + 1
	MinWait    time.Duration // floor of a single backoff wait
	MaxWait    time.Duration // ceiling of a single backoff wait; 0 = none
	Multiplier time.Duration // wait before retry n is Multiplier * 2^(n-1); 0 = 1s
	// OnRetry, if not nil, is called before each backoff wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Wait returns the backoff before retry number attempt (starting at 1).
func (p RetryPolicy) Wait(attempt int) time.Duration {
	m := p.Multiplier
	if m <= 0 {
		m = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	w := m
	for i := 1; i < attempt; i++ {
		if p.MaxWait > 0 && w >= p.MaxWait {
			break
		}
		if w > time.Duration(1<<62)/2 {
			break
		}
		w *= 2
	}
	if w < p.MinWait {
		w = p.MinWait
	}
	if p.MaxWait > 0 && w > p.MaxWait {
		w = p.MaxWait
	}
	return w
}

// backoff is the wait after a failed attempt, stretched to a longer
// Retry-After of a rate limit response but still bounded by p.MaxWait.
func (p RetryPolicy) backoff(attempt int, err error) time.Duration {
	wait := p.Wait(attempt)
	var rl *RateLimitError
	if goerrors.As(err, &rl) && rl.RetryAfter > wait {
		wait = rl.RetryAfter
		if p.MaxWait > 0 && wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
	return wait
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or
// p.MaxRetries retries are used up, in which case it returns
// *RetryExhaustedError. The attempt loop is fetch.Retry; backoff waits happen
// inside the attempt so that they end early when ctx is canceled.
func Retry[T any](ctx context.Context, p RetryPolicy, endpoint string, fn func() (T, error)) (T, error) {
	var (
		zero     T
		res      T
		last     error
		aborted  error
		wait     time.Duration
		attempts int
	)
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	params := fetch.NewParams().Retries(p.MaxRetries).MinWait(0).MaxWait(0).
		IsRetriableFn(func(err error) bool { return aborted == nil && IsRetryable(err) })

	err := fetch.Retry(ctx, params, func(attempt int) error {
		if attempt > 0 {
			if err := sleep(ctx, wait); err != nil {
				aborted = err
				return err
			}
		}
		attempts = attempt + 1
		r, err := fn()
		if err != nil {
			last = err
			if IsRetryable(err) && attempt < p.MaxRetries {
				wait = p.backoff(attempts, err)
				if p.OnRetry != nil {
					p.OnRetry(attempts, err, wait)
				}
			}
			return err
		}
		res = r
		return nil
	})
	switch {
	case err == nil:
		return res, nil
	case aborted != nil:
		return zero, errors.Annotate(aborted, "retry of %s aborted", endpoint)
	case last == nil || ctx.Err() != nil && IsRetryable(last):
		return zero, errors.Annotate(ctx.Err(), "retry of %s aborted", endpoint)
	case !IsRetryable(last):
		return zero, last
	}
	exhausted := &RetryExhaustedError{
		Endpoint: endpoint,
		Attempts: attempts,
		Last:     last,
	}
	var apiErr *APIError
	if goerrors.As(last, &apiErr) {
		exhausted.StatusCode = apiErr.StatusCode
		exhausted.ResponseBody = apiErr.ResponseBody
	}
	return zero, exhausted
}
