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

// Package ratelimit throttles outbound requests with a token bucket.
//
// Tokens refill continuously at requests-per-minute / 60 per second, up to the
// burst size. Acquiring consumes a token; tokens are never returned, so
// Release is a no-op kept for symmetry with semaphore-style callers. The same
// bucket serves blocking callers (Acquire) and context-driven callers
// (AcquireContext, AcquireAsync).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerMinute is ERCOT's documented public API limit.
const DefaultRequestsPerMinute = 30

// Limiter is a token bucket safe for concurrent use. A nil *Limiter never
// throttles.
type Limiter struct {
	mu     sync.Mutex
	rpm    int
	burst  int
	bucket *rate.Limiter
	reset  chan struct{} // closed by Reset to wake waiters on the old bucket
}

// New creates a full bucket. When burst <= 0 it defaults to requestsPerMinute,
// permitting an initial burst of the whole per-minute allowance.
func New(requestsPerMinute, burst int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if burst <= 0 {
		burst = requestsPerMinute
	}
	l := &Limiter{rpm: requestsPerMinute, burst: burst, reset: make(chan struct{})}
	l.bucket = l.newBucket()
	return l
}

func (l *Limiter) newBucket() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)
}

func (l *Limiter) current() *rate.Limiter {
	b, _ := l.state()
	return b
}

func (l *Limiter) state() (*rate.Limiter, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket, l.reset
}

// RequestsPerMinute is the configured refill rate.
func (l *Limiter) RequestsPerMinute() int { return l.rpm }

// Burst is the bucket capacity.
func (l *Limiter) Burst() int { return l.burst }

// RefillRate is the number of tokens added per second.
func (l *Limiter) RefillRate() float64 { return float64(l.rpm) / 60.0 }

// Acquire blocks until a token is available and returns true, or returns false
// once it is clear that no token will be available within timeout. A timeout
// <= 0 waits indefinitely.
func (l *Limiter) Acquire(timeout time.Duration) bool {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return l.AcquireContext(ctx) == nil
}

// AcquireContext suspends the caller until a token is available or ctx is
// done, whichever comes first. A Reset while waiting restarts the wait on the
// refilled bucket.
func (l *Limiter) AcquireContext(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		bucket, reset := l.state()
		wctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			select {
			case <-reset:
				cancel()
			case <-done:
			}
		}()
		err := bucket.Wait(wctx)
		close(done)
		cancel()
		if err == nil || ctx.Err() != nil {
			return err
		}
		select {
		case <-reset:
		default:
			return err
		}
	}
}

// AcquireAsync starts acquiring a token in the background. The channel
// receives exactly one value, the result of Acquire, and is then closed.
func (l *Limiter) AcquireAsync(ctx context.Context, timeout time.Duration) <-chan bool {
	ch := make(chan bool, 1)
	go func() {
		defer close(ch)
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ch <- l.AcquireContext(ctx) == nil
	}()
	return ch
}

// Release is a no-op: consumed tokens are only replenished by refill.
func (l *Limiter) Release() {}

// Reset restores the bucket to full capacity immediately and wakes current
// waiters so they compete for the new tokens.
func (l *Limiter) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	close(l.reset)
	l.reset = make(chan struct{})
	l.bucket = l.newBucket()
}

// Available reports the number of tokens currently in the bucket, in [0, burst].
func (l *Limiter) Available() float64 {
	if l == nil {
		return 0
	}
	t := l.current().Tokens()
	if t < 0 {
		return 0 // tokens reserved by pending waiters
	}
	return t
}
