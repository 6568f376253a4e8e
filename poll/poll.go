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

// Package poll repeatedly fetches a report at a fixed interval, backing off
// on failures.
package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stockparfait/ercot/table"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

// DefaultMaxConsecutiveFailures stops a poll that keeps failing.
const DefaultMaxConsecutiveFailures = 10

// Result of one polling iteration. Failures are reported here rather than
// ending the poll.
type Result struct {
	Data      *table.Table
	Timestamp time.Time
	Success   bool
	Err       error
	Iteration int // starting from 1
}

// Func fetches the data of one iteration.
type Func func(ctx context.Context) (*table.Table, error)

// Poller configuration and state. A Poller runs one loop at a time.
type Poller struct {
	Interval   time.Duration
	MaxBackoff time.Duration // cap of the failure backoff; 0 = no cap
	// MaxConsecutiveFailures ends the loop; 0 means the default, negative
	// means never.
	MaxConsecutiveFailures int
	MaxIterations          int // 0 = unlimited
	Now                    func() time.Time

	stopped  atomic.Bool
	initOnce sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Poller with the given interval.
func New(interval time.Duration) *Poller {
	return &Poller{Interval: interval}
}

func (p *Poller) stopChan() chan struct{} {
	p.initOnce.Do(func() { p.stopCh = make(chan struct{}) })
	return p.stopCh
}

// Stop asks the loop to end. It is observed before the next iteration starts;
// an iteration in progress is not interrupted.
func (p *Poller) Stop() {
	p.stopped.Store(true)
	ch := p.stopChan()
	p.stopOnce.Do(func() { close(ch) })
}

// Stopped reports whether Stop was called.
func (p *Poller) Stopped() bool { return p.stopped.Load() }

// Backoff is the extra wait after the given number of consecutive failures:
// Interval after the first one, doubling after each next one.
func (p *Poller) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	b := p.Interval
	for i := 1; i < failures; i++ {
		if p.MaxBackoff > 0 && b >= p.MaxBackoff {
			break
		}
		b *= 2
	}
	if p.MaxBackoff > 0 && b > p.MaxBackoff {
		b = p.MaxBackoff
	}
	return b
}

// Run calls fn every Interval plus backoff and passes each result to
// callback. It returns nil when stopped or after MaxIterations, ctx's error
// when it is canceled, and an error after too many consecutive failures.
func (p *Poller) Run(ctx context.Context, fn Func, callback func(Result)) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	maxFailures := p.MaxConsecutiveFailures
	if maxFailures == 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	failures := 0
	for i := 1; ; i++ {
		if p.Stopped() {
			logging.Debugf(ctx, "polling stopped before iteration %d", i)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := fn(ctx)
		callback(Result{
			Data:      data,
			Timestamp: now(),
			Success:   err == nil,
			Err:       err,
			Iteration: i,
		})
		if err != nil {
			failures++
			logging.Warningf(ctx, "poll iteration %d failed (%d in a row): %s",
				i, failures, err.Error())
			if maxFailures > 0 && failures >= maxFailures {
				return errors.Reason("polling gave up after %d consecutive failures", failures)
			}
		} else {
			failures = 0
		}
		if p.MaxIterations > 0 && i >= p.MaxIterations {
			return nil
		}
		timer := time.NewTimer(p.Interval + p.Backoff(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.stopChan():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Results runs the loop in a goroutine and streams the results. The channel
// is closed when the loop ends.
func (p *Poller) Results(ctx context.Context, fn Func) <-chan Result {
	ch := make(chan Result)
	go func() {
		defer close(ch)
		err := p.Run(ctx, fn, func(r Result) {
			select {
			case ch <- r:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			logging.Warningf(ctx, "polling ended: %s", err.Error())
		}
	}()
	return ch
}
