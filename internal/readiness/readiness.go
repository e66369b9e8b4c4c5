// Package readiness waits until a freshly spawned service can answer requests.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/svcprobe/internal/detector"
	"github.com/loykin/svcprobe/internal/metrics"
)

type Mode string

const (
	ModeFixed Mode = "fixed"
	ModePoll  Mode = "poll"
)

const (
	DefaultInterval       = 250 * time.Millisecond
	DefaultMaxAttempts    = 40
	DefaultAttemptTimeout = 2 * time.Second
	DefaultDelay          = 3 * time.Second
)

var errNotReady = errors.New("not ready")

// Policy selects how readiness is established. A poll policy without a check
// degrades to the fixed delay.
type Policy struct {
	Mode           Mode
	Delay          time.Duration
	Check          detector.Detector
	Interval       time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func Fixed(d time.Duration) Policy { return Policy{Mode: ModeFixed, Delay: d} }

func Poll(check detector.Detector, interval time.Duration, maxAttempts int) Policy {
	return Policy{Mode: ModePoll, Check: check, Interval: interval, MaxAttempts: maxAttempts}
}

func (p Policy) withDefaults() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Describe renders the policy for logs and the steps listing.
func (p Policy) Describe() string {
	p = p.withDefaults()
	if p.Mode != ModePoll || p.Check == nil {
		return fmt.Sprintf("fixed delay %s", p.Delay)
	}
	return fmt.Sprintf("poll %s every %s, at most %d attempts", p.Check.Describe(), p.Interval, p.MaxAttempts)
}

// Timeout means the service never became ready. Err holds the last check
// error, or the context error when the wait was cut short.
type Timeout struct {
	Check    string
	Attempts int
	Elapsed  time.Duration
	Exited   bool // the supervised child exited while we were waiting
	Err      error
}

func (e *Timeout) Error() string {
	msg := fmt.Sprintf("readiness timeout after %d attempt(s) in %s (%s)", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Check)
	if e.Exited {
		msg += ": service exited before becoming ready"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Timeout) Unwrap() error { return e.Err }

// Waiter runs a Policy. Exited, when set, aborts the wait as soon as it is closed.
type Waiter struct {
	Logger *slog.Logger
	Exited <-chan struct{}
}

func (w Waiter) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Wait blocks until the policy is satisfied. Every failure is a *Timeout.
func (w Waiter) Wait(ctx context.Context, p Policy) error {
	p = p.withDefaults()
	if p.Mode != ModePoll || p.Check == nil {
		return w.fixed(ctx, p)
	}
	return w.poll(ctx, p)
}

func (w Waiter) fixed(ctx context.Context, p Policy) error {
	start := time.Now()
	w.logger().Debug("waiting fixed delay for readiness", "delay", p.Delay)
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-w.Exited:
		return &Timeout{Check: "fixed delay", Elapsed: time.Since(start), Exited: true}
	case <-ctx.Done():
		return &Timeout{Check: "fixed delay", Elapsed: time.Since(start), Err: ctx.Err()}
	}
}

func (w Waiter) poll(parent context.Context, p Policy) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var exited atomic.Bool
	if w.Exited != nil {
		go func() {
			select {
			case <-w.Exited:
				exited.Store(true)
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	log := w.logger().With("check", p.Check.Describe())
	start := time.Now()
	attempts := 0
	var last error
	op := func() error {
		attempts++
		actx, acancel := context.WithTimeout(ctx, p.AttemptTimeout)
		defer acancel()
		ok, err := p.Check.Alive(actx)
		if ok {
			return nil
		}
		if err == nil {
			err = errNotReady
		}
		last = err
		log.Debug("service not ready", "attempt", attempts, "error", err)
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.MaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(op, b)
	metrics.ObserveReadinessAttempts(attempts)
	if err == nil {
		log.Info("service ready", "attempts", attempts, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	}

	to := &Timeout{
		Check:    p.Check.Describe(),
		Attempts: attempts,
		Elapsed:  time.Since(start),
		Exited:   exited.Load(),
		Err:      last,
	}
	if cerr := parent.Err(); cerr != nil {
		to.Err = cerr
	}
	return to
}
