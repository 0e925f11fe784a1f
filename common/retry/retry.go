// Package retry runs an operation again after a delay until it succeeds or the attempts run out.
package retry

import (
	"context"
	"time"

	"github.com/tcpfs/tcpfs/common/errors"
)

var ErrRetryFailed = errors.New("all retry attempts failed")

// Strategy is a way to retry on a specific function.
type Strategy interface {
	// On performs a retry on a specific function, until it doesn't return any error.
	On(func() error) error
	// OnContext is On that gives up early once ctx is done.
	OnContext(context.Context, func() error) error
}

type retryer struct {
	totalAttempt int
	nextDelay    func() uint32
}

// On implements Strategy.On.
func (r *retryer) On(method func() error) error {
	return r.OnContext(context.Background(), method)
}

// OnContext implements Strategy.OnContext.
func (r *retryer) OnContext(ctx context.Context, method func() error) error {
	attempt := 0
	accumulatedError := make([]error, 0, r.totalAttempt)
	for attempt < r.totalAttempt {
		err := method()
		if err == nil {
			return nil
		}
		numErrors := len(accumulatedError)
		if numErrors == 0 || err.Error() != accumulatedError[numErrors-1].Error() {
			accumulatedError = append(accumulatedError, err)
		}
		attempt++
		if attempt == r.totalAttempt {
			break
		}
		delay := time.Duration(r.nextDelay()) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.New(accumulatedError).Base(ctx.Err())
		}
	}
	return errors.New(accumulatedError).Base(ErrRetryFailed)
}

// Timed returns a retry strategy with fixed interval.
func Timed(attempts int, delay uint32) Strategy {
	return &retryer{
		totalAttempt: attempts,
		nextDelay: func() uint32 {
			return delay
		},
	}
}

// ExponentialBackoff doubles the delay after every failed attempt, starting from delay milliseconds.
func ExponentialBackoff(attempts int, delay uint32) Strategy {
	nextDelay := uint32(0)
	return &retryer{
		totalAttempt: attempts,
		nextDelay: func() uint32 {
			r := nextDelay
			if r == 0 {
				r = delay
			}
			nextDelay = r * 2
			return r
		},
	}
}
