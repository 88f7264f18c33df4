package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for Do
const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = time.Second
	DefaultMaxWait    = 30 * time.Second
)

type options struct {
	maxRetries     int
	timeoutRetries int
	baseWait       time.Duration
	maxWait        time.Duration
	logger         *slog.Logger
}

// Option configures Do
type Option func(*options)

// WithMaxRetries sets the retry budget for execution errors. Zero means the
// function is called once.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithTimeoutRetries sets a separate retry budget for errors that match
// context.DeadlineExceeded. It defaults to the execution error budget.
func WithTimeoutRetries(n int) Option {
	return func(o *options) { o.timeoutRetries = n }
}

// WithBaseWait sets the first wait between attempts
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps the wait between attempts
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithLogger logs each retry
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// or exhausts the retry budget for its kind of error. Waits grow
// exponentially with jitter. The last error is returned unwrapped.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries:     DefaultMaxRetries,
		timeoutRetries: -1,
		baseWait:       DefaultBaseWait,
		maxWait:        DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeoutRetries < 0 {
		o.timeoutRetries = o.maxRetries
	}
	if o.maxWait < o.baseWait {
		o.maxWait = o.baseWait
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.baseWait
	eb.MaxInterval = o.maxWait
	eb.MaxElapsedTime = 0

	var errorRetries, timeoutRetries int
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			if timeoutRetries >= o.timeoutRetries {
				return backoff.Permanent(err)
			}
			timeoutRetries++
			return err
		}
		if errorRetries >= o.maxRetries {
			return backoff.Permanent(err)
		}
		errorRetries++
		return err
	}
	notify := func(err error, wait time.Duration) {
		if o.logger != nil {
			o.logger.Warn("retrying after error",
				"error", err,
				"wait", wait,
				"attempt", errorRetries+timeoutRetries+1)
		}
	}
	return backoff.RetryNotify(operation, backoff.WithContext(eb, ctx), notify)
}
