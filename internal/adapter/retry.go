package adapter

import (
	"context"
	"time"
)

// retrying wraps a provider so calls that fail with a transient error before
// any output was produced are attempted again. Streams are only retried while
// opening; once Stream returns, fragments may already be on the wire.
type retrying struct {
	Provider
	retries int
	delay   time.Duration
}

// WithRetry retries transient failures of p up to retries extra times,
// pausing delay between attempts. retries <= 0 returns p unchanged.
func WithRetry(p Provider, retries int, delay time.Duration) Provider {
	if retries <= 0 {
		return p
	}
	return &retrying{Provider: p, retries: retries, delay: delay}
}

// Complete implements Provider.
func (r *retrying) Complete(ctx context.Context, req Request) (*Completion, error) {
	var out *Completion
	err := r.do(ctx, func() error {
		var err error
		out, err = r.Provider.Complete(ctx, req)
		return err
	})
	return out, err
}

// Stream implements Provider.
func (r *retrying) Stream(ctx context.Context, req Request) (Stream, error) {
	var out Stream
	err := r.do(ctx, func() error {
		var err error
		out, err = r.Provider.Stream(ctx, req)
		return err
	})
	return out, err
}

func (r *retrying) do(ctx context.Context, call func() error) error {
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(r.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}
		err = call()
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}
