// Package submission is the boundary where a completed application leaves the service.
//
// No backend integration exists yet: EchoSubmitter waits for an artificial delay and returns a
// copy of what it was given.
package submission

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/SocialSupport/internal/models"
)

// DefaultDelay is the artificial latency of EchoSubmitter.
const DefaultDelay = 1500 * time.Millisecond

// Submitter sends a completed form and returns the backend's response.
type Submitter interface {
	Submit(ctx context.Context, data models.FormData) (models.FormData, error)
}

// Opts holds configuration options for EchoSubmitter.
type Opts struct {
	Delay time.Duration
}

// Option defines a configuration option for EchoSubmitter.
type Option func(*Opts)

// WithDelay overrides the artificial delay. Negative values are treated as zero.
func WithDelay(d time.Duration) Option {
	return func(o *Opts) { o.Delay = d }
}

// EchoSubmitter echoes the submitted data back after a delay.
type EchoSubmitter struct {
	delay time.Duration
}

// NewEchoSubmitter creates an EchoSubmitter with DefaultDelay unless overridden.
func NewEchoSubmitter(opts ...Option) *EchoSubmitter {
	cfg := Opts{Delay: DefaultDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &EchoSubmitter{delay: cfg.Delay}
}

// Submit returns a copy of data once the delay has elapsed, or ctx.Err() if ctx is done first.
func (e *EchoSubmitter) Submit(ctx context.Context, data models.FormData) (models.FormData, error) {
	slog.Debug("EchoSubmitter.Submit: submitting", "fields", len(data), "delay", e.delay)
	if e.delay > 0 {
		timer := time.NewTimer(e.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			slog.Warn("EchoSubmitter.Submit: cancelled before completion", "error", ctx.Err())
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	return data.Clone(), nil
}
