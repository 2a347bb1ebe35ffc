package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
)

// RunGetter is the slice of the client the waiter needs.
type RunGetter interface {
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
}

// WaiterConfig bounds the waiter's polling behavior.
type WaiterConfig struct {
	// PollInterval is the initial delay between status checks.
	PollInterval time.Duration
	// MaxInterval caps the backoff between status checks.
	MaxInterval time.Duration
	// Timeout bounds the total wait for a run to reach a terminal state.
	Timeout time.Duration
}

// DefaultWaiterConfig returns the default polling bounds.
func DefaultWaiterConfig() WaiterConfig {
	return WaiterConfig{
		PollInterval: time.Second,
		MaxInterval:  8 * time.Second,
		Timeout:      2 * time.Minute,
	}
}

// Waiter blocks until a remote run reaches a terminal state, polling with
// exponential backoff. The wait is bounded by both the configured timeout
// and the caller's context, so a disconnected client cancels the poll loop.
type Waiter struct {
	gateway RunGetter
	cfg     WaiterConfig
	logger  *slog.Logger
}

// NewWaiter creates a run waiter over the given gateway.
func NewWaiter(gateway RunGetter, cfg WaiterConfig, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWaiterConfig().PollInterval
	}
	if cfg.MaxInterval < cfg.PollInterval {
		cfg.MaxInterval = cfg.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWaiterConfig().Timeout
	}
	return &Waiter{gateway: gateway, cfg: cfg, logger: logger}
}

// Wait polls the run until it completes. A run that terminates in any state
// other than completed, or that outlives the timeout, yields an error.
func (w *Waiter) Wait(ctx context.Context, threadID, runID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	interval := w.cfg.PollInterval
	for {
		run, err := w.gateway.GetRun(ctx, threadID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, w.waitAborted(ctx, runID)
			}
			return nil, err
		}

		switch {
		case run.Status == RunCompleted:
			return run, nil
		case run.Status.Terminal():
			return nil, fmt.Errorf("run %s terminated with status %q: %w", runID, run.Status, errdefs.ErrUnavailable)
		}

		w.logger.Debug("waiting for run to complete", "run_id", runID, "status", run.Status, "next_poll", interval)

		select {
		case <-ctx.Done():
			return nil, w.waitAborted(ctx, runID)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > w.cfg.MaxInterval {
			interval = w.cfg.MaxInterval
		}
	}
}

func (w *Waiter) waitAborted(ctx context.Context, runID string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("run %s did not complete within %v: %w", runID, w.cfg.Timeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("wait for run %s: %w", runID, ctx.Err())
}
