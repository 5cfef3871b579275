package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"course-concierge/internal/domain"
)

const (
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultRunBudget      = 28 * time.Second
	defaultSafetyInterval = 3 * time.Second
)

// RunFetcher reads run snapshots.
type RunFetcher interface {
	FetchRunStatus(ctx context.Context, contextID, runID string) (domain.Run, error)
}

// Awaiter blocks until a run needs tool results or reaches a terminal state.
// The coordinator owns the tool-call handling; awaiters only decide when to
// look at the run again.
type Awaiter interface {
	Next(ctx context.Context, contextID, runID string) (domain.Run, error)
}

// RunNotifier wakes subscribers when a lifecycle event for runID arrives.
type RunNotifier interface {
	Subscribe(runID string) (<-chan struct{}, func())
}

// PollingAwaiter re-fetches the run on a fixed interval.
type PollingAwaiter struct {
	fetcher  RunFetcher
	interval time.Duration
	logger   *slog.Logger
}

func NewPollingAwaiter(fetcher RunFetcher, interval time.Duration, logger *slog.Logger) (*PollingAwaiter, error) {
	if fetcher == nil {
		return nil, errors.New("usecase: run fetcher must not be nil")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollingAwaiter{fetcher: fetcher, interval: interval, logger: logger}, nil
}

// Next sleeps one interval before every fetch, so a snapshot read right
// after a tool submission has had time to leave requires_action.
func (p *PollingAwaiter) Next(ctx context.Context, contextID, runID string) (domain.Run, error) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return domain.Run{}, ctx.Err()
		case <-timer.C:
		}
		run, done, err := fetchSettled(ctx, p.fetcher, p.logger, contextID, runID)
		if done {
			return run, err
		}
		timer.Reset(p.interval)
	}
}

// EventAwaiter waits for lifecycle notifications and re-fetches the run when
// one arrives. A slow safety tick covers events lost before subscription.
type EventAwaiter struct {
	fetcher  RunFetcher
	notifier RunNotifier
	safety   time.Duration
	logger   *slog.Logger
}

func NewEventAwaiter(fetcher RunFetcher, notifier RunNotifier, safety time.Duration, logger *slog.Logger) (*EventAwaiter, error) {
	if fetcher == nil {
		return nil, errors.New("usecase: run fetcher must not be nil")
	}
	if notifier == nil {
		return nil, errors.New("usecase: run notifier must not be nil")
	}
	if safety <= 0 {
		safety = defaultSafetyInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventAwaiter{fetcher: fetcher, notifier: notifier, safety: safety, logger: logger}, nil
}

func (e *EventAwaiter) Next(ctx context.Context, contextID, runID string) (domain.Run, error) {
	events, unsubscribe := e.notifier.Subscribe(runID)
	defer unsubscribe()

	ticker := time.NewTicker(e.safety)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return domain.Run{}, ctx.Err()
		case <-events:
		case <-ticker.C:
		}
		run, done, err := fetchSettled(ctx, e.fetcher, e.logger, contextID, runID)
		if done {
			return run, err
		}
	}
}

// fetchSettled fetches one snapshot. done is true when the caller should stop
// waiting: the run needs action, is terminal, or the error cannot heal.
func fetchSettled(ctx context.Context, f RunFetcher, logger *slog.Logger, contextID, runID string) (domain.Run, bool, error) {
	run, err := f.FetchRunStatus(ctx, contextID, runID)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Run{}, true, ctx.Err()
		}
		if isPermanent(err) {
			return domain.Run{}, true, err
		}
		logger.Warn("run status fetch failed; retrying", "context_id", contextID, "run_id", runID, "err", err)
		return domain.Run{}, false, nil
	}
	if run.Status == domain.RunRequiresAction || run.Status.IsTerminal() {
		return run, true, nil
	}
	return run, false, nil
}
