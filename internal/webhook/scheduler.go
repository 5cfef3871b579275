package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultTaskTimeout = 60 * time.Second

	// JobKind marks an invocation payload carrying a Job rather than an HTTP event.
	JobKind = "concierge.lifecycle_job"
)

// Job is deferred lifecycle work. It carries ids only, so it can cross
// process boundaries; the runner re-fetches everything else.
type Job struct {
	Event     string `json:"event"`
	RunID     string `json:"runId"`
	ContextID string `json:"contextId"`
}

// JobEnvelope is the wire form of a Job sent to another invocation.
type JobEnvelope struct {
	Kind string `json:"kind"`
	Job  Job    `json:"job"`
}

// DecodeJob reports whether raw is a JobEnvelope and returns its Job.
func DecodeJob(raw []byte) (Job, bool) {
	var env JobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Kind != JobKind {
		return Job{}, false
	}
	if env.Job.Event == "" || env.Job.RunID == "" || env.Job.ContextID == "" {
		return Job{}, false
	}
	return env.Job, true
}

// Scheduler runs deferred event processing. Local schedulers run task;
// remote ones forward job and ignore task.
type Scheduler interface {
	Schedule(ctx context.Context, job Job, task func(ctx context.Context)) error
}

// InlineScheduler runs tasks before returning. It is the last resort inside
// Lambda, where the process freezes once the response is sent.
type InlineScheduler struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

func (s InlineScheduler) Schedule(_ context.Context, job Job, task func(ctx context.Context)) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOr(s.Timeout))
	defer cancel()
	runTask(ctx, logger, job.Event, task)
	return nil
}

// BackgroundScheduler runs each task on its own goroutine so the event
// acknowledgment returns immediately.
type BackgroundScheduler struct {
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewBackgroundScheduler(timeout time.Duration, logger *slog.Logger) *BackgroundScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundScheduler{timeout: timeoutOr(timeout), logger: logger}
}

func (s *BackgroundScheduler) Schedule(_ context.Context, job Job, task func(ctx context.Context)) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		runTask(ctx, s.logger, job.Event, task)
	}()
	return nil
}

// Wait blocks until every scheduled task has returned.
func (s *BackgroundScheduler) Wait() {
	s.wg.Wait()
}

func runTask(ctx context.Context, logger *slog.Logger, name string, task func(ctx context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("background task panicked", "task", name, "panic", p)
		}
	}()
	task(ctx)
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTaskTimeout
	}
	return d
}
