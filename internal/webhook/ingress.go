package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"course-concierge/internal/domain"
	"course-concierge/internal/usecase"
)

const (
	StatusScheduled = "scheduled"
	StatusLogged    = "logged"
	StatusIgnored   = "ignored"
	StatusError     = "error"

	signaturePrefix = "sha256="
	dedupeTTL       = 10 * time.Minute
	dedupeMaxSize   = 10000
)

// Response is the acknowledgment body returned for every lifecycle event.
type Response struct {
	Status string `json:"status"`
	Event  string `json:"event,omitempty"`
	RunID  string `json:"run_id,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// RunFetcher re-reads a run so control decisions never rely on event payloads.
type RunFetcher interface {
	FetchRunStatus(ctx context.Context, contextID, runID string) (domain.Run, error)
	FetchLatestAssistantText(ctx context.Context, contextID string) (string, error)
}

// ToolResolver answers a requires_action snapshot.
type ToolResolver interface {
	ResolveToolCalls(ctx context.Context, run domain.Run) (int, error)
}

// UserResolver maps a context back to its user.
type UserResolver interface {
	ReverseResolve(ctx context.Context, contextID string) (string, bool)
}

type Deliverer interface {
	Deliver(ctx context.Context, userKey, text string, meta domain.DeliveryMeta) (string, error)
}

// ReplyClaimer ensures one reply per run across entry points.
type ReplyClaimer interface {
	ClaimInbound(ctx context.Context, key string) (bool, error)
}

// Ingress handles run lifecycle notifications pushed by the generation backend.
type Ingress struct {
	secret    string
	runs      RunFetcher
	tools     ToolResolver
	users     UserResolver
	deliverer Deliverer
	hub       *Hub
	scheduler Scheduler
	claims    ReplyClaimer
	seen      *seenCache
	logger    *slog.Logger
	observer  func(eventType, status string)

	warnOnce sync.Once
}

type Option func(*Ingress)

func WithLogger(l *slog.Logger) Option {
	return func(in *Ingress) {
		if l != nil {
			in.logger = l
		}
	}
}

func WithReplyClaimer(c ReplyClaimer) Option {
	return func(in *Ingress) {
		in.claims = c
	}
}

func WithObserver(fn func(eventType, status string)) Option {
	return func(in *Ingress) {
		in.observer = fn
	}
}

// NewIngress builds an Ingress. An empty secret disables signature checks.
func NewIngress(secret string, runs RunFetcher, tools ToolResolver, users UserResolver, deliverer Deliverer, hub *Hub, scheduler Scheduler, opts ...Option) (*Ingress, error) {
	if runs == nil || tools == nil || users == nil || deliverer == nil {
		return nil, errors.New("webhook: run fetcher, tool resolver, user resolver and deliverer are required")
	}
	if hub == nil {
		return nil, errors.New("webhook: hub must not be nil")
	}
	if scheduler == nil {
		return nil, errors.New("webhook: scheduler must not be nil")
	}
	in := &Ingress{
		secret:    strings.TrimSpace(secret),
		runs:      runs,
		tools:     tools,
		users:     users,
		deliverer: deliverer,
		hub:       hub,
		scheduler: scheduler,
		seen:      newSeenCache(dedupeTTL, dedupeMaxSize),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// SecretConfigured reports whether signatures are verified.
func (in *Ingress) SecretConfigured() bool {
	return in.secret != ""
}

// Handle verifies, parses and routes one event. It returns the
// acknowledgment and the HTTP status to send.
func (in *Ingress) Handle(ctx context.Context, body []byte, signature string) (Response, int) {
	if !in.verify(body, signature) {
		in.logger.Warn("lifecycle event rejected: invalid signature")
		in.observe("", "rejected")
		return Response{Status: StatusError, Detail: "invalid signature"}, http.StatusUnauthorized
	}

	var ev domain.LifecycleEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		in.logger.Warn("lifecycle event rejected: malformed body", "err", err)
		in.observe("", "rejected")
		return Response{Status: StatusError, Detail: "malformed JSON"}, http.StatusBadRequest
	}
	if strings.TrimSpace(ev.Type) == "" {
		in.observe("", "rejected")
		return Response{Status: StatusError, Detail: "missing event type"}, http.StatusBadRequest
	}

	resp, code := in.route(ctx, ev)
	in.observe(ev.Type, resp.Status)
	return resp, code
}

func (in *Ingress) route(ctx context.Context, ev domain.LifecycleEvent) (Response, int) {
	runID := ev.Data.ID
	threadID := ev.Data.ThreadID
	resp := Response{Event: ev.Type, RunID: runID}
	log := in.logger.With("event", ev.Type, "run_id", runID, "context_id", threadID)

	switch eventName(ev.Type) {
	case "run.created":
		log.Info("run created")
		resp.Status = StatusLogged
		return resp, http.StatusOK

	case "run.failed", "run.cancelled", "run.expired":
		log.Warn("run ended without reply", "status", ev.Data.Status, "last_error", string(ev.Data.LastError))
		in.hub.Publish(runID)
		resp.Status = StatusLogged
		return resp, http.StatusOK

	case "run.requires_action", "run.completed":
		if runID == "" || threadID == "" {
			resp.Status = StatusError
			resp.Detail = "data.id and data.thread_id are required"
			return resp, http.StatusBadRequest
		}
		if in.hub.Publish(runID) > 0 {
			log.Info("run is driven by an in-flight turn")
			resp.Status = StatusLogged
			resp.Detail = "in-flight turn notified"
			return resp, http.StatusOK
		}
		key := runID + "|" + eventName(ev.Type)
		if in.seen.CheckAndMark(key) {
			log.Info("duplicate lifecycle event ignored")
			resp.Status = StatusIgnored
			resp.Detail = "duplicate"
			return resp, http.StatusOK
		}
		job := Job{Event: eventName(ev.Type), RunID: runID, ContextID: threadID}
		task := func(ctx context.Context) {
			if err := in.RunJob(ctx, job); err != nil {
				in.seen.Forget(key)
				log.Error("lifecycle task failed", "err", err)
			}
		}
		if err := in.scheduler.Schedule(ctx, job, task); err != nil {
			log.Warn("scheduling lifecycle task failed; running inline", "err", err)
			_ = InlineScheduler{Logger: in.logger}.Schedule(ctx, job, task)
		}
		resp.Status = StatusScheduled
		return resp, http.StatusOK

	default:
		resp.Status = StatusIgnored
		return resp, http.StatusOK
	}
}

// RunJob performs the work behind a requires_action or completed event.
// It is the entry point for jobs dispatched to another invocation.
func (in *Ingress) RunJob(ctx context.Context, job Job) error {
	switch job.Event {
	case "run.requires_action":
		return in.resolveTools(ctx, job.ContextID, job.RunID)
	case "run.completed":
		return in.deliverReply(ctx, job.ContextID, job.RunID)
	default:
		return fmt.Errorf("webhook: unsupported job event %q", job.Event)
	}
}

func (in *Ingress) resolveTools(ctx context.Context, threadID, runID string) error {
	run, err := in.runs.FetchRunStatus(ctx, threadID, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunRequiresAction {
		in.logger.Info("stale requires_action event", "run_id", runID, "status", run.Status)
		return nil
	}
	if run.ContextID == "" {
		run.ContextID = threadID
	}
	_, err = in.tools.ResolveToolCalls(ctx, run)
	return err
}

func (in *Ingress) deliverReply(ctx context.Context, threadID, runID string) error {
	log := in.logger.With("run_id", runID, "context_id", threadID)
	run, err := in.runs.FetchRunStatus(ctx, threadID, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunCompleted {
		log.Info("stale completed event", "status", run.Status)
		return nil
	}
	userKey, ok := in.users.ReverseResolve(ctx, threadID)
	if !ok {
		log.Warn("no user bound to context; reply dropped")
		return nil
	}
	if in.claims != nil {
		fresh, err := in.claims.ClaimInbound(ctx, usecase.ReplyClaimKey(runID))
		if err != nil {
			log.Warn("reply claim failed; delivering anyway", "err", err)
		} else if !fresh {
			log.Info("reply for run already delivered")
			return nil
		}
	}

	meta := domain.DeliveryMeta{Source: domain.SourceGeneration, ContextID: threadID, RunID: runID, Status: run.Status}
	text, err := in.runs.FetchLatestAssistantText(ctx, threadID)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn("no assistant text for completed run; sending fallback", "err", err)
		category, reply := usecase.Fallback("")
		text = reply
		meta.Source = domain.SourceFallback
		meta.FallbackCategory = string(category)
	}
	id, err := in.deliverer.Deliver(ctx, userKey, text, meta)
	if err != nil {
		return err
	}
	log.Info("reply delivered from lifecycle event", "user_key", userKey, "delivery_id", id, "source", meta.Source)
	return nil
}

func (in *Ingress) verify(body []byte, header string) bool {
	if in.secret == "" {
		in.warnOnce.Do(func() {
			in.logger.Warn("lifecycle webhook signature verification disabled: no secret configured")
		})
		return true
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(in.secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (in *Ingress) observe(eventType, status string) {
	if in.observer != nil {
		in.observer(eventType, status)
	}
}

// eventName accepts both "run.completed" and "thread.run.completed".
func eventName(t string) string {
	return strings.TrimPrefix(strings.TrimSpace(t), "thread.")
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
