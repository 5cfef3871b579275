package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"course-concierge/internal/domain"
)

const (
	cancelTimeout   = 5 * time.Second
	setupSlack      = 10 * time.Second
	deliveryTimeout = 10 * time.Second
)

// GenerationClient is the assistant backend used by the coordinator.
type GenerationClient interface {
	RunFetcher
	CreateContext(ctx context.Context) (string, error)
	ValidateContext(ctx context.Context, contextID string) (bool, error)
	AppendUserTurn(ctx context.Context, contextID, text string) (string, error)
	StartRun(ctx context.Context, contextID string) (string, error)
	SubmitToolResults(ctx context.Context, contextID, runID string, results []domain.ToolResult) error
	FetchLatestAssistantText(ctx context.Context, contextID string) (string, error)
	CancelRun(ctx context.Context, contextID, runID string) error
}

// ToolExecutor runs every invocation of a requires_action snapshot.
type ToolExecutor interface {
	ExecuteBatch(ctx context.Context, calls []domain.ToolInvocation) ([]domain.ToolResult, error)
}

// Deliverer sends the final text to the user.
type Deliverer interface {
	Deliver(ctx context.Context, userKey, text string, meta domain.DeliveryMeta) (string, error)
}

// InboundClaimer marks channel message ids as processed.
type InboundClaimer interface {
	ClaimInbound(ctx context.Context, messageID string) (bool, error)
}

// TurnObserver receives every finished turn.
type TurnObserver func(domain.TurnResult)

// TurnInput is one inbound user turn.
type TurnInput struct {
	UserKey   string
	Text      string
	MessageID string
}

// Coordinator drives a user turn through context resolution, the run, tool
// calls and delivery, falling back to a canned reply whenever the run cannot
// produce text.
type Coordinator struct {
	store     *ContextStore
	gen       GenerationClient
	tools     ToolExecutor
	awaiter   Awaiter
	deliverer Deliverer
	claims    InboundClaimer
	locks     Locker
	budget    time.Duration
	logger    *slog.Logger
	observer  TurnObserver
}

type Option func(*Coordinator)

func WithBudget(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.budget = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithInboundClaimer(claims InboundClaimer) Option {
	return func(c *Coordinator) {
		c.claims = claims
	}
}

// WithLocker replaces the in-process KeyedLocker, e.g. with a LeaseLocker
// when turns for one user can land on different instances.
func WithLocker(l Locker) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.locks = l
		}
	}
}

func WithTurnObserver(o TurnObserver) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

func NewCoordinator(store *ContextStore, gen GenerationClient, tools ToolExecutor, awaiter Awaiter, deliverer Deliverer, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("usecase: context store must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: generation client must not be nil")
	}
	if tools == nil {
		return nil, errors.New("usecase: tool executor must not be nil")
	}
	if awaiter == nil {
		return nil, errors.New("usecase: awaiter must not be nil")
	}
	if deliverer == nil {
		return nil, errors.New("usecase: deliverer must not be nil")
	}
	c := &Coordinator{
		store:     store,
		gen:       gen,
		tools:     tools,
		awaiter:   awaiter,
		deliverer: deliverer,
		locks:     NewKeyedLocker(),
		budget:    DefaultRunBudget,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// outcome is what the generation path produced; an empty reply means fallback.
type outcome struct {
	reply     string
	contextID string
	runID     string
	status    domain.RunStatus
	toolCalls int
}

// Execute handles one turn. Turns for the same user are queued, never run
// concurrently. The returned error is non-nil only when nothing was sent.
//
// The turn is detached from ctx: a caller that stops waiting does not stop
// the run or the reply. Only ctx values are kept.
func (c *Coordinator) Execute(ctx context.Context, in TurnInput) (domain.TurnResult, error) {
	detached := context.WithoutCancel(ctx)
	userKey := strings.TrimSpace(in.UserKey)
	text := strings.TrimSpace(in.Text)
	if userKey == "" {
		return domain.TurnResult{}, newError(ErrorInvalidInput, "empty_user_key", nil)
	}
	if text == "" {
		return domain.TurnResult{}, newError(ErrorInvalidInput, "empty_text", nil)
	}
	log := c.logger.With("user_key", userKey, "message_id", in.MessageID)

	if in.MessageID != "" && c.claims != nil {
		fresh, err := c.claims.ClaimInbound(detached, in.MessageID)
		switch {
		case err != nil:
			log.Warn("inbound claim failed; processing anyway", "err", err)
		case !fresh:
			log.Info("duplicate inbound message ignored")
			return domain.TurnResult{UserKey: userKey, Duplicate: true}, nil
		}
	}

	start := time.Now()
	var out outcome
	lockCtx, cancelLock := context.WithTimeout(detached, c.turnTimeout())
	release, err := c.locks.Lock(lockCtx, userKey)
	cancelLock()
	if err != nil {
		log.Warn("gave up waiting for previous turn", "err", err)
		out.status = domain.RunError
	} else {
		genCtx, cancelGen := context.WithTimeout(detached, c.budget+setupSlack)
		out = c.generate(genCtx, log, userKey, text)
		cancelGen()
		release()
	}

	result := domain.TurnResult{
		Reply:     out.reply,
		Source:    domain.SourceGeneration,
		UserKey:   userKey,
		ContextID: out.contextID,
		RunID:     out.runID,
		Status:    out.status,
		ToolCalls: out.toolCalls,
	}
	if strings.TrimSpace(result.Reply) == "" {
		category, reply := Fallback(text)
		result.Reply = reply
		result.Source = domain.SourceFallback
		result.FallbackCategory = string(category)
		log.Warn("using fallback reply",
			"context_id", out.contextID, "run_id", out.runID, "status", out.status, "category", category)
	}

	deliverCtx, cancelDeliver := context.WithTimeout(detached, deliveryTimeout)
	defer cancelDeliver()
	if result.Source == domain.SourceGeneration && !c.claimReply(deliverCtx, log, result.RunID) {
		log.Info("reply already delivered by lifecycle webhook", "run_id", result.RunID)
		result.Duplicate = true
		result.Elapsed = time.Since(start)
		c.observe(result)
		return result, nil
	}

	deliveryID, err := c.deliverer.Deliver(deliverCtx, userKey, result.Reply, domain.DeliveryMeta{
		Source:           result.Source,
		ContextID:        result.ContextID,
		RunID:            result.RunID,
		Status:           result.Status,
		FallbackCategory: result.FallbackCategory,
		MessageID:        in.MessageID,
		Inbound:          text,
		ToolCalls:        result.ToolCalls,
	})
	result.Elapsed = time.Since(start)
	if err != nil {
		log.Error("reply delivery failed; nothing sent",
			"context_id", result.ContextID, "run_id", result.RunID, "source", result.Source, "err", err)
		c.observe(result)
		return result, newError(ErrorDeliveryFailed, "channel_send_failed", err)
	}
	result.DeliveryID = deliveryID

	log.Info("turn delivered",
		"context_id", result.ContextID,
		"run_id", result.RunID,
		"status", result.Status,
		"source", result.Source,
		"tool_calls", result.ToolCalls,
		"elapsed_ms", result.Elapsed.Milliseconds(),
	)
	c.observe(result)
	return result, nil
}

// turnTimeout bounds a whole turn; a queued turn waits at most this long for
// the one ahead of it.
func (c *Coordinator) turnTimeout() time.Duration {
	return c.budget + setupSlack + deliveryTimeout
}

func (c *Coordinator) observe(r domain.TurnResult) {
	if c.observer != nil {
		c.observer(r)
	}
}

// generate runs steps 1-5. Any panic turns into an empty reply so the
// fallback path still answers.
func (c *Coordinator) generate(ctx context.Context, log *slog.Logger, userKey, text string) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("generation path panicked", "panic", p)
			out.reply = ""
			out.status = domain.RunError
		}
	}()

	contextID, err := c.resolveContext(ctx, log, userKey)
	if err != nil {
		log.Error("context unavailable", "err", err)
		out.status = domain.RunError
		return out
	}
	out.contextID = contextID
	log = log.With("context_id", contextID)

	if _, err := c.gen.AppendUserTurn(ctx, contextID, text); err != nil {
		log.Error("append user turn failed", "err", err)
		out.status = domain.RunError
		return out
	}

	runID, err := c.gen.StartRun(ctx, contextID)
	if err != nil {
		log.Error("start run failed", "err", err)
		out.status = domain.RunError
		return out
	}
	out.runID = runID
	log = log.With("run_id", runID)

	run, toolCalls, err := c.AwaitRun(ctx, contextID, runID)
	out.status = run.Status
	out.toolCalls = toolCalls
	if run.Status != domain.RunCompleted {
		log.Warn("run did not complete", "status", run.Status, "last_error", run.LastError, "err", err)
		return out
	}

	reply, err := c.gen.FetchLatestAssistantText(ctx, contextID)
	if err != nil {
		log.Error("fetch reply failed", "err", err)
		return out
	}
	if strings.TrimSpace(reply) == "" {
		log.Warn("run completed without assistant text")
	}
	out.reply = reply
	return out
}

// resolveContext returns a live context for userKey, minting and binding a
// new one when none is stored or the stored one is gone. Callers hold the
// user's lock, so two turns never both mint.
func (c *Coordinator) resolveContext(ctx context.Context, log *slog.Logger, userKey string) (string, error) {
	if id, ok := c.store.Resolve(ctx, userKey); ok {
		valid, err := c.gen.ValidateContext(ctx, id)
		if err != nil {
			log.Warn("context validation failed; replacing context", "context_id", id, "err", err)
		}
		if valid {
			return id, nil
		}
		log.Info("stored context is gone; replacing", "context_id", id)
	}

	id, err := c.gen.CreateContext(ctx)
	if err != nil {
		return "", fmt.Errorf("usecase: create context: %w", err)
	}
	if !c.store.Bind(ctx, userKey, id) {
		log.Warn("new context not persisted; next turn will start fresh", "context_id", id)
	}
	return id, nil
}

// AwaitRun waits for runID within the run budget, answering every
// requires_action snapshot. It returns the final snapshot and the number of
// tool results submitted. On budget exhaustion the status is RunTimeout.
// A run left non-terminal on any exit is cancelled so it cannot block the
// thread's next turn.
func (c *Coordinator) AwaitRun(ctx context.Context, contextID, runID string) (domain.Run, int, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	submitted := 0
	for {
		run, err := c.awaiter.Next(budgetCtx, contextID, runID)
		if err != nil {
			status := domain.RunError
			if ctx.Err() == nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
				status = domain.RunTimeout
			}
			c.cancelRun(contextID, runID)
			return domain.Run{ID: runID, ContextID: contextID, Status: status}, submitted, err
		}
		if run.ContextID == "" {
			run.ContextID = contextID
		}
		if run.Status != domain.RunRequiresAction {
			return run, submitted, nil
		}

		n, err := c.ResolveToolCalls(budgetCtx, run)
		submitted += n
		if err != nil {
			if c.answeredElsewhere(budgetCtx, contextID, runID) {
				c.logger.Info("tool calls already answered; continuing", "context_id", contextID, "run_id", runID)
				continue
			}
			c.cancelRun(contextID, runID)
			return domain.Run{ID: runID, ContextID: contextID, Status: domain.RunError, LastError: err.Error()}, submitted, err
		}
	}
}

// answeredElsewhere reports whether a failed submission raced with the
// lifecycle webhook, which already moved the run past requires_action.
func (c *Coordinator) answeredElsewhere(ctx context.Context, contextID, runID string) bool {
	run, err := c.gen.FetchRunStatus(ctx, contextID, runID)
	if err != nil {
		return false
	}
	return run.Status == domain.RunInProgress || run.Status == domain.RunQueued || run.Status == domain.RunCompleted
}

// ResolveToolCalls executes every invocation of a requires_action snapshot and
// submits all results in one batch.
func (c *Coordinator) ResolveToolCalls(ctx context.Context, run domain.Run) (int, error) {
	if run.Status != domain.RunRequiresAction {
		return 0, fmt.Errorf("usecase: run %s is %s, not requires_action", run.ID, run.Status)
	}
	if len(run.ToolCalls) == 0 {
		return 0, fmt.Errorf("usecase: run %s requires action without tool calls", run.ID)
	}
	results, err := c.tools.ExecuteBatch(ctx, run.ToolCalls)
	if err != nil {
		return 0, fmt.Errorf("usecase: execute tools: %w", err)
	}
	if len(results) != len(run.ToolCalls) {
		return 0, fmt.Errorf("usecase: %d results for %d tool calls", len(results), len(run.ToolCalls))
	}
	if err := c.gen.SubmitToolResults(ctx, run.ContextID, run.ID, results); err != nil {
		return 0, fmt.Errorf("usecase: submit tool results: %w", err)
	}
	c.logger.Info("tool results submitted", "context_id", run.ContextID, "run_id", run.ID, "count", len(results))
	return len(results), nil
}

// ReplyClaimKey is the claim id guarding the single reply of a run.
func ReplyClaimKey(runID string) string {
	return "reply:" + runID
}

// claimReply returns false only when another entry point already owns the
// reply for runID. Claim errors never block delivery.
func (c *Coordinator) claimReply(ctx context.Context, log *slog.Logger, runID string) bool {
	if c.claims == nil || runID == "" {
		return true
	}
	fresh, err := c.claims.ClaimInbound(ctx, ReplyClaimKey(runID))
	if err != nil {
		log.Warn("reply claim failed; delivering anyway", "run_id", runID, "err", err)
		return true
	}
	return fresh
}

func (c *Coordinator) cancelRun(contextID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := c.gen.CancelRun(ctx, contextID, runID); err != nil {
		c.logger.Warn("cancel abandoned run failed", "context_id", contextID, "run_id", runID, "err", err)
	}
}
