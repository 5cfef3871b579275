package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"course-concierge/internal/domain"
)

const defaultBackupTimeout = 5 * time.Second

// Sender transmits text over the messaging channel.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// partialDelivery is implemented by send errors raised after part of the
// text already reached the user.
type partialDelivery interface {
	DeliveredID() string
}

// BackupWriter stores a copy of each delivered turn.
type BackupWriter interface {
	SaveInteraction(ctx context.Context, rec domain.InteractionRecord) error
}

// Gateway sends replies and records best-effort backups of them.
type Gateway struct {
	sender        Sender
	backups       BackupWriter
	logger        *slog.Logger
	now           func() time.Time
	backupTimeout time.Duration
	onBackup      func(error)

	wg sync.WaitGroup
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithBackupObserver is called with the outcome of every backup write.
func WithBackupObserver(fn func(error)) Option {
	return func(g *Gateway) {
		g.onBackup = fn
	}
}

func WithBackupTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.backupTimeout = d
		}
	}
}

// NewGateway builds a Gateway. backups may be nil, which disables backups.
func NewGateway(sender Sender, backups BackupWriter, opts ...Option) (*Gateway, error) {
	if sender == nil {
		return nil, errors.New("delivery: sender must not be nil")
	}
	g := &Gateway{
		sender:        sender,
		backups:       backups,
		logger:        slog.Default(),
		now:           time.Now,
		backupTimeout: defaultBackupTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Deliver sends text to userKey. A send failure is returned; the backup runs
// in the background afterwards and never affects the result.
func (g *Gateway) Deliver(ctx context.Context, userKey, text string, meta domain.DeliveryMeta) (string, error) {
	if strings.TrimSpace(userKey) == "" {
		return "", errors.New("delivery: user key is required")
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("delivery: text is required")
	}

	id, err := g.sender.SendMessage(ctx, userKey, text)
	if err != nil {
		var partial partialDelivery
		if !errors.As(err, &partial) {
			return "", fmt.Errorf("delivery: send: %w", err)
		}
		id = partial.DeliveredID()
		g.logger.Warn("reply only partially delivered", "user_key", userKey, "run_id", meta.RunID, "delivery_id", id, "err", err)
	}

	if g.backups != nil {
		rec := domain.InteractionRecord{
			UserKey:    userKey,
			ContextID:  meta.ContextID,
			RunID:      meta.RunID,
			MessageID:  meta.MessageID,
			Inbound:    meta.Inbound,
			Reply:      text,
			Source:     meta.Source,
			Status:     meta.Status,
			ToolCalls:  meta.ToolCalls,
			DeliveryID: id,
			CreatedAt:  g.now().UTC(),
		}
		g.wg.Add(1)
		go g.backup(context.WithoutCancel(ctx), rec)
	}
	return id, nil
}

func (g *Gateway) backup(ctx context.Context, rec domain.InteractionRecord) {
	defer g.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("interaction backup panicked", "user_key", rec.UserKey, "panic", p)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, g.backupTimeout)
	defer cancel()
	err := g.backups.SaveInteraction(ctx, rec)
	if err != nil {
		g.logger.Warn("interaction backup failed",
			"user_key", rec.UserKey, "context_id", rec.ContextID, "run_id", rec.RunID, "err", err)
	}
	if g.onBackup != nil {
		g.onBackup(err)
	}
}

// Wait blocks until all in-flight backups have finished.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
