package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"course-concierge/internal/domain"
)

// BindingStore is the durable user to context mapping.
type BindingStore interface {
	GetBinding(ctx context.Context, userKey string) (domain.ContextBinding, bool, error)
	PutBinding(ctx context.Context, userKey, contextID string) error
	FindUserByContext(ctx context.Context, contextID string) (string, bool, error)
}

// ContextStore exposes a BindingStore with fail-soft semantics: errors are
// logged and reported as "absent" or false, never returned.
type ContextStore struct {
	store  BindingStore
	logger *slog.Logger
}

func NewContextStore(store BindingStore, logger *slog.Logger) (*ContextStore, error) {
	if store == nil {
		return nil, errors.New("usecase: binding store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextStore{store: store, logger: logger}, nil
}

// Resolve returns the context bound to userKey.
func (s *ContextStore) Resolve(ctx context.Context, userKey string) (string, bool) {
	b, ok, err := s.store.GetBinding(ctx, userKey)
	if err != nil {
		s.logger.Warn("context lookup failed", "user_key", userKey, "err", err)
		return "", false
	}
	if !ok || strings.TrimSpace(b.ContextID) == "" {
		return "", false
	}
	return b.ContextID, true
}

// Bind upserts userKey -> contextID.
func (s *ContextStore) Bind(ctx context.Context, userKey, contextID string) bool {
	if err := s.store.PutBinding(ctx, userKey, contextID); err != nil {
		s.logger.Warn("context bind failed", "user_key", userKey, "context_id", contextID, "err", err)
		return false
	}
	return true
}

// ReverseResolve finds the user owning contextID.
func (s *ContextStore) ReverseResolve(ctx context.Context, contextID string) (string, bool) {
	userKey, ok, err := s.store.FindUserByContext(ctx, contextID)
	if err != nil {
		s.logger.Warn("reverse context lookup failed", "context_id", contextID, "err", err)
		return "", false
	}
	if !ok || userKey == "" {
		return "", false
	}
	return userKey, true
}
