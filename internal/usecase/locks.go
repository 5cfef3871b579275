package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLeaseRetry   = 200 * time.Millisecond
	leaseReleaseTimeout = 5 * time.Second
)

// Locker serializes turns per user key.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedLocker serializes work per key. Waiters queue on the key until the
// holder releases it or their context ends.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free. The returned func releases it exactly once.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	kl := l.acquireRef(key)
	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.releaseRef(key, kl)
		})
	}, nil
}

// Held reports how many keys currently have holders or waiters.
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyedLocker) acquireRef(key string) *keyedLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyedLocker) releaseRef(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// LeaseStore persists expiring per-key leases shared by every instance.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// LeaseLocker extends KeyedLocker across processes. Local waiters queue on the
// in-process lock first, so only one per instance polls the lease store. If
// the store fails the local lock alone is kept and the turn proceeds.
type LeaseLocker struct {
	store  LeaseStore
	local  *KeyedLocker
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewLeaseLocker creates a LeaseLocker. ttl must outlive the longest turn;
// an abandoned lease frees itself after ttl.
func NewLeaseLocker(store LeaseStore, ttl time.Duration, logger *slog.Logger) (*LeaseLocker, error) {
	if store == nil {
		return nil, errors.New("usecase: lease store must not be nil")
	}
	if ttl <= 0 {
		return nil, errors.New("usecase: lease ttl must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseLocker{store: store, local: NewKeyedLocker(), ttl: ttl, retry: defaultLeaseRetry, logger: logger}, nil
}

func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	releaseLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	owner := uuid.NewString()
	for {
		ok, err := l.store.AcquireLease(ctx, key, owner, l.ttl)
		if err != nil {
			if ctx.Err() != nil {
				releaseLocal()
				return nil, ctx.Err()
			}
			l.logger.Warn("lease store unavailable; holding local lock only", "key", key, "err", err)
			return releaseLocal, nil
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			releaseLocal()
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
			defer cancel()
			if err := l.store.ReleaseLease(rctx, key, owner); err != nil {
				l.logger.Warn("lease release failed; it will expire", "key", key, "err", err)
			}
			releaseLocal()
		})
	}, nil
}
