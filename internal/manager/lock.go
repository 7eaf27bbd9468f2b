package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"snapdrop/internal/logging"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// ErrBusy is returned by TryLock when the key is already held
var ErrBusy = errors.New("already in progress")

const locksPrefix = "/snapdrop/locks/"

// Locker is a non-blocking single-flight guard
type Locker interface {
	// TryLock takes the key or fails with ErrBusy. unlock releases it and is
	// safe to call more than once.
	TryLock(ctx context.Context, key string) (unlock func(), err error)
	Close() error
}

// LocalLocker guards keys within this process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// TryLock implements Locker
func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, ErrBusy
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Close implements Locker
func (l *LocalLocker) Close() error {
	return nil
}

// EtcdLocker guards keys across every process sharing the etcd cluster. The
// lease keeps a lock alive while this process runs and frees it ttl seconds
// after a crash.
//
// All mutexes share one session, and an etcd mutex is reentrant within its
// session, so keys are also held in a LocalLocker to exclude callers in this
// process.
type EtcdLocker struct {
	session *concurrency.Session
	local   *LocalLocker
}

// NewEtcdLocker opens a leased session on client
func NewEtcdLocker(client *clientv3.Client, ttl int) (*EtcdLocker, error) {
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	return &EtcdLocker{session: session, local: NewLocalLocker()}, nil
}

// TryLock implements Locker
func (l *EtcdLocker) TryLock(ctx context.Context, key string) (func(), error) {
	release, err := l.local.TryLock(ctx, key)
	if err != nil {
		return nil, err
	}

	mutex := concurrency.NewMutex(l.session, locksPrefix+key)
	if err := mutex.TryLock(ctx); err != nil {
		release()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The workflow context may already be cancelled; release on a fresh one.
			if err := mutex.Unlock(context.Background()); err != nil {
				logging.Logger().Warn("Failed to release etcd lock",
					zap.String("key", key),
					zap.Error(err))
			}
			release()
		})
	}, nil
}

// Close revokes the session lease, releasing every lock it holds
func (l *EtcdLocker) Close() error {
	return l.session.Close()
}

// NewLocker creates the appropriate locker based on etcd availability
func NewLocker(client *clientv3.Client, ttl int) Locker {
	if client == nil {
		logging.Logger().Info("No etcd endpoints configured, using in-process lock")
		return NewLocalLocker()
	}

	locker, err := NewEtcdLocker(client, ttl)
	if err != nil {
		logging.Logger().Warn("Failed to create etcd lock, falling back to in-process lock",
			zap.Error(err))
		return NewLocalLocker()
	}
	return locker
}
