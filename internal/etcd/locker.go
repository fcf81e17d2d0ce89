package etcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/munistream/puente/internal/lock"
)

// DefaultSessionTTL is the lease TTL in seconds backing held locks. A crashed
// instance releases its locks once the lease expires.
const DefaultSessionTTL = 30

// Locker is a lock.Locker backed by etcd mutexes, so every puente instance
// sharing the cluster serializes work on the same linkage. All locks of one
// Locker share a session, and an etcd mutex treats holders on the same lease
// as the owner, so goroutines of this instance first queue on a local mutex.
type Locker struct {
	client *EtcdClient
	ttl    int
	local  *lock.KeyedMutex

	mu      sync.Mutex
	session *concurrency.Session
}

var _ lock.Locker = (*Locker)(nil)

// NewLocker returns a locker using client. ttl is the lease TTL in seconds.
func NewLocker(client *EtcdClient, ttl int) *Locker {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Locker{client: client, ttl: ttl, local: lock.NewKeyedMutex()}
}

// currentSession returns a live session, replacing one whose lease expired.
func (l *Locker) currentSession(ctx context.Context) (*concurrency.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		select {
		case <-l.session.Done():
			logrus.Warn("etcd lock session expired, opening a new one")
			l.session = nil
		default:
			return l.session, nil
		}
	}
	err := RetryEtcdOperation(ctx, func() error {
		s, err := concurrency.NewSession(l.client.Client(), concurrency.WithTTL(l.ttl), concurrency.WithContext(context.Background()))
		if err != nil {
			return err
		}
		l.session = s
		return nil
	}, "etcd lock session")
	if err != nil {
		return nil, fmt.Errorf("failed to open etcd lock session: %w", err)
	}
	return l.session, nil
}

func (l *Locker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	session, err := l.currentSession(ctx)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	m := concurrency.NewMutex(session, l.client.Prefix()+"locks/"+key)
	if err := m.Lock(ctx); err != nil {
		unlockLocal()
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			defer unlockLocal()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Unlock(ctx); err != nil {
				logrus.WithError(err).WithField("key", key).Warn("Failed to release etcd lock, lease expiry will release it")
			}
		})
	}, nil
}

// Close revokes the session lease, releasing any lock still held.
func (l *Locker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	err := l.session.Close()
	l.session = nil
	return err
}
