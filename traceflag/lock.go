package traceflag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRunInProgress = errors.New("a test run is already in progress for this user")
	ErrLockLost      = errors.New("run lock expired before it could be extended")
)

const DefaultLockExpiry = time.Minute

// Lease is a held owner lock.
type Lease interface {
	// Extend pushes the expiry forward; holders call it periodically.
	Extend(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Locker hands out one Lease per owner at a time. Lock fails with
// ErrRunInProgress while another lease is held.
type Locker interface {
	Lock(ctx context.Context, ownerID string) (Lease, error)
}

type MemoryLocker struct {
	mtx  sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (m *MemoryLocker) Lock(ctx context.Context, ownerID string) (Lease, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.held[ownerID]; ok {
		return nil, ErrRunInProgress
	}
	m.held[ownerID] = struct{}{}
	return &memoryLease{locker: m, ownerID: ownerID}, nil
}

type memoryLease struct {
	locker  *MemoryLocker
	ownerID string
	once    sync.Once
}

func (l *memoryLease) Extend(ctx context.Context) error {
	return nil
}

func (l *memoryLease) Unlock(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mtx.Lock()
		delete(l.locker.held, l.ownerID)
		l.locker.mtx.Unlock()
	})
	return nil
}

// RedsyncLocker shares owner locks across instances through Redis.
type RedsyncLocker struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
}

func NewRedsyncLocker(client redis.UniversalClient, prefix string, expiry time.Duration) *RedsyncLocker {
	if expiry <= 0 {
		expiry = DefaultLockExpiry
	}
	return &RedsyncLocker{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		expiry: expiry,
	}
}

func (r *RedsyncLocker) key(ownerID string) string {
	return fmt.Sprintf("%s:run_lock:%s", r.prefix, ownerID)
}

func (r *RedsyncLocker) Lock(ctx context.Context, ownerID string) (Lease, error) {
	key := r.key(ownerID)
	m := r.rs.NewMutex(key, redsync.WithExpiry(r.expiry), redsync.WithTries(1))
	if err := m.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, ErrRunInProgress
		}
		if n, existsErr := r.client.Exists(ctx, key).Result(); existsErr == nil && n > 0 {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return &redsyncLease{mutex: m}, nil
}

type redsyncLease struct {
	mutex *redsync.Mutex
}

func (l *redsyncLease) Extend(ctx context.Context) error {
	ok, err := l.mutex.ExtendContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to extend run lock: %w", err)
	}
	if !ok {
		return ErrLockLost
	}
	return nil
}

func (l *redsyncLease) Unlock(ctx context.Context) error {
	if _, err := l.mutex.UnlockContext(ctx); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
