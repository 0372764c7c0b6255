package traceflag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sith-oath/apexd/salesforce"
)

// State is what Begin saved for an owner so End can restore it.
type State struct {
	OwnerID  string              `json:"ownerId"`
	Baseline []salesforce.Record `json:"baseline"`
	// FieldNames is the TraceFlag field set the baseline was read with,
	// without the debug level developer name.
	FieldNames  []string  `json:"fieldNames"`
	TemporaryID string    `json:"temporaryId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StateStore persists lifecycle state per owner. Get returns nil, nil when
// nothing is stored.
type StateStore interface {
	Get(ctx context.Context, ownerID string) (*State, error)
	Put(ctx context.Context, state *State) error
	Delete(ctx context.Context, ownerID string) error
}

type MemoryStateStore struct {
	mtx    sync.Mutex
	states map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

func (m *MemoryStateStore) Get(ctx context.Context, ownerID string) (*State, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	s, ok := m.states[ownerID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStateStore) Put(ctx context.Context, state *State) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.states[state.OwnerID] = *state
	return nil
}

func (m *MemoryStateStore) Delete(ctx context.Context, ownerID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.states, ownerID)
	return nil
}

// RedisStateStore keeps state in Redis without expiry so an unrestored
// baseline survives restarts.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix}
}

func (r *RedisStateStore) key(ownerID string) string {
	return fmt.Sprintf("%s:trace_state:%s", r.prefix, ownerID)
}

func (r *RedisStateStore) Get(ctx context.Context, ownerID string) (*State, error) {
	raw, err := r.client.Get(ctx, r.key(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trace state: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode trace state: %w", err)
	}
	return &s, nil
}

func (r *RedisStateStore) Put(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(state.OwnerID), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to write trace state: %w", err)
	}
	return nil
}

func (r *RedisStateStore) Delete(ctx context.Context, ownerID string) error {
	return r.client.Del(ctx, r.key(ownerID)).Err()
}
