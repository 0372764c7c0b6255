package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sith-oath/apexd/metrics"
)

var ErrEmptyKey = errors.New("cache key must not be empty")

// Store layers JSON values over a Cache. Entries are replaced whole on Set.
type Store struct {
	cache Cache
}

func NewStore(cache Cache) *Store {
	return &Store{cache: cache}
}

// Get decodes the value under key into dest and reports whether it was found.
// A value that is not valid JSON is handed back as-is when dest is *string or
// *any.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		metrics.RecordCacheError()
		return false, err
	}
	if !ok {
		metrics.RecordCacheMiss()
		return false, nil
	}
	metrics.RecordCacheHit()

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		switch d := dest.(type) {
		case *string:
			*d = raw
			return true, nil
		case *any:
			*d = raw
			return true, nil
		}
		return false, fmt.Errorf("failed to decode cached value %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key. A ttl <= 0 persists the entry indefinitely.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	var raw string
	b, err := json.Marshal(value)
	if err != nil {
		log.Warn("cache value is not serializable, storing raw", "key", key, "err", err)
		raw = fmt.Sprint(value)
	} else {
		raw = string(b)
	}
	return s.cache.Put(ctx, key, raw, ttl)
}
