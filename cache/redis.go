package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
)

func NewRedisClient(url string, cluster bool) (redis.UniversalClient, error) {
	if cluster {
		log.Info("Using cluster redis client.")
		opts, err := redis.ParseClusterURL(url)
		if err != nil {
			return nil, err
		}
		return redis.NewClusterClient(opts), nil
	}

	log.Info("Using default redis client.")
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func CheckRedisConnection(client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return wrapErr(err, "error connecting to redis")
	}

	return nil
}

type redisCache struct {
	client     redis.UniversalClient
	readClient redis.UniversalClient
	prefix     string
}

// NewRedisCache returns a Cache backed by Redis. Reads go to readClient so a
// replica can serve them; pass the primary client twice when there is none.
func NewRedisCache(client redis.UniversalClient, readClient redis.UniversalClient, prefix string) Cache {
	if readClient == nil {
		readClient = client
	}
	return &redisCache{
		client:     client,
		readClient: readClient,
		prefix:     prefix,
	}
}

func (c *redisCache) namespaced(key string) string {
	if c.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", c.prefix, key)
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.readClient.Get(ctx, c.namespaced(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err, "error reading from redis cache")
	}
	return val, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.namespaced(key), value, ttl).Err(); err != nil {
		return wrapErr(err, "error writing to redis cache")
	}
	return nil
}

func wrapErr(err error, msg string) error {
	return fmt.Errorf("%s\n%w", msg, err)
}
