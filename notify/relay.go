package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultRelayChannel = "apexd:notifications"

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay publishes events to the local hub and to a Redis channel, and
// feeds events other instances publish into the local hub.
type RedisRelay struct {
	hub      *Hub
	client   redis.UniversalClient
	channel  string
	instance string
}

func NewRedisRelay(hub *Hub, client redis.UniversalClient, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		hub:      hub,
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, event Event) {
	r.hub.Publish(ctx, event)
	msg, err := json.Marshal(envelope{Origin: r.instance, Event: event})
	if err != nil {
		log.Error("error encoding relayed notification", "event", event.Name, "err", err)
		return
	}
	if err := r.client.Publish(ctx, r.channel, msg).Err(); err != nil {
		log.Warn("error relaying notification", "event", event.Name, "job_id", event.JobID, "err", err)
	}
}

// Run delivers remote events until ctx is done. ready, if non-nil, is closed
// once the subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return wrapErr(err, "failed to subscribe to notification channel")
	}
	if ready != nil {
		close(ready)
	}
	log.Info("relaying notifications", "channel", r.channel, "instance", r.instance)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn("dropping malformed relayed notification", "err", err)
				continue
			}
			if env.Origin == r.instance {
				continue
			}
			r.hub.Publish(ctx, env.Event)
		}
	}
}

func wrapErr(err error, msg string) error {
	return fmt.Errorf("%s\n%w", msg, err)
}
