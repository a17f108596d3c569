// README: Redis Pub/Sub relay so subscribers on every instance see every committed event.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"emsdispatch/internal/modules/request"
)

type envelope struct {
	Origin string        `json:"origin"`
	Event  request.Event `json:"event"`
}

// Relay is a request.Publisher that fans out locally and broadcasts to peer instances.
type Relay struct {
	bus      *Bus
	redis    *redis.Client
	channel  string
	instance string
	logger   *zap.Logger
}

func NewRelay(bus *Bus, rdb *redis.Client, channel string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{bus: bus, redis: rdb, channel: channel, instance: uuid.NewString(), logger: logger}
}

func (r *Relay) Publish(ctx context.Context, e request.Event) error {
	if err := r.bus.Publish(ctx, e); err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Origin: r.instance, Event: e})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	// One channel per request keeps a request's events on a single ordered stream.
	if err := r.redis.Publish(ctx, r.channel+":"+string(e.RequestID), data).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run forwards events published by other instances to the local bus until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.redis.PSubscribe(ctx, r.channel+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.logger.Info("event relay subscribed", zap.String("pattern", r.channel+":*"), zap.String("instance", r.instance))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("drop undecodable relay message", zap.Error(err))
		return
	}
	if env.Origin == r.instance {
		return
	}
	if err := r.bus.Publish(ctx, env.Event); err != nil {
		r.logger.Debug("relay fan-out", zap.Error(err))
	}
}
