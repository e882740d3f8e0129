package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"placechat-backend/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	envelopeEvent = "event"
	envelopeRoles = "roles"
)

type envelope struct {
	Kind    string       `json:"kind"`
	Event   *model.Event `json:"event,omitempty"`
	PlaceID string       `json:"place_id,omitempty"`
}

// RedisBridge spreads events and role changes across instances. The outbox
// relay publishes through it; every instance (this one included) receives
// the message on its subscription and delivers to its local Broker.
type RedisBridge struct {
	client  *redis.Client
	channel string
	broker  *Broker
}

func NewRedisBridge(client *redis.Client, channel string, broker *Broker) *RedisBridge {
	return &RedisBridge{client: client, channel: channel, broker: broker}
}

func (b *RedisBridge) PublishBatch(ctx context.Context, events []model.Event) error {
	for i := range events {
		data, err := json.Marshal(envelope{Kind: envelopeEvent, Event: &events[i]})
		if err != nil {
			return err
		}
		if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
			return err
		}
	}
	return nil
}

// AnnounceRoles tells every instance to refresh session filters for placeID.
func (b *RedisBridge) AnnounceRoles(ctx context.Context, placeID string) error {
	data, err := json.Marshal(envelope{Kind: envelopeRoles, PlaceID: placeID})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Run consumes the channel until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	slog.Info("redis: bridge subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (b *RedisBridge) handle(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("redis: bad envelope", "error", err)
		return
	}
	switch env.Kind {
	case envelopeEvent:
		if env.Event == nil {
			return
		}
		if err := b.broker.Publish(ctx, *env.Event); err != nil {
			slog.Error("redis: local delivery failed", "message", env.Event.Message.ID, "error", err)
		}
	case envelopeRoles:
		b.broker.RefreshPlace(ctx, env.PlaceID)
	default:
		slog.Warn("redis: unknown envelope kind", "kind", env.Kind)
	}
}
