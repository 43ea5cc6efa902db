package redisclient

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultRealtimeChannel = "telecare:realtime"

// Backplane carries opaque realtime frames between server instances over
// a single Redis Pub/Sub channel. Every instance, the publisher included,
// receives each frame once through Subscribe.
type Backplane struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewBackplane(client *redis.Client, channel string, log zerolog.Logger) *Backplane {
	if channel == "" {
		channel = DefaultRealtimeChannel
	}
	return &Backplane{client: client, channel: channel, log: log.With().Str("component", "backplane").Logger()}
}

func (b *Backplane) Publish(ctx context.Context, frame []byte) error {
	if err := b.client.Publish(ctx, b.channel, frame).Err(); err != nil {
		return fmt.Errorf("publish realtime frame: %w", err)
	}
	return nil
}

// Subscribe blocks until ctx is done, handing every frame to fn.
func (b *Backplane) Subscribe(ctx context.Context, fn func([]byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// wait for the subscription confirmation so early publishes are not lost
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Msg("listening")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn([]byte(msg.Payload))
		}
	}
}
