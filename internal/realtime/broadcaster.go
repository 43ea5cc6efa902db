package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Broadcaster publishes deliveries to every instance that may hold a
// recipient. Handlers only talk to this interface.
type Broadcaster interface {
	Broadcast(ctx context.Context, d Delivery) error
}

// LocalBroadcaster serves a single instance.
type LocalBroadcaster struct {
	hub *Hub
}

func NewLocalBroadcaster(hub *Hub) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub}
}

func (b *LocalBroadcaster) Broadcast(_ context.Context, d Delivery) error {
	b.hub.Deliver(d)
	return nil
}

// PubSub is a shared channel between instances, e.g. Redis Pub/Sub.
type PubSub interface {
	Publish(ctx context.Context, frame []byte) error
	Subscribe(ctx context.Context, fn func([]byte)) error
}

// PubSubBroadcaster routes every delivery through the shared channel,
// including local ones, so all instances see the same order.
type PubSubBroadcaster struct {
	ps  PubSub
	hub *Hub
	log zerolog.Logger
}

func NewPubSubBroadcaster(ps PubSub, hub *Hub, log zerolog.Logger) *PubSubBroadcaster {
	return &PubSubBroadcaster{ps: ps, hub: hub, log: log.With().Str("component", "broadcaster").Logger()}
}

func (b *PubSubBroadcaster) Broadcast(ctx context.Context, d Delivery) error {
	frame, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if err := b.ps.Publish(ctx, frame); err != nil {
		return fmt.Errorf("broadcast %s: %w", d.Event.Type, err)
	}
	return nil
}

// Run re-fans deliveries from the shared channel to local rooms until ctx
// is done.
func (b *PubSubBroadcaster) Run(ctx context.Context) error {
	return b.ps.Subscribe(ctx, func(frame []byte) {
		var d Delivery
		if err := json.Unmarshal(frame, &d); err != nil {
			b.log.Warn().Err(err).Msg("dropping malformed delivery")
			return
		}
		b.hub.Deliver(d)
	})
}
