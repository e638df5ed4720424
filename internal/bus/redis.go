package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

func redisChannel(room domain.RoomID) string { return "watchroom:bus:" + string(room) }

// Redis relays envelopes over Redis pub/sub, one channel per room. One
// connection carries the subscriptions of every watched room.
type Redis struct {
	rdb redis.UniversalClient

	mu      sync.Mutex
	ps      *redis.PubSub
	watched refs
	// pending holds waiters for a channel's subscribe confirmation.
	pending map[string][]chan struct{}
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb, watched: refs{}, pending: make(map[string][]chan struct{})}
}

func (b *Redis) Publish(ctx context.Context, env core.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return relayErr("encode", err)
	}
	if err := b.rdb.Publish(ctx, redisChannel(env.Room), raw).Err(); err != nil {
		return relayErr("publish", err)
	}
	return nil
}

// Subscribe opens the shared pub/sub connection. Rooms are added with Watch.
func (b *Redis) Subscribe(ctx context.Context, fn func(core.Envelope)) error {
	ps := b.rdb.Subscribe(ctx)
	if err := ps.Ping(ctx); err != nil {
		_ = ps.Close()
		return relayErr("subscribe", err)
	}
	b.mu.Lock()
	b.ps = ps
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ps.Close()
	}()
	go b.receive(ctx, ps, fn)
	log.Info().Str("module", "bus.redis").Msg("subscribed")
	return nil
}

func (b *Redis) receive(ctx context.Context, ps *redis.PubSub, fn func(core.Envelope)) {
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			// The client reconnects and resubscribes on the next Receive.
			log.Warn().Err(err).Str("module", "bus.redis").Msg("receive")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}
		case *redis.Message:
			if env, ok := decode([]byte(m.Payload)); ok {
				fn(env)
			}
		}
	}
}

func (b *Redis) confirm(channel string) {
	b.mu.Lock()
	waiters := b.pending[channel]
	delete(b.pending, channel)
	b.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Watch returns once Redis has confirmed the room's subscription.
func (b *Redis) Watch(ctx context.Context, room domain.RoomID) error {
	channel := redisChannel(room)
	b.mu.Lock()
	if b.ps == nil {
		b.mu.Unlock()
		return relayErr("watch", errors.New("bus not subscribed"))
	}
	if !b.watched.inc(room) {
		b.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	b.pending[channel] = append(b.pending[channel], done)
	ps := b.ps
	b.mu.Unlock()

	err := ps.Subscribe(ctx, channel)
	if err == nil {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	b.mu.Lock()
	b.watched.dec(room)
	b.mu.Unlock()
	return relayErr("watch", err)
}

func (b *Redis) Unwatch(ctx context.Context, room domain.RoomID) {
	b.mu.Lock()
	last := b.watched.dec(room)
	ps := b.ps
	b.mu.Unlock()
	if !last || ps == nil {
		return
	}
	if err := ps.Unsubscribe(ctx, redisChannel(room)); err != nil {
		log.Warn().Err(err).Str("module", "bus.redis").Str("room", string(room)).Msg("unsubscribe")
	}
}

// Close is a no-op; the client is owned by the caller.
func (b *Redis) Close() error { return nil }
