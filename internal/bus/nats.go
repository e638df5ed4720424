package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

func natsSubject(room domain.RoomID) string { return "watchroom.room." + string(room) }

// NATS relays envelopes over core NATS subjects, one per room. Every
// watching node subscribes without a queue group so each gets every
// broadcast of the rooms it serves.
type NATS struct {
	nc *nats.Conn

	mu      sync.Mutex
	fn      func(core.Envelope)
	watched refs
	subs    map[domain.RoomID]*nats.Subscription
}

func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{nc: nc, watched: refs{}, subs: make(map[domain.RoomID]*nats.Subscription)}
}

// DialNATS connects with reconnects enabled.
func DialNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "bus.nats").Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "bus.nats").Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
	)
}

func (b *NATS) Publish(_ context.Context, env core.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return relayErr("encode", err)
	}
	if err := b.nc.Publish(natsSubject(env.Room), raw); err != nil {
		return relayErr("publish", err)
	}
	return nil
}

// Subscribe sets the delivery callback. Rooms are added with Watch; every
// room subscription ends with ctx.
func (b *NATS) Subscribe(ctx context.Context, fn func(core.Envelope)) error {
	b.mu.Lock()
	b.fn = fn
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for room, sub := range b.subs {
			_ = sub.Unsubscribe()
			delete(b.subs, room)
		}
		b.watched = refs{}
	}()
	return nil
}

func (b *NATS) Watch(_ context.Context, room domain.RoomID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fn == nil {
		return relayErr("watch", errors.New("bus not subscribed"))
	}
	if !b.watched.inc(room) {
		return nil
	}
	fn := b.fn
	sub, err := b.nc.Subscribe(natsSubject(room), func(msg *nats.Msg) {
		if env, ok := decode(msg.Data); ok {
			fn(env)
		}
	})
	if err == nil {
		// Round trip so the server has registered the interest.
		if err = b.nc.Flush(); err != nil {
			_ = sub.Unsubscribe()
		}
	}
	if err != nil {
		b.watched.dec(room)
		return relayErr("watch", err)
	}
	b.subs[room] = sub
	return nil
}

func (b *NATS) Unwatch(_ context.Context, room domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.watched.dec(room) {
		return
	}
	if sub, ok := b.subs[room]; ok {
		delete(b.subs, room)
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("module", "bus.nats").Str("room", string(room)).Msg("unsubscribe")
		}
	}
}

func (b *NATS) Close() error {
	return b.nc.Drain()
}
