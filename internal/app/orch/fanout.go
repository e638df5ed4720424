package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/app"
	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

func encode(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Msg("encode frame")
		return nil
	}
	return b
}

// sendTo writes one frame to a single session.
func (o *Orchestrator) sendTo(sess core.MemberSession, room domain.RoomID, v any) {
	f := encode(v)
	if f == nil {
		return
	}
	if err := sess.Signal().TrySend(f); err != nil {
		o.onSlow(room, sess)
	}
}

func (o *Orchestrator) onSlow(room domain.RoomID, slow core.MemberSession) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, slow) {
	case app.KickMember:
		log.Warn().Str("module", "app.fanout").Str("sid", string(slow.SID())).Str("room", string(room)).Msg("outbound buffer full, kicking")
		o.KickBySID(slow.SID())
	case app.DropFrame:
		log.Debug().Str("module", "app.fanout").Str("sid", string(slow.SID())).Str("room", string(room)).Msg("outbound buffer full, frame dropped")
	case app.NoAction:
	}
}

// broadcast delivers to local sessions of the room, then to other nodes.
// A bus failure is logged: the state behind the frame is already committed
// and remote clients recover through syncCheck or rejoin.
func (o *Orchestrator) broadcast(ctx context.Context, room domain.RoomID, exclude core.SessionID, v any) {
	env := core.Envelope{Room: room, Origin: o.NodeID, Exclude: exclude, Payload: json.RawMessage(encode(v))}
	if env.Payload == nil {
		return
	}
	o.deliver(env)
	if err := o.publish(ctx, env); err != nil {
		log.Error().Err(err).Str("module", "app.fanout").Str("room", string(room)).Msg("cross-node broadcast")
	}
}

// direct delivers to every session of one identity in the room.
func (o *Orchestrator) direct(ctx context.Context, room domain.RoomID, to domain.UserID, v any) error {
	env := core.Envelope{Room: room, Origin: o.NodeID, To: to, Payload: json.RawMessage(encode(v))}
	if env.Payload == nil {
		return nil
	}
	o.deliver(env)
	return o.publish(ctx, env)
}

func (o *Orchestrator) publish(ctx context.Context, env core.Envelope) error {
	if o.Bus == nil {
		return nil
	}
	if err := o.Bus.Publish(ctx, env); err != nil {
		return err
	}
	if o.Metrics != nil {
		o.Metrics.BusMessages.WithLabelValues("out").Inc()
	}
	return nil
}

// OnEnvelope delivers an envelope published by another node.
func (o *Orchestrator) OnEnvelope(env core.Envelope) {
	if env.Origin == o.NodeID {
		return
	}
	if o.Metrics != nil {
		o.Metrics.BusMessages.WithLabelValues("in").Inc()
	}
	o.deliver(env)
}

func (o *Orchestrator) deliver(env core.Envelope) {
	for _, s := range o.Registry.MembersOfRoom(env.Room) {
		if env.Exclude != "" && s.SID == env.Exclude {
			continue
		}
		if env.To != "" && s.Session.Meta().User.ID != env.To {
			continue
		}
		if err := s.Session.Signal().TrySend(core.Frame(env.Payload)); err != nil {
			o.onSlow(env.Room, s.Session)
		}
	}
}
