package orch

import (
	"context"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/app"
	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
	"github.com/dkeye/WatchRoom/internal/roles"
)

type joinPayload struct {
	RoomID string `json:"roomId"`
}

func (o *Orchestrator) handleJoin(c *call) error {
	var p joinPayload
	if err := c.decode(&p); err != nil {
		return err
	}
	room, err := domain.ParseRoomID(p.RoomID)
	if err != nil {
		return err
	}
	if c.room != "" {
		if c.room == room {
			return o.rejoinSnapshot(c)
		}
		if err := o.leave(c.ctx, c.snap); err != nil {
			return err
		}
		log.Info().Str("module", "app.orch").Str("sid", string(c.sid)).Str("from_room", string(c.room)).Msg("left previous room")
	}

	if o.Bus != nil {
		if err := o.Bus.Watch(c.ctx, room); err != nil {
			return err
		}
	}
	joined := false
	defer func() {
		if !joined && o.Bus != nil {
			o.Bus.Unwatch(context.WithoutCancel(c.ctx), room)
		}
	}()

	o.reap(c.ctx, room)
	st, err := o.Store.GetRoom(c.ctx, room)
	if err != nil {
		return err
	}
	if st.HostID == "" {
		if st, err = o.Store.Apply(c.ctx, room, roles.ClaimHost(c.user)); err != nil {
			return err
		}
	}

	meta := c.snap.Session.Meta()
	meta.JoinedAtMs = o.now().UnixMilli()
	count, err := o.Store.AddMember(c.ctx, room, *meta)
	if err != nil {
		return err
	}
	o.Registry.SetRoom(c.sid, room)
	c.room = room
	joined = true

	history, err := o.Store.RecentChat(c.ctx, room, o.ChatHistory)
	if err != nil {
		// History is a convenience for late joiners; the join stands.
		log.Warn().Err(err).Str("module", "app.orch").Str("room", string(room)).Msg("load chat history")
	}

	snapshot := o.Playback.Snapshot(st, count)
	o.sendTo(c.snap.Session, room, roomStateFrame{
		Type:    "roomState",
		Ref:     c.ref,
		State:   snapshot,
		You:     &you{Identity: c.user, Role: st.RoleOf(c.user.ID)},
		History: history,
	})
	o.broadcast(c.ctx, room, c.sid, memberFrame{Type: "memberJoined", Identity: c.user.ID, DisplayName: c.user.Name, MemberCount: count})
	o.broadcast(c.ctx, room, c.sid, roomStateFrame{Type: "roomState", State: snapshot})

	log.Info().Str("module", "app.orch").Str("sid", string(c.sid)).Str("room", string(room)).Str("user", string(c.user.ID)).Int("members", count).Msg("joined room")
	return nil
}

// rejoinSnapshot answers a duplicate join with a fresh snapshot only.
func (o *Orchestrator) rejoinSnapshot(c *call) error {
	st, err := o.Store.GetRoom(c.ctx, c.room)
	if err != nil {
		return err
	}
	members, err := o.Store.Members(c.ctx, c.room)
	if err != nil {
		return err
	}
	o.sendTo(c.snap.Session, c.room, roomStateFrame{
		Type:  "roomState",
		Ref:   c.ref,
		State: o.Playback.Snapshot(st, len(members)),
		You:   &you{Identity: c.user, Role: st.RoleOf(c.user.ID)},
	})
	return nil
}

func (o *Orchestrator) handleLeave(c *call) error {
	if err := o.leave(c.ctx, c.snap); err != nil {
		return err
	}
	o.sendTo(c.snap.Session, "", leftFrame{Type: "left", Ref: c.ref, Room: string(c.room)})
	if o.Events != nil {
		o.Events.Record(c.room, "leave", c.user.ID)
	}
	return nil
}

// leave detaches a session from its room. Hand and speaker state is only
// dropped when the identity has no other live session in the room, on any
// node; the check and the cleanup commit together. The host seat stays with
// the identity.
func (o *Orchestrator) leave(ctx context.Context, snap app.Snap) error {
	room, ok := o.Registry.ClearRoom(snap.SID)
	if !ok {
		return nil
	}
	if o.Bus != nil {
		defer o.Bus.Unwatch(context.WithoutCancel(ctx), room)
	}
	d, err := o.Store.Depart(ctx, room, string(snap.SID), roles.Departed)
	if err != nil {
		return err
	}
	o.departed(ctx, room, d)
	o.reap(ctx, room)
	return nil
}

// departed announces one removed presence entry.
func (o *Orchestrator) departed(ctx context.Context, room domain.RoomID, d core.Departure) {
	if !d.Found {
		return
	}
	user := d.Member.User
	o.broadcast(ctx, room, "", memberFrame{Type: "memberLeft", Identity: user.ID, DisplayName: user.Name, MemberCount: d.Members})
	if d.Applied {
		o.announceRoles(ctx, room, d.Prev, d.Next, d.Members)
		log.Info().Str("module", "app.orch").Str("room", string(room)).Str("user", string(user.ID)).Msg("cleared roles of departed identity")
	}
}

// reap removes presence left by server processes that stopped heartbeating,
// so their identities release queue and speaker slots.
func (o *Orchestrator) reap(ctx context.Context, room domain.RoomID) {
	stale, err := o.Store.Stale(ctx, room)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("room", string(room)).Msg("list stale presence")
		return
	}
	for _, m := range stale {
		d, err := o.Store.Depart(ctx, room, m.SessionID, roles.Departed)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("room", string(room)).Str("sid", m.SessionID).Msg("reap stale presence")
			return
		}
		o.departed(ctx, room, d)
	}
	if len(stale) > 0 {
		log.Info().Str("module", "app.orch").Str("room", string(room)).Int("sessions", len(stale)).Msg("reaped presence of dead nodes")
	}
}

// announceRoles broadcasts what a role transition changed.
func (o *Orchestrator) announceRoles(ctx context.Context, room domain.RoomID, prev, next domain.RoomState, memberCount int) {
	if !slices.Equal(prev.HandQueue, next.HandQueue) {
		o.broadcast(ctx, room, "", handQueueFrame{Type: "handQueueUpdated", Queue: next.HandQueue})
	}
	for u, r := range roles.Changed(prev, next) {
		o.broadcast(ctx, room, "", roleFrame{Type: "roleUpdated", Identity: u, NewRole: r})
	}
	if !slices.Equal(prev.Speakers, next.Speakers) {
		o.broadcast(ctx, room, "", roomStateFrame{Type: "roomState", State: o.Playback.Snapshot(next, memberCount)})
	}
}
