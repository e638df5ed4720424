package orch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/dkeye/WatchRoom/internal/domain"
	"github.com/dkeye/WatchRoom/internal/playback"
	"github.com/dkeye/WatchRoom/internal/roles"
)

type positionPayload struct {
	PositionSec *float64 `json:"positionSec"`
}

func (p positionPayload) value() (float64, error) {
	if p.PositionSec == nil {
		return 0, fmt.Errorf("%w: positionSec required", domain.ErrBadPayload)
	}
	return *p.PositionSec, nil
}

// commitPlayback applies a host command and broadcasts the resulting event
// to the whole room, the host included.
func (o *Orchestrator) commitPlayback(c *call, cmd playback.Command, m domain.Mutation, err error) error {
	if err != nil {
		return err
	}
	st, err := o.Store.Apply(c.ctx, c.room, m)
	if err != nil {
		return err
	}
	o.broadcast(c.ctx, c.room, "", o.Playback.Event(cmd, c.user.ID, st))
	return nil
}

func (o *Orchestrator) handleLoad(c *call) error {
	var p struct {
		VideoID string `json:"videoId"`
	}
	if err := c.decode(&p); err != nil {
		return err
	}
	m, err := o.Playback.Load(c.user.ID, p.VideoID)
	return o.commitPlayback(c, playback.CmdLoad, m, err)
}

func (o *Orchestrator) handlePlay(c *call) error {
	var p positionPayload
	if err := c.decode(&p); err != nil {
		return err
	}
	pos, err := p.value()
	if err != nil {
		return err
	}
	m, err := o.Playback.Play(c.user.ID, pos)
	return o.commitPlayback(c, playback.CmdPlay, m, err)
}

func (o *Orchestrator) handlePause(c *call) error {
	var p positionPayload
	if err := c.decode(&p); err != nil {
		return err
	}
	pos, err := p.value()
	if err != nil {
		return err
	}
	m, err := o.Playback.Pause(c.user.ID, pos)
	return o.commitPlayback(c, playback.CmdPause, m, err)
}

func (o *Orchestrator) handleSeek(c *call) error {
	var p positionPayload
	if err := c.decode(&p); err != nil {
		return err
	}
	pos, err := p.value()
	if err != nil {
		return err
	}
	m, err := o.Playback.Seek(c.user.ID, pos)
	return o.commitPlayback(c, playback.CmdSeek, m, err)
}

func (o *Orchestrator) handleSetRate(c *call) error {
	var p struct {
		Rate *float64 `json:"rate"`
	}
	if err := c.decode(&p); err != nil {
		return err
	}
	if p.Rate == nil {
		return fmt.Errorf("%w: rate required", domain.ErrBadPayload)
	}
	m, err := o.Playback.SetRate(c.user.ID, *p.Rate)
	return o.commitPlayback(c, playback.CmdSetRate, m, err)
}

func (o *Orchestrator) handleSyncCheck(c *call) error {
	st, err := o.Store.GetRoom(c.ctx, c.room)
	if err != nil {
		return err
	}
	o.sendTo(c.snap.Session, c.room, o.Playback.Sync(st))
	return nil
}

// commitRoles applies a role transition and announces exactly what it
// changed; prev is read in the same atomic section as the write.
func (o *Orchestrator) commitRoles(c *call, m domain.Mutation) error {
	prev, next, err := o.Store.Transition(c.ctx, c.room, m)
	if err != nil {
		return err
	}
	members, err := o.Store.Members(c.ctx, c.room)
	if err != nil {
		return err
	}
	o.announceRoles(c.ctx, c.room, prev, next, len(members))
	return nil
}

type targetPayload struct {
	Target domain.UserID `json:"targetIdentity"`
}

func (o *Orchestrator) target(c *call) (domain.UserID, error) {
	var p targetPayload
	if err := c.decode(&p); err != nil {
		return "", err
	}
	if p.Target == "" {
		return "", domain.ErrInvalidTarget
	}
	return p.Target, nil
}

func (o *Orchestrator) handleRaiseHand(c *call) error {
	return o.commitRoles(c, roles.RaiseHand(c.user.ID))
}

func (o *Orchestrator) handleLowerHand(c *call) error {
	return o.commitRoles(c, roles.LowerHand(c.user.ID))
}

func (o *Orchestrator) handlePromote(c *call) error {
	t, err := o.target(c)
	if err != nil {
		return err
	}
	return o.commitRoles(c, roles.Promote(c.user.ID, t))
}

func (o *Orchestrator) handleDemote(c *call) error {
	t, err := o.target(c)
	if err != nil {
		return err
	}
	return o.commitRoles(c, roles.Demote(c.user.ID, t))
}

func (o *Orchestrator) handleChat(c *call) error {
	var p struct {
		Text string `json:"text"`
	}
	if err := c.decode(&p); err != nil {
		return err
	}
	text, err := domain.NormalizeChat(p.Text)
	if err != nil {
		return err
	}
	now := o.now()
	msg := domain.ChatMessage{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		RoomID:      c.room,
		UserID:      c.user.ID,
		DisplayName: c.user.Name,
		Text:        text,
		AtMs:        now.UnixMilli(),
	}
	if err := o.Store.AppendChat(c.ctx, msg); err != nil {
		return err
	}
	o.broadcast(c.ctx, c.room, "", chatFrame{Type: "chatMessage", Message: msg})
	return nil
}

// handleSignal relays an opaque negotiation payload to one peer of the same
// room. Absent peers drop the message silently.
func (o *Orchestrator) handleSignal(c *call) error {
	var p struct {
		To      domain.UserID   `json:"toIdentity"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.decode(&p); err != nil {
		return err
	}
	if p.To == "" || p.To == c.user.ID {
		return domain.ErrInvalidTarget
	}
	if len(bytes.TrimSpace(p.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(p.Payload), []byte("null")) {
		return fmt.Errorf("%w: payload required", domain.ErrBadPayload)
	}

	members, err := o.Store.Members(c.ctx, c.room)
	if err != nil {
		return err
	}
	present := false
	for _, m := range members {
		if m.User.ID == p.To {
			present = true
			break
		}
	}
	if !present {
		return nil
	}
	err = o.direct(c.ctx, c.room, p.To, signalFrame{Type: "signal", FromIdentity: c.user.ID, Payload: p.Payload})
	if err != nil && !errors.Is(err, domain.ErrRelayUnavailable) {
		err = errors.Join(domain.ErrRelayUnavailable, err)
	}
	return err
}

var publishKinds = map[string]bool{"audio": true, "video": true, "screen": true}

// handlePublish announces that a speaker or the host started publishing.
func (o *Orchestrator) handlePublish(c *call) error {
	var p struct {
		Kind string `json:"kind"`
	}
	if err := c.decode(&p); err != nil {
		return err
	}
	if p.Kind == "" {
		p.Kind = "audio"
	}
	if !publishKinds[p.Kind] {
		return fmt.Errorf("%w: kind %q", domain.ErrBadPayload, p.Kind)
	}
	st, err := o.Store.GetRoom(c.ctx, c.room)
	if err != nil {
		return err
	}
	if !roles.CanPublish(st.RoleOf(c.user.ID)) {
		return domain.ErrForbidden
	}
	o.broadcast(c.ctx, c.room, c.sid, peerFrame{Type: "peerAvailable", Identity: c.user.ID, Kind: p.Kind})
	return nil
}
