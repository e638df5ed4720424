// Package orch wires sessions, the room store and the bus into the command
// flow of a room: verify, rate-limit, authorize inside the store, commit,
// fan out.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/app"
	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
	"github.com/dkeye/WatchRoom/internal/metrics"
	"github.com/dkeye/WatchRoom/internal/playback"
	"github.com/dkeye/WatchRoom/internal/ratelimit"
)

const defaultTimeout = 2 * time.Second

// EventSink receives one record per committed room command.
type EventSink interface {
	Record(room domain.RoomID, kind string, actor domain.UserID)
}

type Orchestrator struct {
	NodeID   string
	Registry *app.Registry
	Store    core.RoomStore
	Limiter  core.Limiter
	Rules    ratelimit.Rules
	Bus      core.Bus
	Playback *playback.Engine
	Verifier core.Verifier
	Policy   app.Policy
	Metrics  *metrics.Metrics
	Events   EventSink
	// Timeout bounds every store and relay call of one command.
	Timeout     time.Duration
	ChatHistory int
}

func (o *Orchestrator) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return o.Timeout
}

func (o *Orchestrator) now() time.Time { return o.Playback.Now() }

// Start subscribes to the bus. It returns once envelopes from other nodes
// are being delivered.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.Bus == nil {
		return nil
	}
	return o.Bus.Subscribe(ctx, o.OnEnvelope)
}

// Connect registers a verified session. cancel must tear down the transport.
func (o *Orchestrator) Connect(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc, token string) {
	o.Registry.Bind(sid, sess, cancel, token)
	if o.Metrics != nil {
		o.Metrics.Connections.WithLabelValues("accepted").Inc()
		o.Metrics.SessionsActive.Inc()
	}
}

// RejectConnection counts a connection attempt refused before binding.
func (o *Orchestrator) RejectConnection(outcome string) {
	if o.Metrics != nil {
		o.Metrics.Connections.WithLabelValues(outcome).Inc()
	}
}

// OnDisconnect runs when the transport is gone. Committed mutations stay;
// only presence and transient roles of this identity are cleaned up.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	snap, ok := o.Registry.Get(sid)
	if !ok {
		return
	}
	if snap.Room != "" {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout())
		if err := o.leave(ctx, snap); err != nil {
			log.Error().Err(err).Str("module", "app.orch").Str("sid", string(sid)).Str("room", string(snap.Room)).Msg("disconnect cleanup")
		}
		cancel()
	}
	o.Registry.Unbind(sid)
	if o.Metrics != nil {
		o.Metrics.SessionsActive.Dec()
	}
}

func (o *Orchestrator) KickBySID(sid core.SessionID) {
	if o.Registry.Cancel(sid) {
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Msg("kicked session")
	}
}

// Shutdown closes every local session.
func (o *Orchestrator) Shutdown() {
	for _, s := range o.Registry.All() {
		o.KickBySID(s.SID)
	}
}

type head struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Token string `json:"token,omitempty"`
}

// call is one inbound command being processed.
type call struct {
	ctx  context.Context
	sid  core.SessionID
	snap app.Snap
	user domain.Identity
	room domain.RoomID
	cmd  string
	ref  string
	raw  json.RawMessage
}

func (c *call) decode(v any) error {
	if err := json.Unmarshal(c.raw, v); err != nil {
		return errors.Join(domain.ErrBadPayload, err)
	}
	return nil
}

// OnFrame handles one client frame. The read pump calls it serially so
// commands of one connection run in arrival order.
func (o *Orchestrator) OnFrame(ctx context.Context, sid core.SessionID, data core.Frame) {
	snap, ok := o.Registry.Get(sid)
	if !ok {
		return
	}
	var h head
	if err := json.Unmarshal(data, &h); err != nil || h.Type == "" {
		o.reject(snap, h, errors.Join(domain.ErrBadPayload, errors.New("frame is not a command")))
		return
	}
	rt, ok := routes[h.Type]
	if !ok {
		o.reject(snap, h, errors.Join(domain.ErrBadPayload, errors.New("unknown command "+h.Type)))
		return
	}

	user, err := o.authenticate(snap, h.Token)
	if err != nil {
		o.reject(snap, h, err)
		o.KickBySID(sid)
		return
	}
	if h.Token != "" && h.Token != snap.Token {
		o.Registry.SetToken(sid, h.Token)
	}

	cctx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()
	c := &call{ctx: cctx, sid: sid, snap: snap, user: user, room: snap.Room, cmd: h.Type, ref: h.Ref, raw: json.RawMessage(data)}

	err = o.run(c, rt)
	if o.Metrics != nil {
		o.Metrics.ObserveCommand(h.Type, err)
	}
	if err != nil {
		o.reject(snap, h, err)
		return
	}
	if o.Events != nil && rt.record && c.room != "" {
		o.Events.Record(c.room, h.Type, user.ID)
	}
}

func (o *Orchestrator) run(c *call, rt route) error {
	if rt.needsRoom && c.room == "" {
		return domain.ErrNotInRoom
	}
	if rt.class != "" {
		if err := o.admit(c.ctx, rt.class, c.user.ID); err != nil {
			return err
		}
	}
	return rt.handle(o, c)
}

// authenticate re-verifies the credential of the session on every command.
func (o *Orchestrator) authenticate(snap app.Snap, token string) (domain.Identity, error) {
	if token == "" {
		token = snap.Token
	}
	id, err := o.Verifier.Verify(token)
	if err != nil {
		return domain.Identity{}, err
	}
	bound := snap.Session.Meta().User
	if id.ID != bound.ID {
		return domain.Identity{}, errors.Join(domain.ErrAuthRejected, errors.New("credential identity changed"))
	}
	return bound, nil
}

func (o *Orchestrator) admit(ctx context.Context, class ratelimit.Class, user domain.UserID) error {
	rule, ok := o.Rules[class]
	if !ok || o.Limiter == nil {
		return nil
	}
	d, err := o.Limiter.TryConsume(ctx, ratelimit.Key(class, user), rule.Capacity, rule.RefillPerSec)
	if err != nil {
		return err
	}
	if !d.Allowed {
		if o.Metrics != nil {
			o.Metrics.RateLimited.WithLabelValues(string(class)).Inc()
		}
		return &domain.RateLimitedError{Class: string(class), RetryAfter: d.RetryAfter}
	}
	return nil
}

func (o *Orchestrator) reject(snap app.Snap, h head, err error) {
	ev := log.Debug()
	if !domain.IsRejection(err) {
		ev = log.Error()
	}
	ev.Err(err).Str("module", "app.orch").Str("sid", string(snap.SID)).Str("room", string(snap.Room)).Str("cmd", h.Type).Msg("command rejected")

	out := errorFrame{Type: "error", Cmd: h.Type, Ref: h.Ref, Code: domain.Code(err)}
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		out.RetryAfterMs = rl.RetryAfter.Milliseconds()
	}
	o.sendTo(snap.Session, snap.Room, out)
}
