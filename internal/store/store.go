// Package store implements the Room State Store: the only shared mutable
// resource in the service.
package store

import (
	"context"
	"time"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

type Options struct {
	SpeakerCapacity int
	ChatHistory     int
	// NodeID tags presence entries written by this process.
	NodeID string
	// NodeTTL is how long presence of a silent node stays live (Redis only).
	NodeTTL time.Duration
	// Durable, when set, seeds missing rooms and receives every commit.
	Durable *WriteBehind
}

func (o Options) withDefaults() Options {
	if o.SpeakerCapacity <= 0 {
		o.SpeakerCapacity = domain.DefaultSpeakerCapacity
	}
	if o.ChatHistory <= 0 {
		o.ChatHistory = 50
	}
	if o.NodeID == "" {
		o.NodeID = "local"
	}
	if o.NodeTTL <= 0 {
		o.NodeTTL = DefaultNodeTTL
	}
	return o
}

const DefaultNodeTTL = 15 * time.Second

// commit applies m to a private copy of prev.
func commit(prev domain.RoomState, m domain.Mutation) (domain.RoomState, error) {
	next := prev.Clone()
	if err := m.Apply(&next); err != nil {
		return prev, err
	}
	next.Version = prev.Version + 1
	return next, nil
}

// Observer receives the latency of every store call.
type Observer interface {
	ObserveStoreOp(op string, d time.Duration, err error)
}

type observed struct {
	inner core.RoomStore
	obs   Observer
}

// Observe wraps a store so each operation reports to obs.
func Observe(inner core.RoomStore, obs Observer) core.RoomStore {
	return &observed{inner: inner, obs: obs}
}

func (o *observed) done(op string, start time.Time, err error) {
	o.obs.ObserveStoreOp(op, time.Since(start), err)
}

func (o *observed) GetRoom(ctx context.Context, id domain.RoomID) (st domain.RoomState, err error) {
	defer func(t time.Time) { o.done("get_room", t, err) }(time.Now())
	return o.inner.GetRoom(ctx, id)
}

func (o *observed) Apply(ctx context.Context, id domain.RoomID, m domain.Mutation) (st domain.RoomState, err error) {
	defer func(t time.Time) { o.done("apply", t, err) }(time.Now())
	return o.inner.Apply(ctx, id, m)
}

func (o *observed) Transition(ctx context.Context, id domain.RoomID, m domain.Mutation) (prev, next domain.RoomState, err error) {
	defer func(t time.Time) { o.done("apply", t, err) }(time.Now())
	return o.inner.Transition(ctx, id, m)
}

func (o *observed) AddMember(ctx context.Context, id domain.RoomID, m domain.Member) (n int, err error) {
	defer func(t time.Time) { o.done("add_member", t, err) }(time.Now())
	return o.inner.AddMember(ctx, id, m)
}

func (o *observed) RemoveMember(ctx context.Context, id domain.RoomID, sid string) (n int, err error) {
	defer func(t time.Time) { o.done("remove_member", t, err) }(time.Now())
	return o.inner.RemoveMember(ctx, id, sid)
}

func (o *observed) Depart(ctx context.Context, id domain.RoomID, sid string, onLast core.OnLastSession) (d core.Departure, err error) {
	defer func(t time.Time) { o.done("depart", t, err) }(time.Now())
	return o.inner.Depart(ctx, id, sid, onLast)
}

func (o *observed) Stale(ctx context.Context, id domain.RoomID) (ms []domain.Member, err error) {
	defer func(t time.Time) { o.done("stale", t, err) }(time.Now())
	return o.inner.Stale(ctx, id)
}

func (o *observed) Members(ctx context.Context, id domain.RoomID) (ms []domain.Member, err error) {
	defer func(t time.Time) { o.done("members", t, err) }(time.Now())
	return o.inner.Members(ctx, id)
}

func (o *observed) AppendChat(ctx context.Context, msg domain.ChatMessage) (err error) {
	defer func(t time.Time) { o.done("append_chat", t, err) }(time.Now())
	return o.inner.AppendChat(ctx, msg)
}

func (o *observed) RecentChat(ctx context.Context, id domain.RoomID, n int) (ms []domain.ChatMessage, err error) {
	defer func(t time.Time) { o.done("recent_chat", t, err) }(time.Now())
	return o.inner.RecentChat(ctx, id, n)
}
