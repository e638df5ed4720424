// Package playback is the Playback Sync Engine. It turns host commands into
// room mutations and produces the canonical position late joiners and
// drifted clients converge to.
//
// The server never pushes continuous corrections. Clients compare their
// local position against syncState (or the join snapshot) and seek when the
// difference exceeds DriftTolerance.
package playback

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dkeye/WatchRoom/internal/domain"
)

// DriftTolerance is the accepted gap between any client and the canonical
// position.
const DriftTolerance = 2 * time.Second

const maxVideoIDLen = 128

type Command string

const (
	CmdLoad    Command = "load"
	CmdPlay    Command = "play"
	CmdPause   Command = "pause"
	CmdSeek    Command = "seek"
	CmdSetRate Command = "setRate"
)

// broadcast names per command
var eventType = map[Command]string{
	CmdLoad:    "loaded",
	CmdPlay:    "played",
	CmdPause:   "paused",
	CmdSeek:    "seeked",
	CmdSetRate: "rateChanged",
}

type Engine struct {
	now func() time.Time
}

func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

func (e *Engine) Now() time.Time { return e.now() }

func hostOnly(actor domain.UserID, m domain.Mutation) domain.Mutation {
	return domain.Seq{domain.RequireHost{Actor: actor}, m}
}

func checkPosition(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
		return fmt.Errorf("%w: positionSec must be a non-negative number", domain.ErrBadPayload)
	}
	return nil
}

func (e *Engine) Load(actor domain.UserID, videoID string) (domain.Mutation, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" || len(videoID) > maxVideoIDLen {
		return nil, fmt.Errorf("%w: videoId", domain.ErrBadPayload)
	}
	return hostOnly(actor, domain.SetVideo{VideoID: videoID, At: e.now()}), nil
}

func (e *Engine) Play(actor domain.UserID, positionSec float64) (domain.Mutation, error) {
	if err := checkPosition(positionSec); err != nil {
		return nil, err
	}
	return hostOnly(actor, domain.SetPlaying{Playing: true, PositionSec: positionSec, At: e.now()}), nil
}

func (e *Engine) Pause(actor domain.UserID, positionSec float64) (domain.Mutation, error) {
	if err := checkPosition(positionSec); err != nil {
		return nil, err
	}
	return hostOnly(actor, domain.SetPlaying{Playing: false, PositionSec: positionSec, At: e.now()}), nil
}

// Seek keeps the play/pause state and restarts the elapsed clock.
func (e *Engine) Seek(actor domain.UserID, positionSec float64) (domain.Mutation, error) {
	if err := checkPosition(positionSec); err != nil {
		return nil, err
	}
	return hostOnly(actor, domain.SetPosition{PositionSec: positionSec, At: e.now()}), nil
}

func (e *Engine) SetRate(actor domain.UserID, rate float64) (domain.Mutation, error) {
	if math.IsNaN(rate) || rate < domain.MinPlaybackRate || rate > domain.MaxPlaybackRate {
		return nil, fmt.Errorf("%w: rate must be within [%v, %v]", domain.ErrBadPayload, domain.MinPlaybackRate, domain.MaxPlaybackRate)
	}
	return hostOnly(actor, domain.SetRate{Rate: rate, At: e.now()}), nil
}

// EffectivePosition is where every client should be right now.
func (e *Engine) EffectivePosition(st domain.RoomState) float64 {
	return st.PositionAt(e.now())
}

// Event is a playback broadcast. PositionSec is the committed position, so
// receivers add their own transit estimate using ServerTimeMs.
type Event struct {
	Type         string        `json:"type"`
	By           domain.UserID `json:"by"`
	VideoID      string        `json:"videoId,omitempty"`
	PositionSec  float64       `json:"positionSec"`
	IsPlaying    bool          `json:"isPlaying"`
	PlaybackRate float64       `json:"playbackRate"`
	ServerTimeMs int64         `json:"serverTimeMs"`
}

func (e *Engine) Event(cmd Command, by domain.UserID, st domain.RoomState) Event {
	return Event{
		Type:         eventType[cmd],
		By:           by,
		VideoID:      st.VideoID,
		PositionSec:  st.PositionSec,
		IsPlaying:    st.IsPlaying,
		PlaybackRate: st.PlaybackRate,
		ServerTimeMs: st.CommittedAtMs,
	}
}

// Snapshot is the join view of a room with the position already caught up.
type Snapshot struct {
	ID              domain.RoomID   `json:"id"`
	HostID          domain.UserID   `json:"hostId"`
	VideoID         string          `json:"videoId"`
	IsPlaying       bool            `json:"isPlaying"`
	PositionSec     float64         `json:"positionSec"`
	PlaybackRate    float64         `json:"playbackRate"`
	Speakers        []domain.UserID `json:"speakers"`
	HandQueue       []domain.UserID `json:"handQueue"`
	SpeakerCapacity int             `json:"speakerCapacity"`
	MemberCount     int             `json:"memberCount"`
	ServerTimeMs    int64           `json:"serverTimeMs"`
	Version         int64           `json:"version"`
}

func (e *Engine) Snapshot(st domain.RoomState, memberCount int) Snapshot {
	now := e.now()
	c := st.Clone()
	return Snapshot{
		ID:              c.ID,
		HostID:          c.HostID,
		VideoID:         c.VideoID,
		IsPlaying:       c.IsPlaying,
		PositionSec:     c.PositionAt(now),
		PlaybackRate:    c.PlaybackRate,
		Speakers:        c.Speakers,
		HandQueue:       c.HandQueue,
		SpeakerCapacity: c.SpeakerCapacity,
		MemberCount:     memberCount,
		ServerTimeMs:    now.UnixMilli(),
		Version:         c.Version,
	}
}

// SyncState answers a drift probe.
type SyncState struct {
	Type         string  `json:"type"`
	PositionSec  float64 `json:"positionSec"`
	IsPlaying    bool    `json:"isPlaying"`
	PlaybackRate float64 `json:"playbackRate"`
	ServerTimeMs int64   `json:"serverTimeMs"`
	ToleranceMs  int64   `json:"toleranceMs"`
}

func (e *Engine) Sync(st domain.RoomState) SyncState {
	now := e.now()
	return SyncState{
		Type:         "syncState",
		PositionSec:  st.PositionAt(now),
		IsPlaying:    st.IsPlaying,
		PlaybackRate: st.PlaybackRate,
		ServerTimeMs: now.UnixMilli(),
		ToleranceMs:  DriftTolerance.Milliseconds(),
	}
}

// WithinTolerance reports whether two positions are close enough that the
// client should not seek.
func WithinTolerance(a, b float64) bool {
	return math.Abs(a-b) <= DriftTolerance.Seconds()
}
