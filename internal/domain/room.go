package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSpeakerCapacity = 6
	DefaultPlaybackRate    = 1.0
	MinPlaybackRate        = 0.25
	MaxPlaybackRate        = 4.0
)

type RoomID string

// ParseRoomID accepts only canonical UUIDs.
func ParseRoomID(raw string) (RoomID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: room id: %v", ErrBadPayload, err)
	}
	return RoomID(id.String()), nil
}

// RoomState is the authoritative record of a room. Only the store mutates it.
type RoomState struct {
	ID              RoomID   `json:"id"`
	HostID          UserID   `json:"hostId,omitempty"`
	VideoID         string   `json:"videoId,omitempty"`
	IsPlaying       bool     `json:"isPlaying"`
	PositionSec     float64  `json:"positionSec"`
	PlaybackRate    float64  `json:"playbackRate"`
	Speakers        []UserID `json:"speakers"`
	HandQueue       []UserID `json:"handQueue"`
	SpeakerCapacity int      `json:"speakerCapacity"`
	// CommittedAtMs is the server wall clock of the last timeline change.
	CommittedAtMs int64 `json:"committedAtMs"`
	Version       int64 `json:"version"`
}

func NewRoomState(id RoomID, capacity int) RoomState {
	if capacity <= 0 {
		capacity = DefaultSpeakerCapacity
	}
	return RoomState{
		ID:              id,
		PlaybackRate:    DefaultPlaybackRate,
		Speakers:        []UserID{},
		HandQueue:       []UserID{},
		SpeakerCapacity: capacity,
	}
}

func (s RoomState) Clone() RoomState {
	c := s
	c.Speakers = append(make([]UserID, 0, len(s.Speakers)), s.Speakers...)
	c.HandQueue = append(make([]UserID, 0, len(s.HandQueue)), s.HandQueue...)
	return c
}

func (s RoomState) IsSpeaker(u UserID) bool { return slices.Contains(s.Speakers, u) }
func (s RoomState) IsQueued(u UserID) bool  { return slices.Contains(s.HandQueue, u) }

// RoleOf derives the role of an identity from the room record.
func (s RoomState) RoleOf(u UserID) Role {
	switch {
	case s.HostID != "" && s.HostID == u:
		return RoleHost
	case s.IsSpeaker(u):
		return RoleSpeaker
	case s.IsQueued(u):
		return RoleHandRaised
	default:
		return RoleAudience
	}
}

// PositionAt projects the timeline to now. Paused rooms stay frozen.
func (s RoomState) PositionAt(now time.Time) float64 {
	if !s.IsPlaying || s.CommittedAtMs == 0 {
		return s.PositionSec
	}
	elapsed := float64(now.UnixMilli()-s.CommittedAtMs) / 1000
	if elapsed < 0 {
		elapsed = 0
	}
	rate := s.PlaybackRate
	if rate <= 0 {
		rate = DefaultPlaybackRate
	}
	return s.PositionSec + elapsed*rate
}
