package domain

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Mutation is one tagged change to a room. Apply runs inside the store's
// per-room write discipline against a private copy; a non-nil error discards
// the copy so commands are all-or-nothing.
type Mutation interface {
	Apply(s *RoomState) error
	Name() string
}

type (
	SetVideo struct {
		VideoID string
		At      time.Time
	}
	SetPlaying struct {
		Playing     bool
		PositionSec float64
		At          time.Time
	}
	SetPosition struct {
		PositionSec float64
		At          time.Time
	}
	SetRate struct {
		Rate float64
		At   time.Time
	}
	AddSpeaker    struct{ User UserID }
	RemoveSpeaker struct {
		User   UserID
		Strict bool
	}
	EnqueueHand struct{ User UserID }
	DequeueHand struct {
		User   UserID
		Strict bool
	}
	SetHost struct {
		User     UserID
		IfVacant bool
	}
	// RequireHost fails with Reason (ErrNotHost when nil) unless Actor is host.
	RequireHost struct {
		Actor  UserID
		Reason error
	}
	// Seq applies mutations in order and stops at the first error.
	Seq []Mutation
)

func validPosition(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
		return fmt.Errorf("%w: position %v", ErrBadPayload, p)
	}
	return nil
}

func (m SetVideo) Name() string { return "setVideo" }
func (m SetVideo) Apply(s *RoomState) error {
	if m.VideoID == "" {
		return fmt.Errorf("%w: empty video id", ErrBadPayload)
	}
	s.VideoID = m.VideoID
	s.IsPlaying = false
	s.PositionSec = 0
	s.CommittedAtMs = m.At.UnixMilli()
	return nil
}

func (m SetPlaying) Name() string { return "setPlaying" }
func (m SetPlaying) Apply(s *RoomState) error {
	if err := validPosition(m.PositionSec); err != nil {
		return err
	}
	s.IsPlaying = m.Playing
	s.PositionSec = m.PositionSec
	s.CommittedAtMs = m.At.UnixMilli()
	return nil
}

func (m SetPosition) Name() string { return "setPosition" }
func (m SetPosition) Apply(s *RoomState) error {
	if err := validPosition(m.PositionSec); err != nil {
		return err
	}
	s.PositionSec = m.PositionSec
	s.CommittedAtMs = m.At.UnixMilli()
	return nil
}

func (m SetRate) Name() string { return "setRate" }
func (m SetRate) Apply(s *RoomState) error {
	if math.IsNaN(m.Rate) || m.Rate < MinPlaybackRate || m.Rate > MaxPlaybackRate {
		return fmt.Errorf("%w: rate %v", ErrBadPayload, m.Rate)
	}
	// Rebase so the old rate is not applied retroactively.
	s.PositionSec = s.PositionAt(m.At)
	s.CommittedAtMs = m.At.UnixMilli()
	s.PlaybackRate = m.Rate
	return nil
}

func (m AddSpeaker) Name() string { return "addSpeaker" }
func (m AddSpeaker) Apply(s *RoomState) error {
	if m.User == "" || m.User == s.HostID || s.IsSpeaker(m.User) {
		return ErrInvalidTarget
	}
	if len(s.Speakers) >= s.SpeakerCapacity {
		return ErrSpeakersFull
	}
	s.HandQueue = slices.DeleteFunc(s.HandQueue, func(u UserID) bool { return u == m.User })
	s.Speakers = append(s.Speakers, m.User)
	return nil
}

func (m RemoveSpeaker) Name() string { return "removeSpeaker" }
func (m RemoveSpeaker) Apply(s *RoomState) error {
	if !s.IsSpeaker(m.User) {
		if m.Strict {
			return ErrInvalidTarget
		}
		return nil
	}
	s.Speakers = slices.DeleteFunc(s.Speakers, func(u UserID) bool { return u == m.User })
	return nil
}

func (m EnqueueHand) Name() string { return "enqueueHand" }
func (m EnqueueHand) Apply(s *RoomState) error {
	switch {
	case m.User == "":
		return ErrInvalidTarget
	case s.IsQueued(m.User):
		return ErrAlreadyQueued
	case m.User == s.HostID, s.IsSpeaker(m.User):
		return ErrForbidden
	}
	s.HandQueue = append(s.HandQueue, m.User)
	return nil
}

func (m DequeueHand) Name() string { return "dequeueHand" }
func (m DequeueHand) Apply(s *RoomState) error {
	if !s.IsQueued(m.User) {
		if m.Strict {
			return ErrInvalidTarget
		}
		return nil
	}
	s.HandQueue = slices.DeleteFunc(s.HandQueue, func(u UserID) bool { return u == m.User })
	return nil
}

func (m SetHost) Name() string { return "setHost" }
func (m SetHost) Apply(s *RoomState) error {
	if m.User == "" {
		return ErrInvalidTarget
	}
	if m.IfVacant && s.HostID != "" {
		return nil
	}
	s.HostID = m.User
	s.HandQueue = slices.DeleteFunc(s.HandQueue, func(u UserID) bool { return u == m.User })
	s.Speakers = slices.DeleteFunc(s.Speakers, func(u UserID) bool { return u == m.User })
	return nil
}

func (m RequireHost) Name() string { return "requireHost" }
func (m RequireHost) Apply(s *RoomState) error {
	if s.HostID == "" || s.HostID != m.Actor {
		if m.Reason != nil {
			return m.Reason
		}
		return ErrNotHost
	}
	return nil
}

func (m Seq) Name() string {
	if len(m) == 0 {
		return "noop"
	}
	return m[len(m)-1].Name()
}

func (m Seq) Apply(s *RoomState) error {
	for _, step := range m {
		if err := step.Apply(s); err != nil {
			return err
		}
	}
	return nil
}
