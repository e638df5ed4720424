package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func testRoom() RoomState {
	return NewRoomState("11111111-1111-1111-1111-111111111111", 2)
}

func TestPositionAt(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	s := testRoom()
	if err := (SetPlaying{Playing: true, PositionSec: 10, At: base}).Apply(&s); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := s.PositionAt(base.Add(5 * time.Second)); math.Abs(got-15) > 1e-9 {
		t.Errorf("expected 15, got %v", got)
	}
	if got := s.PositionAt(base.Add(-time.Second)); got != 10 {
		t.Errorf("clock skew must not rewind, got %v", got)
	}

	if err := (SetPlaying{Playing: false, PositionSec: 15, At: base.Add(5 * time.Second)}).Apply(&s); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := s.PositionAt(base.Add(time.Hour)); got != 15 {
		t.Errorf("paused room must stay frozen, got %v", got)
	}
}

func TestSetRateRebasesTimeline(t *testing.T) {
	base := time.UnixMilli(2_000_000)
	s := testRoom()
	_ = SetPlaying{Playing: true, PositionSec: 0, At: base}.Apply(&s)
	if err := (SetRate{Rate: 2, At: base.Add(10 * time.Second)}).Apply(&s); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if got := s.PositionAt(base.Add(15 * time.Second)); math.Abs(got-20) > 1e-9 {
		t.Errorf("expected 10 + 5*2 = 20, got %v", got)
	}
	if err := (SetRate{Rate: 0, At: base}).Apply(&s); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected bad payload for zero rate, got %v", err)
	}
}

func TestSetPositionValidation(t *testing.T) {
	s := testRoom()
	for _, p := range []float64{-1, math.NaN(), math.Inf(1)} {
		if err := (SetPosition{PositionSec: p}).Apply(&s); !errors.Is(err, ErrBadPayload) {
			t.Errorf("position %v: expected bad payload, got %v", p, err)
		}
	}
}

func TestSetVideoResetsTimeline(t *testing.T) {
	s := testRoom()
	s.IsPlaying = true
	s.PositionSec = 42
	if err := (SetVideo{VideoID: "dQw4w9WgXcQ", At: time.Now()}).Apply(&s); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.IsPlaying || s.PositionSec != 0 || s.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("unexpected state after load: %+v", s)
	}
	if err := (SetVideo{}).Apply(&s); !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected bad payload for empty video, got %v", err)
	}
}

func TestHandQueueInvariants(t *testing.T) {
	s := testRoom()
	_ = SetHost{User: "host"}.Apply(&s)

	if err := (EnqueueHand{User: "host"}).Apply(&s); !errors.Is(err, ErrForbidden) {
		t.Errorf("host must not queue, got %v", err)
	}
	if err := (EnqueueHand{User: "a"}).Apply(&s); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := (EnqueueHand{User: "a"}).Apply(&s); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("expected already queued, got %v", err)
	}
	_ = EnqueueHand{User: "b"}.Apply(&s)
	if s.HandQueue[0] != "a" || s.HandQueue[1] != "b" {
		t.Errorf("queue must be FIFO, got %v", s.HandQueue)
	}

	if err := (AddSpeaker{User: "a"}).Apply(&s); err != nil {
		t.Fatalf("add speaker: %v", err)
	}
	if s.IsQueued("a") {
		t.Error("speaker must not remain queued")
	}
	if err := (EnqueueHand{User: "a"}).Apply(&s); !errors.Is(err, ErrForbidden) {
		t.Errorf("speaker must not queue, got %v", err)
	}
	if s.RoleOf("a") != RoleSpeaker || s.RoleOf("b") != RoleHandRaised || s.RoleOf("host") != RoleHost || s.RoleOf("z") != RoleAudience {
		t.Errorf("unexpected roles in %+v", s)
	}
}

func TestSpeakerCapacity(t *testing.T) {
	s := testRoom()
	_ = AddSpeaker{User: "a"}.Apply(&s)
	_ = AddSpeaker{User: "b"}.Apply(&s)
	if err := (AddSpeaker{User: "c"}).Apply(&s); !errors.Is(err, ErrSpeakersFull) {
		t.Errorf("expected speakers full, got %v", err)
	}
	if len(s.Speakers) != s.SpeakerCapacity {
		t.Errorf("speakers %v exceed capacity", s.Speakers)
	}
}

func TestStrictRemoval(t *testing.T) {
	s := testRoom()
	if err := (DequeueHand{User: "x", Strict: true}).Apply(&s); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("expected invalid target, got %v", err)
	}
	if err := (DequeueHand{User: "x"}).Apply(&s); err != nil {
		t.Errorf("lenient dequeue must be a no-op, got %v", err)
	}
	if err := (RemoveSpeaker{User: "x", Strict: true}).Apply(&s); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("expected invalid target, got %v", err)
	}
}

func TestSetHostIfVacant(t *testing.T) {
	s := testRoom()
	_ = SetHost{User: "a", IfVacant: true}.Apply(&s)
	_ = SetHost{User: "b", IfVacant: true}.Apply(&s)
	if s.HostID != "a" {
		t.Errorf("first claimant must keep host, got %q", s.HostID)
	}
}

func TestSeqStopsAtFirstError(t *testing.T) {
	s := testRoom()
	_ = SetHost{User: "host"}.Apply(&s)
	m := Seq{RequireHost{Actor: "intruder"}, SetVideo{VideoID: "v"}}
	if err := m.Apply(&s); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected not host, got %v", err)
	}
	if s.VideoID != "" {
		t.Error("mutation after failed guard must not run")
	}
	if err := (RequireHost{Actor: "x", Reason: ErrForbidden}).Apply(&s); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected custom reason, got %v", err)
	}
	if m.Name() != "setVideo" {
		t.Errorf("unexpected name %q", m.Name())
	}
}

func TestCode(t *testing.T) {
	cases := map[string]error{
		"ok":                nil,
		"rate_limited":      &RateLimitedError{Class: "chat", RetryAfter: time.Second},
		"not_host":          ErrNotHost,
		"store_unavailable": errors.Join(errors.New("dial"), ErrStoreUnavailable),
		"internal":          errors.New("boom"),
	}
	for want, err := range cases {
		if got := Code(err); got != want {
			t.Errorf("Code(%v) = %q, want %q", err, got, want)
		}
	}
	if IsRejection(ErrStoreUnavailable) {
		t.Error("infrastructure faults are not rejections")
	}
}
