package playback

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dkeye/WatchRoom/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time         { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func hostedRoom() domain.RoomState {
	st := domain.NewRoomState("room", 6)
	st.HostID = "host"
	return st
}

func apply(t *testing.T, st *domain.RoomState, m domain.Mutation, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("build mutation: %v", err)
	}
	if err := m.Apply(st); err != nil {
		t.Fatalf("apply %s: %v", m.Name(), err)
	}
}

func TestCommandsAreHostGated(t *testing.T) {
	e := NewEngine(nil)
	st := hostedRoom()
	builders := map[string]func() (domain.Mutation, error){
		"load":    func() (domain.Mutation, error) { return e.Load("guest", "v") },
		"play":    func() (domain.Mutation, error) { return e.Play("guest", 1) },
		"pause":   func() (domain.Mutation, error) { return e.Pause("guest", 1) },
		"seek":    func() (domain.Mutation, error) { return e.Seek("guest", 1) },
		"setRate": func() (domain.Mutation, error) { return e.SetRate("guest", 2) },
	}
	for name, build := range builders {
		m, err := build()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		cp := st.Clone()
		if err := m.Apply(&cp); !errors.Is(err, domain.ErrNotHost) {
			t.Errorf("%s by non-host: expected not host, got %v", name, err)
		}
	}
}

func TestValidation(t *testing.T) {
	e := NewEngine(nil)
	cases := map[string]error{}
	_, cases["empty video"] = e.Load("host", "  ")
	_, cases["negative play"] = e.Play("host", -1)
	_, cases["nan seek"] = e.Seek("host", math.NaN())
	_, cases["inf pause"] = e.Pause("host", math.Inf(1))
	_, cases["rate too high"] = e.SetRate("host", 8)
	_, cases["rate too low"] = e.SetRate("host", 0.1)
	for name, err := range cases {
		if !errors.Is(err, domain.ErrBadPayload) {
			t.Errorf("%s: expected bad payload, got %v", name, err)
		}
	}
}

func TestLateJoinerCatchesUp(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	e := NewEngine(c.now)
	st := hostedRoom()

	m, err := e.Load("host", "dQw4w9WgXcQ")
	apply(t, &st, m, err)
	m, err = e.Play("host", 0)
	apply(t, &st, m, err)

	c.advance(5 * time.Second)
	snap := e.Snapshot(st, 2)
	if !WithinTolerance(snap.PositionSec, 5) {
		t.Errorf("late joiner at %v, want ~5", snap.PositionSec)
	}
	if snap.PositionSec < st.PositionSec {
		t.Errorf("effective position must not be stale")
	}
	if snap.MemberCount != 2 || snap.VideoID != "dQw4w9WgXcQ" || !snap.IsPlaying {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	m, err = e.Pause("host", e.EffectivePosition(st))
	apply(t, &st, m, err)
	c.advance(30 * time.Second)
	if got := e.Snapshot(st, 3).PositionSec; math.Abs(got-5) > 1 {
		t.Errorf("paused room drifted to %v", got)
	}
}

func TestRateChangeRebases(t *testing.T) {
	c := &clock{t: time.Unix(100, 0)}
	e := NewEngine(c.now)
	st := hostedRoom()
	m, err := e.Play("host", 10)
	apply(t, &st, m, err)

	c.advance(4 * time.Second)
	m, err = e.SetRate("host", 2)
	apply(t, &st, m, err)
	c.advance(3 * time.Second)

	// 10 + 4*1 + 3*2
	if got := e.EffectivePosition(st); math.Abs(got-20) > 1e-9 {
		t.Errorf("position = %v, want 20", got)
	}
}

func TestEventAndSync(t *testing.T) {
	c := &clock{t: time.Unix(200, 0)}
	e := NewEngine(c.now)
	st := hostedRoom()
	m, err := e.Seek("host", 42)
	apply(t, &st, m, err)

	ev := e.Event(CmdSeek, "host", st)
	if ev.Type != "seeked" || ev.PositionSec != 42 || ev.ServerTimeMs != c.t.UnixMilli() || ev.By != "host" {
		t.Errorf("unexpected event %+v", ev)
	}
	if e.Event(CmdSetRate, "host", st).Type != "rateChanged" {
		t.Error("setRate must broadcast rateChanged")
	}

	s := e.Sync(st)
	if s.Type != "syncState" || s.PositionSec != 42 || s.ToleranceMs != 2000 {
		t.Errorf("unexpected sync %+v", s)
	}
}
