package roles

import (
	"errors"
	"slices"
	"testing"

	"github.com/dkeye/WatchRoom/internal/domain"
)

func room(capacity int) domain.RoomState {
	st := domain.NewRoomState("r", capacity)
	st.HostID = "host"
	return st
}

func mustApply(t *testing.T, st *domain.RoomState, m domain.Mutation) {
	t.Helper()
	if err := m.Apply(st); err != nil {
		t.Fatalf("%s: %v", m.Name(), err)
	}
}

// try applies m to a copy and only keeps it on success, like the store does.
func try(st *domain.RoomState, m domain.Mutation) error {
	cp := st.Clone()
	if err := m.Apply(&cp); err != nil {
		return err
	}
	*st = cp
	return nil
}

func TestRaiseThenLowerLeavesQueueUnchanged(t *testing.T) {
	st := room(6)
	mustApply(t, &st, RaiseHand("a"))
	before := slices.Clone(st.HandQueue)

	mustApply(t, &st, RaiseHand("b"))
	mustApply(t, &st, LowerHand("b"))
	if !slices.Equal(st.HandQueue, before) {
		t.Errorf("queue = %v, want %v", st.HandQueue, before)
	}
	// lowering when not queued is safe
	mustApply(t, &st, LowerHand("nobody"))
}

func TestRaiseHandRejections(t *testing.T) {
	st := room(6)
	mustApply(t, &st, RaiseHand("a"))
	if err := try(&st, RaiseHand("a")); !errors.Is(err, domain.ErrAlreadyQueued) {
		t.Errorf("duplicate raise: %v", err)
	}
	if err := try(&st, RaiseHand("host")); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("host raise: %v", err)
	}
	mustApply(t, &st, Promote("host", "a"))
	if err := try(&st, RaiseHand("a")); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("speaker raise: %v", err)
	}
}

func TestPromotePreconditions(t *testing.T) {
	st := room(1)
	mustApply(t, &st, RaiseHand("a"))
	mustApply(t, &st, RaiseHand("b"))

	if err := try(&st, Promote("a", "b")); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("non-host promote: %v", err)
	}
	if err := try(&st, Promote("host", "c")); !errors.Is(err, domain.ErrInvalidTarget) {
		t.Errorf("promote of unqueued identity: %v", err)
	}

	mustApply(t, &st, Promote("host", "a"))
	if st.IsQueued("a") || !st.IsSpeaker("a") {
		t.Errorf("after promote: %+v", st)
	}

	err := try(&st, Promote("host", "b"))
	if !errors.Is(err, domain.ErrSpeakersFull) {
		t.Errorf("promote over capacity: %v", err)
	}
	if !st.IsQueued("b") {
		t.Error("failed promote must leave the target queued")
	}
}

func TestDemote(t *testing.T) {
	st := room(6)
	mustApply(t, &st, RaiseHand("a"))
	mustApply(t, &st, Promote("host", "a"))
	if err := try(&st, Demote("a", "a")); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("self demote by speaker: %v", err)
	}
	mustApply(t, &st, Demote("host", "a"))
	if st.RoleOf("a") != domain.RoleAudience {
		t.Errorf("role = %s", st.RoleOf("a"))
	}
	if err := try(&st, Demote("host", "a")); !errors.Is(err, domain.ErrInvalidTarget) {
		t.Errorf("demote of non-speaker: %v", err)
	}
}

func TestCleanupKeepsHost(t *testing.T) {
	st := room(6)
	mustApply(t, &st, RaiseHand("a"))
	mustApply(t, &st, RaiseHand("b"))
	mustApply(t, &st, Promote("host", "b"))

	mustApply(t, &st, Cleanup("a"))
	mustApply(t, &st, Cleanup("b"))
	mustApply(t, &st, Cleanup("host"))
	if len(st.HandQueue) != 0 || len(st.Speakers) != 0 || st.HostID != "host" {
		t.Errorf("after cleanup: %+v", st)
	}
}

func TestClaimHost(t *testing.T) {
	st := domain.NewRoomState("r", 6)
	mustApply(t, &st, ClaimHost(domain.Identity{ID: "g1", IsGuest: true}))
	if st.HostID != "g1" {
		t.Fatalf("first joiner must be host even as a guest, host = %q", st.HostID)
	}
	mustApply(t, &st, ClaimHost(domain.Identity{ID: "second"}))
	if st.HostID != "g1" {
		t.Errorf("a later joiner must not take the seat, host = %s", st.HostID)
	}
}

func TestDeparted(t *testing.T) {
	st := room(6)
	if m := Departed(st, "a"); m != nil {
		t.Errorf("identity without transient role needs no cleanup, got %v", m)
	}
	mustApply(t, &st, RaiseHand("a"))
	m := Departed(st, "a")
	if m == nil {
		t.Fatal("queued identity must be cleaned up")
	}
	mustApply(t, &st, m)
	if st.IsQueued("a") {
		t.Error("hand still raised after cleanup")
	}
	if Departed(st, st.HostID) != nil {
		t.Error("host seat is sticky")
	}
}

func TestChanged(t *testing.T) {
	prev := room(6)
	mustApply(t, &prev, RaiseHand("a"))
	next := prev.Clone()
	mustApply(t, &next, Promote("host", "a"))

	got := Changed(prev, next)
	if len(got) != 1 || got["a"] != domain.RoleSpeaker {
		t.Errorf("changed = %v", got)
	}
	if !CanPublish(domain.RoleSpeaker) || CanPublish(domain.RoleHandRaised) {
		t.Error("only host and speakers publish")
	}
}
