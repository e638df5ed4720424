package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

const roomA domain.RoomID = "6f1c2a94-3c1e-4d8e-9a53-2f5b1f0c7e11"

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func stores(t *testing.T, opts Options) map[string]core.RoomStore {
	mr := miniredis.RunT(t)
	return map[string]core.RoomStore{
		"memory": NewMemoryStore(opts),
		"redis":  NewRedisStore(newRedisClient(t, mr), opts),
	}
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rooms.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestGetRoomCreatesDefault(t *testing.T) {
	for name, s := range stores(t, Options{SpeakerCapacity: 3}) {
		t.Run(name, func(t *testing.T) {
			st, err := s.GetRoom(context.Background(), roomA)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if st.ID != roomA || st.PlaybackRate != 1 || st.SpeakerCapacity != 3 || st.HostID != "" {
				t.Errorf("unexpected default %+v", st)
			}
			again, _ := s.GetRoom(context.Background(), roomA)
			if again.Version != st.Version {
				t.Errorf("second read must not recreate the room")
			}
		})
	}
}

func TestApplyCommitsAndVersions(t *testing.T) {
	for name, s := range stores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := s.Apply(ctx, roomA, domain.SetHost{User: "host", IfVacant: true})
			if err != nil {
				t.Fatalf("set host: %v", err)
			}
			if st.HostID != "host" || st.Version != 1 {
				t.Errorf("unexpected state %+v", st)
			}
			st, err = s.Apply(ctx, roomA, domain.Seq{
				domain.RequireHost{Actor: "host"},
				domain.SetPlaying{Playing: true, PositionSec: 3, At: time.UnixMilli(5000)},
			})
			if err != nil {
				t.Fatalf("play: %v", err)
			}
			if !st.IsPlaying || st.PositionSec != 3 || st.CommittedAtMs != 5000 || st.Version != 2 {
				t.Errorf("unexpected state %+v", st)
			}
		})
	}
}

func TestApplyRejectionLeavesRoomUntouched(t *testing.T) {
	for name, s := range stores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = s.Apply(ctx, roomA, domain.SetHost{User: "host"})
			_, err := s.Apply(ctx, roomA, domain.Seq{
				domain.EnqueueHand{User: "a"},
				domain.RequireHost{Actor: "a"},
			})
			if !errors.Is(err, domain.ErrNotHost) {
				t.Fatalf("expected not host, got %v", err)
			}
			st, _ := s.GetRoom(ctx, roomA)
			if len(st.HandQueue) != 0 || st.Version != 1 {
				t.Errorf("partial mutation leaked: %+v", st)
			}
		})
	}
}

func TestPresenceAndChat(t *testing.T) {
	for name, s := range stores(t, Options{ChatHistory: 3}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if n, _ := s.AddMember(ctx, roomA, domain.Member{SessionID: "s1", User: domain.Identity{ID: "a"}, JoinedAtMs: 1}); n != 1 {
				t.Errorf("expected 1 member, got %d", n)
			}
			if n, _ := s.AddMember(ctx, roomA, domain.Member{SessionID: "s2", User: domain.Identity{ID: "b"}, JoinedAtMs: 2}); n != 2 {
				t.Errorf("expected 2 members, got %d", n)
			}
			ms, err := s.Members(ctx, roomA)
			if err != nil || len(ms) != 2 || ms[0].SessionID != "s1" {
				t.Errorf("members = %+v, %v", ms, err)
			}
			if n, _ := s.RemoveMember(ctx, roomA, "s1"); n != 1 {
				t.Errorf("expected 1 member after removal, got %d", n)
			}

			for i := 0; i < 5; i++ {
				msg := domain.ChatMessage{ID: fmt.Sprint(i), RoomID: roomA, Text: fmt.Sprint("m", i)}
				if err := s.AppendChat(ctx, msg); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			recent, err := s.RecentChat(ctx, roomA, 10)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(recent) != 3 || recent[0].ID != "2" || recent[2].ID != "4" {
				t.Errorf("history must keep the last 3 in order, got %+v", recent)
			}
		})
	}
}

func TestConcurrentSetPositionAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	procs := []*RedisStore{
		NewRedisStore(newRedisClient(t, mr), Options{}),
		NewRedisStore(newRedisClient(t, mr), Options{}),
	}
	const perProc = 20

	inputs := make(map[float64]bool)
	var wg sync.WaitGroup
	for p, s := range procs {
		for i := 0; i < perProc; i++ {
			pos := float64(p*1000 + i)
			inputs[pos] = true
			wg.Add(1)
			go func(s *RedisStore, pos float64) {
				defer wg.Done()
				if _, err := s.Apply(context.Background(), roomA, domain.SetPosition{PositionSec: pos, At: time.Now()}); err != nil {
					t.Errorf("apply %v: %v", pos, err)
				}
			}(s, pos)
		}
	}
	wg.Wait()

	st, err := procs[0].GetRoom(context.Background(), roomA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !inputs[st.PositionSec] {
		t.Errorf("final position %v is not one of the inputs", st.PositionSec)
	}
	if st.Version != int64(len(procs)*perProc) {
		t.Errorf("every write must commit exactly once: version %d", st.Version)
	}
}

func TestRedisUnavailableFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	s := NewRedisStore(rdb, Options{})
	mr.Close()

	_, err := s.Apply(context.Background(), roomA, domain.SetPosition{PositionSec: 1})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected store unavailable, got %v", err)
	}
	if _, err := s.GetRoom(context.Background(), roomA); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected store unavailable on read, got %v", err)
	}
}

func TestDurableFallbackSurvivesRedisRestart(t *testing.T) {
	db := openDB(t)
	mr := miniredis.RunT(t)

	wb := NewWriteBehind(NewSQLPersister(db), 16)
	s := NewRedisStore(newRedisClient(t, mr), Options{Durable: wb})
	if _, err := s.Apply(context.Background(), roomA, domain.SetVideo{VideoID: "dQw4w9WgXcQ", At: time.Now()}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.Apply(context.Background(), roomA, domain.SetHost{User: "host"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	wb.Close()

	mr.FlushAll()

	wb2 := NewWriteBehind(NewSQLPersister(db), 16)
	defer wb2.Close()
	s2 := NewRedisStore(newRedisClient(t, mr), Options{Durable: wb2})
	st, err := s2.GetRoom(context.Background(), roomA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.VideoID != "dQw4w9WgXcQ" || st.HostID != "host" || st.Version != 2 {
		t.Errorf("state not restored: %+v", st)
	}
}

func TestSQLPersisterKeepsNewest(t *testing.T) {
	p := NewSQLPersister(openDB(t))
	ctx := context.Background()
	newer := domain.NewRoomState(roomA, 6)
	newer.Version = 5
	newer.VideoID = "new"
	older := newer
	older.Version = 3
	older.VideoID = "old"

	if err := p.Save(ctx, newer); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := p.Save(ctx, older); err != nil {
		t.Fatalf("save: %v", err)
	}
	st, ok, err := p.Load(ctx, roomA)
	if err != nil || !ok {
		t.Fatalf("load: %v %v", ok, err)
	}
	if st.VideoID != "new" {
		t.Errorf("stale write overwrote newer state: %+v", st)
	}
	if _, ok, _ := p.Load(ctx, "missing"); ok {
		t.Error("missing room must not be found")
	}
}

func TestCachedBoundedStaleness(t *testing.T) {
	inner := NewMemoryStore(Options{})
	c := NewCached(inner, time.Minute)
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := c.GetRoom(ctx, roomA); err != nil {
		t.Fatalf("get: %v", err)
	}
	// A write through another path is invisible until the entry expires.
	_, _ = inner.Apply(ctx, roomA, domain.SetVideo{VideoID: "v1", At: now})
	if st, _ := c.GetRoom(ctx, roomA); st.VideoID != "" {
		t.Errorf("expected cached copy, got %+v", st)
	}
	now = now.Add(2 * time.Minute)
	if st, _ := c.GetRoom(ctx, roomA); st.VideoID != "v1" {
		t.Errorf("expected refreshed copy, got %+v", st)
	}

	// Writes through the cache refresh it immediately.
	_, _ = c.Apply(ctx, roomA, domain.SetVideo{VideoID: "v2", At: now})
	if st, _ := c.GetRoom(ctx, roomA); st.VideoID != "v2" {
		t.Errorf("expected write-through, got %+v", st)
	}
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingObserver) ObserveStoreOp(op string, _ time.Duration, _ error) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func TestObserveReportsOps(t *testing.T) {
	obs := &recordingObserver{}
	s := Observe(NewMemoryStore(Options{}), obs)
	ctx := context.Background()
	_, _ = s.GetRoom(ctx, roomA)
	_, _ = s.Apply(ctx, roomA, domain.SetHost{User: "a"})
	_, _ = s.RecentChat(ctx, roomA, 5)
	if len(obs.ops) != 3 || obs.ops[1] != "apply" {
		t.Errorf("unexpected ops %v", obs.ops)
	}
}

func TestTransitionReturnsPreImage(t *testing.T) {
	for name, s := range stores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Apply(ctx, roomA, domain.SetHost{User: "host"}); err != nil {
				t.Fatalf("apply: %v", err)
			}
			prev, next, err := s.Transition(ctx, roomA, domain.EnqueueHand{User: "a"})
			if err != nil {
				t.Fatalf("transition: %v", err)
			}
			if prev.IsQueued("a") || !next.IsQueued("a") || next.Version != prev.Version+1 {
				t.Errorf("prev %+v next %+v", prev, next)
			}
			if _, _, err := s.Transition(ctx, roomA, domain.EnqueueHand{User: "a"}); !errors.Is(err, domain.ErrAlreadyQueued) {
				t.Errorf("rejection must pass through, got %v", err)
			}
		})
	}
}

func lowerHand(st domain.RoomState, user domain.UserID) domain.Mutation {
	if !st.IsQueued(user) {
		return nil
	}
	return domain.DequeueHand{User: user}
}

func TestDepartCleansUpOnLastSession(t *testing.T) {
	for name, s := range stores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			x := domain.Identity{ID: "x"}
			_, _ = s.AddMember(ctx, roomA, domain.Member{SessionID: "s1", User: x, JoinedAtMs: 1})
			_, _ = s.AddMember(ctx, roomA, domain.Member{SessionID: "s2", User: x, JoinedAtMs: 2})
			if _, err := s.Apply(ctx, roomA, domain.EnqueueHand{User: "x"}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			d, err := s.Depart(ctx, roomA, "s1", lowerHand)
			if err != nil {
				t.Fatalf("depart s1: %v", err)
			}
			if !d.Found || d.Last || d.Applied || d.Members != 1 {
				t.Errorf("first departure %+v", d)
			}

			d, err = s.Depart(ctx, roomA, "s2", lowerHand)
			if err != nil {
				t.Fatalf("depart s2: %v", err)
			}
			if !d.Found || !d.Last || !d.Applied || d.Members != 0 || d.Member.User.ID != "x" {
				t.Errorf("last departure %+v", d)
			}
			if !d.Prev.IsQueued("x") || d.Next.IsQueued("x") {
				t.Errorf("departure must bracket the cleanup: prev %v next %v", d.Prev.HandQueue, d.Next.HandQueue)
			}
			if st, _ := s.GetRoom(ctx, roomA); st.IsQueued("x") {
				t.Error("cleanup not committed")
			}

			if d, err = s.Depart(ctx, roomA, "s2", lowerHand); err != nil || d.Found {
				t.Errorf("repeated departure %+v %v", d, err)
			}
		})
	}
}

func TestDeadNodePresenceExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	nodeA := NewRedisStore(newRedisClient(t, mr), Options{NodeID: "node-a", NodeTTL: 15 * time.Second})
	nodeB := NewRedisStore(newRedisClient(t, mr), Options{NodeID: "node-b", NodeTTL: 15 * time.Second})

	if n, err := nodeA.AddMember(ctx, roomA, domain.Member{SessionID: "a-1", User: domain.Identity{ID: "alice"}, JoinedAtMs: 1}); err != nil || n != 1 {
		t.Fatalf("add alice: %d %v", n, err)
	}
	if _, err := nodeA.Apply(ctx, roomA, domain.EnqueueHand{User: "alice"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// node-a stops heartbeating without removing its sessions.
	mr.FastForward(24 * time.Hour)

	n, err := nodeB.AddMember(ctx, roomA, domain.Member{SessionID: "b-1", User: domain.Identity{ID: "bob"}, JoinedAtMs: 2})
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if n != 1 {
		t.Errorf("live members after node-a died = %d, want 1", n)
	}
	ms, _ := nodeB.Members(ctx, roomA)
	if len(ms) != 1 || ms[0].User.ID != "bob" || ms[0].Node != "node-b" {
		t.Errorf("members = %+v", ms)
	}

	stale, err := nodeB.Stale(ctx, roomA)
	if err != nil || len(stale) != 1 || stale[0].SessionID != "a-1" {
		t.Fatalf("stale = %+v %v", stale, err)
	}
	d, err := nodeB.Depart(ctx, roomA, "a-1", lowerHand)
	if err != nil || !d.Last || !d.Applied {
		t.Fatalf("reaping alice: %+v %v", d, err)
	}
	if st, _ := nodeB.GetRoom(ctx, roomA); st.IsQueued("alice") {
		t.Error("dead node's identity must release its queue slot")
	}
	if stale, _ = nodeB.Stale(ctx, roomA); len(stale) != 0 {
		t.Errorf("stale after reap = %+v", stale)
	}
}

func TestHeartbeatKeepsNodeLive(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s := NewRedisStore(newRedisClient(t, mr), Options{NodeID: "node-a", NodeTTL: 15 * time.Second})
	_, _ = s.AddMember(ctx, roomA, domain.Member{SessionID: "a-1", User: domain.Identity{ID: "alice"}})

	for i := 0; i < 10; i++ {
		mr.FastForward(10 * time.Second)
		if err := s.Beat(ctx); err != nil {
			t.Fatalf("beat: %v", err)
		}
	}
	if ms, _ := s.Members(ctx, roomA); len(ms) != 1 {
		t.Errorf("beating node lost its presence: %+v", ms)
	}
	if ttl := mr.TTL("watchroom:node:node-a"); ttl <= 0 || ttl > 15*time.Second {
		t.Errorf("node key ttl = %s", ttl)
	}
}
