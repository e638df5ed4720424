package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

const maxTxRetries = 100

func stateKey(id domain.RoomID) string   { return "watchroom:room:" + string(id) + ":state" }
func membersKey(id domain.RoomID) string { return "watchroom:room:" + string(id) + ":members" }
func chatKey(id domain.RoomID) string    { return "watchroom:room:" + string(id) + ":chat" }
func nodeKey(node string) string         { return "watchroom:node:" + node }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

// RedisStore keeps rooms in a shared Redis so any process can serve any room.
// Mutations are optimistic transactions: WATCH the state key, apply in Go,
// MULTI/EXEC the result, retry when another writer got there first.
type RedisStore struct {
	rdb  redis.UniversalClient
	opts Options
}

func NewRedisStore(rdb redis.UniversalClient, opts Options) *RedisStore {
	return &RedisStore{rdb: rdb, opts: opts.withDefaults()}
}

func decodeState(raw string) (domain.RoomState, error) {
	var st domain.RoomState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return domain.RoomState{}, unavailable("decode state", err)
	}
	return st, nil
}

func (s *RedisStore) seed(ctx context.Context, id domain.RoomID) (domain.RoomState, error) {
	if s.opts.Durable != nil {
		st, ok, err := s.opts.Durable.Load(ctx, id)
		if err != nil {
			return domain.RoomState{}, err
		}
		if ok {
			return st, nil
		}
	}
	return domain.NewRoomState(id, s.opts.SpeakerCapacity), nil
}

func (s *RedisStore) GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomState, error) {
	key := stateKey(id)
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		return decodeState(raw)
	}
	if !errors.Is(err, redis.Nil) {
		return domain.RoomState{}, unavailable("get room", err)
	}

	st, err := s.seed(ctx, id)
	if err != nil {
		return domain.RoomState{}, err
	}
	b, _ := json.Marshal(st)
	created, err := s.rdb.SetNX(ctx, key, b, 0).Result()
	if err != nil {
		return domain.RoomState{}, unavailable("create room", err)
	}
	if !created {
		// Another process created it between GET and SETNX.
		raw, err = s.rdb.Get(ctx, key).Result()
		if err != nil {
			return domain.RoomState{}, unavailable("get room", err)
		}
		return decodeState(raw)
	}
	return st, nil
}

// load reads the room inside a transaction, seeding it when absent.
func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, id domain.RoomID) (domain.RoomState, error) {
	raw, err := tx.Get(ctx, stateKey(id)).Result()
	switch {
	case err == nil:
		return decodeState(raw)
	case errors.Is(err, redis.Nil):
		return s.seed(ctx, id)
	default:
		return domain.RoomState{}, unavailable("load state", err)
	}
}

// watch runs txf as an optimistic transaction over keys, retrying when a
// concurrent writer invalidates the read.
func (s *RedisStore) watch(ctx context.Context, op string, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case domain.IsRejection(err), errors.Is(err, domain.ErrStoreUnavailable):
			return err
		default:
			return unavailable(op, err)
		}
	}
	return unavailable(op, errors.New("write contention"))
}

func (s *RedisStore) Apply(ctx context.Context, id domain.RoomID, m domain.Mutation) (domain.RoomState, error) {
	_, next, err := s.Transition(ctx, id, m)
	return next, err
}

func (s *RedisStore) Transition(ctx context.Context, id domain.RoomID, m domain.Mutation) (domain.RoomState, domain.RoomState, error) {
	key := stateKey(id)
	var prev, out domain.RoomState
	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := commit(cur, m)
		if err != nil {
			return err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return unavailable("encode state", err)
		}
		if _, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			return nil
		}); err != nil {
			return err
		}
		prev, out = cur, next
		return nil
	}
	if err := s.watch(ctx, "apply "+m.Name(), txf, key); err != nil {
		return domain.RoomState{}, domain.RoomState{}, err
	}
	if s.opts.Durable != nil {
		s.opts.Durable.Enqueue(out)
	}
	return prev, out, nil
}

// Beat refreshes this node's liveness key. Presence written by a node whose
// key has expired no longer counts as live.
func (s *RedisStore) Beat(ctx context.Context) error {
	if err := s.rdb.Set(ctx, nodeKey(s.opts.NodeID), time.Now().UnixMilli(), s.opts.NodeTTL).Err(); err != nil {
		return unavailable("heartbeat", err)
	}
	return nil
}

// Heartbeat beats every third of the node TTL until ctx is done.
func (s *RedisStore) Heartbeat(ctx context.Context) error {
	if err := s.Beat(ctx); err != nil {
		log.Warn().Err(err).Str("module", "store.redis").Str("node", s.opts.NodeID).Msg("heartbeat failed")
	}
	t := time.NewTicker(s.opts.NodeTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.Beat(ctx); err != nil {
				log.Warn().Err(err).Str("module", "store.redis").Str("node", s.opts.NodeID).Msg("heartbeat failed")
			}
		}
	}
}

type existser interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// split decodes a members hash into entries of live nodes and entries of
// nodes whose heartbeat lapsed.
func split(ctx context.Context, c existser, all map[string]string) (live, stale []domain.Member, err error) {
	alive := make(map[string]bool)
	for _, raw := range all {
		var m domain.Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		ok, seen := alive[m.Node]
		if !seen {
			n, err := c.Exists(ctx, nodeKey(m.Node)).Result()
			if err != nil {
				return nil, nil, unavailable("node liveness", err)
			}
			ok = n == 1
			alive[m.Node] = ok
		}
		if ok {
			live = append(live, m)
		} else {
			stale = append(stale, m)
		}
	}
	byJoin := func(ms []domain.Member) {
		sort.Slice(ms, func(i, j int) bool { return ms[i].JoinedAtMs < ms[j].JoinedAtMs })
	}
	byJoin(live)
	byJoin(stale)
	return live, stale, nil
}

func (s *RedisStore) presence(ctx context.Context, id domain.RoomID) (live, stale []domain.Member, err error) {
	all, err := s.rdb.HGetAll(ctx, membersKey(id)).Result()
	if err != nil {
		return nil, nil, unavailable("members", err)
	}
	return split(ctx, s.rdb, all)
}

func (s *RedisStore) AddMember(ctx context.Context, id domain.RoomID, m domain.Member) (int, error) {
	m.Node = s.opts.NodeID
	b, err := json.Marshal(m)
	if err != nil {
		return 0, unavailable("encode member", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, nodeKey(m.Node), time.Now().UnixMilli(), s.opts.NodeTTL)
		p.HSet(ctx, membersKey(id), m.SessionID, b)
		return nil
	})
	if err != nil {
		return 0, unavailable("add member", err)
	}
	live, _, err := s.presence(ctx, id)
	return len(live), err
}

func (s *RedisStore) RemoveMember(ctx context.Context, id domain.RoomID, sid string) (int, error) {
	if err := s.rdb.HDel(ctx, membersKey(id), sid).Err(); err != nil {
		return 0, unavailable("remove member", err)
	}
	live, _, err := s.presence(ctx, id)
	return len(live), err
}

func (s *RedisStore) Depart(ctx context.Context, id domain.RoomID, sid string, onLast core.OnLastSession) (core.Departure, error) {
	sk, mk := stateKey(id), membersKey(id)
	var out core.Departure
	txf := func(tx *redis.Tx) error {
		var d core.Departure
		all, err := tx.HGetAll(ctx, mk).Result()
		if err != nil {
			return unavailable("members", err)
		}
		raw, found := all[sid]
		delete(all, sid)
		live, _, err := split(ctx, tx, all)
		if err != nil {
			return err
		}
		d.Members = len(live)
		if !found {
			out = d
			return nil
		}
		if err := json.Unmarshal([]byte(raw), &d.Member); err != nil {
			return unavailable("decode member", err)
		}
		d.Found = true
		d.Last = !slices.ContainsFunc(live, func(m domain.Member) bool { return m.User.ID == d.Member.User.ID })

		var state []byte
		if d.Last && onLast != nil {
			cur, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			d.Prev, d.Next = cur, cur
			if m := onLast(cur, d.Member.User.ID); m != nil {
				next, err := commit(cur, m)
				if err != nil {
					return err
				}
				if state, err = json.Marshal(next); err != nil {
					return unavailable("encode state", err)
				}
				d.Next, d.Applied = next, true
			}
		}
		if _, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, mk, sid)
			if state != nil {
				p.Set(ctx, sk, state, 0)
			}
			return nil
		}); err != nil {
			return err
		}
		out = d
		return nil
	}
	// Watching the roster aborts the removal when the same identity
	// reconnects concurrently.
	if err := s.watch(ctx, "depart", txf, sk, mk); err != nil {
		return core.Departure{}, err
	}
	if out.Applied && s.opts.Durable != nil {
		s.opts.Durable.Enqueue(out.Next)
	}
	return out, nil
}

func (s *RedisStore) Members(ctx context.Context, id domain.RoomID) ([]domain.Member, error) {
	live, _, err := s.presence(ctx, id)
	return live, err
}

func (s *RedisStore) Stale(ctx context.Context, id domain.RoomID) ([]domain.Member, error) {
	_, stale, err := s.presence(ctx, id)
	return stale, err
}

func (s *RedisStore) AppendChat(ctx context.Context, msg domain.ChatMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return unavailable("encode chat", err)
	}
	key := chatKey(msg.RoomID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, b)
		p.LTrim(ctx, key, int64(-s.opts.ChatHistory), -1)
		return nil
	})
	if err != nil {
		return unavailable("append chat", err)
	}
	return nil
}

func (s *RedisStore) RecentChat(ctx context.Context, id domain.RoomID, n int) ([]domain.ChatMessage, error) {
	if n <= 0 || n > s.opts.ChatHistory {
		n = s.opts.ChatHistory
	}
	raws, err := s.rdb.LRange(ctx, chatKey(id), int64(-n), -1).Result()
	if err != nil {
		return nil, unavailable("recent chat", err)
	}
	out := make([]domain.ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var m domain.ChatMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
