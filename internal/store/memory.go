package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

type memRoom struct {
	mu      sync.Mutex
	state   domain.RoomState
	members map[string]domain.Member
	chat    []domain.ChatMessage
}

// MemoryStore keeps rooms in process memory behind a per-room mutex.
// Correct only for a single server process.
type MemoryStore struct {
	opts  Options
	mu    sync.RWMutex
	rooms map[domain.RoomID]*memRoom
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults(), rooms: make(map[domain.RoomID]*memRoom)}
}

func (s *MemoryStore) room(ctx context.Context, id domain.RoomID) (*memRoom, error) {
	s.mu.RLock()
	r, ok := s.rooms[id]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}

	seed := domain.NewRoomState(id, s.opts.SpeakerCapacity)
	if s.opts.Durable != nil {
		st, found, err := s.opts.Durable.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			seed = st
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rooms[id]; ok {
		return r, nil
	}
	r = &memRoom{state: seed, members: make(map[string]domain.Member)}
	s.rooms[id] = r
	return r, nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomState, error) {
	r, err := s.room(ctx, id)
	if err != nil {
		return domain.RoomState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone(), nil
}

func (s *MemoryStore) Apply(ctx context.Context, id domain.RoomID, m domain.Mutation) (domain.RoomState, error) {
	_, next, err := s.Transition(ctx, id, m)
	return next, err
}

func (s *MemoryStore) Transition(ctx context.Context, id domain.RoomID, m domain.Mutation) (domain.RoomState, domain.RoomState, error) {
	r, err := s.room(ctx, id)
	if err != nil {
		return domain.RoomState{}, domain.RoomState{}, err
	}
	r.mu.Lock()
	prev := r.state.Clone()
	next, err := commit(r.state, m)
	if err == nil {
		r.state = next
	}
	r.mu.Unlock()
	if err != nil {
		return domain.RoomState{}, domain.RoomState{}, err
	}
	if s.opts.Durable != nil {
		s.opts.Durable.Enqueue(next)
	}
	return prev, next.Clone(), nil
}

func (s *MemoryStore) AddMember(ctx context.Context, id domain.RoomID, m domain.Member) (int, error) {
	r, err := s.room(ctx, id)
	if err != nil {
		return 0, err
	}
	m.Node = s.opts.NodeID
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.SessionID] = m
	return len(r.members), nil
}

func (s *MemoryStore) RemoveMember(ctx context.Context, id domain.RoomID, sid string) (int, error) {
	r, err := s.room(ctx, id)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sid)
	return len(r.members), nil
}

func (s *MemoryStore) Depart(ctx context.Context, id domain.RoomID, sid string, onLast core.OnLastSession) (core.Departure, error) {
	r, err := s.room(ctx, id)
	if err != nil {
		return core.Departure{}, err
	}
	r.mu.Lock()
	d := core.Departure{Prev: r.state.Clone()}
	d.Next = d.Prev
	d.Member, d.Found = r.members[sid]
	if !d.Found {
		d.Members = len(r.members)
		r.mu.Unlock()
		return d, nil
	}
	d.Last = true
	for other, m := range r.members {
		if other != sid && m.User.ID == d.Member.User.ID {
			d.Last = false
			break
		}
	}
	if d.Last && onLast != nil {
		if m := onLast(r.state, d.Member.User.ID); m != nil {
			next, err := commit(r.state, m)
			if err != nil {
				r.mu.Unlock()
				return core.Departure{}, err
			}
			r.state = next
			d.Next, d.Applied = next.Clone(), true
		}
	}
	delete(r.members, sid)
	d.Members = len(r.members)
	r.mu.Unlock()
	if d.Applied && s.opts.Durable != nil {
		s.opts.Durable.Enqueue(d.Next)
	}
	return d, nil
}

// Stale is always empty: every entry belongs to this process.
func (s *MemoryStore) Stale(context.Context, domain.RoomID) ([]domain.Member, error) {
	return nil, nil
}

func (s *MemoryStore) Members(ctx context.Context, id domain.RoomID) ([]domain.Member, error) {
	r, err := s.room(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	out := make([]domain.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAtMs < out[j].JoinedAtMs })
	return out, nil
}

func (s *MemoryStore) AppendChat(ctx context.Context, msg domain.ChatMessage) error {
	r, err := s.room(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat = append(r.chat, msg)
	if over := len(r.chat) - s.opts.ChatHistory; over > 0 {
		r.chat = append(r.chat[:0:0], r.chat[over:]...)
	}
	return nil
}

func (s *MemoryStore) RecentChat(ctx context.Context, id domain.RoomID, n int) ([]domain.ChatMessage, error) {
	r, err := s.room(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.chat) {
		n = len(r.chat)
	}
	return append([]domain.ChatMessage(nil), r.chat[len(r.chat)-n:]...), nil
}
