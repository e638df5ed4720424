package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkeye/WatchRoom/internal/domain"
)

// Persister is the durable fallback behind the shared key space.
type Persister interface {
	Save(ctx context.Context, st domain.RoomState) error
	Load(ctx context.Context, id domain.RoomID) (domain.RoomState, bool, error)
}

// RoomRecord is the SQL row holding the last committed room state.
type RoomRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	State     string `gorm:"type:text;not null"`
	Version   int64  `gorm:"not null"`
	UpdatedAt time.Time
}

type SQLPersister struct {
	db *gorm.DB
}

func NewSQLPersister(db *gorm.DB) *SQLPersister { return &SQLPersister{db: db} }

func AutoMigrate(db *gorm.DB) error { return db.AutoMigrate(&RoomRecord{}) }

// Save upserts st unless a newer version is already stored.
func (p *SQLPersister) Save(ctx context.Context, st domain.RoomState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", st.ID, err)
	}
	rec := RoomRecord{ID: string(st.ID), State: string(b), Version: st.Version}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "version", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "room_records.version < excluded.version"},
		}},
	}).Create(&rec).Error
}

func (p *SQLPersister) Load(ctx context.Context, id domain.RoomID) (domain.RoomState, bool, error) {
	var rec RoomRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.RoomState{}, false, nil
	}
	if err != nil {
		return domain.RoomState{}, false, err
	}
	var st domain.RoomState
	if err := json.Unmarshal([]byte(rec.State), &st); err != nil {
		return domain.RoomState{}, false, fmt.Errorf("decode room %s: %w", id, err)
	}
	return st, true, nil
}

// WriteBehind persists commits off the command path. A full buffer drops the
// write; the next commit for the room carries a newer version anyway.
type WriteBehind struct {
	p       Persister
	ch      chan domain.RoomState
	done    chan struct{}
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func NewWriteBehind(p Persister, buffer int) *WriteBehind {
	if buffer <= 0 {
		buffer = 256
	}
	w := &WriteBehind{
		p:       p,
		ch:      make(chan domain.RoomState, buffer),
		done:    make(chan struct{}),
		timeout: 2 * time.Second,
	}
	go w.run()
	return w
}

func (w *WriteBehind) Load(ctx context.Context, id domain.RoomID) (domain.RoomState, bool, error) {
	st, ok, err := w.p.Load(ctx, id)
	if err != nil {
		return domain.RoomState{}, false, fmt.Errorf("%w: durable load %s: %v", domain.ErrStoreUnavailable, id, err)
	}
	return st, ok, nil
}

func (w *WriteBehind) Enqueue(st domain.RoomState) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- st:
	default:
		log.Warn().Str("module", "store.durable").Str("room", string(st.ID)).Int64("version", st.Version).Msg("write-behind buffer full, dropping")
	}
}

func (w *WriteBehind) run() {
	defer close(w.done)
	for st := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.p.Save(ctx, st); err != nil {
			log.Error().Err(err).Str("module", "store.durable").Str("room", string(st.ID)).Msg("persist room")
		}
		cancel()
	}
}

// Close flushes pending writes.
func (w *WriteBehind) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	<-w.done
}
