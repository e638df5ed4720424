// Package telemetry keeps a bounded-read log of committed room commands for
// the owner-facing events endpoint.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dkeye/WatchRoom/internal/domain"
)

const (
	MinLimit     = 50
	MaxLimit     = 500
	DefaultLimit = MinLimit
)

type Event struct {
	ID     uint      `gorm:"primarykey" json:"id"`
	RoomID string    `gorm:"size:36;index:idx_room_at,priority:1;not null" json:"roomId"`
	Kind   string    `gorm:"size:32;not null" json:"type"`
	Actor  string    `gorm:"size:64" json:"actor"`
	At     time.Time `gorm:"index:idx_room_at,priority:2" json:"at"`
}

func AutoMigrate(db *gorm.DB) error { return db.AutoMigrate(&Event{}) }

// ClampLimit applies the endpoint's result bounds.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n < MinLimit:
		return MinLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

type Recent struct {
	Events []Event          `json:"events"`
	Counts map[string]int64 `json:"counts"`
}

// Log records events asynchronously so the command path never waits on SQL.
type Log struct {
	db  *gorm.DB
	now func() time.Time
	ch  chan Event

	once sync.Once
	done chan struct{}
	mu   sync.RWMutex
	shut bool
}

func NewLog(db *gorm.DB, buffer int) *Log {
	if buffer <= 0 {
		buffer = 1024
	}
	l := &Log{db: db, now: time.Now, ch: make(chan Event, buffer), done: make(chan struct{})}
	go l.run()
	return l
}

// Record satisfies orch.EventSink. Events are dropped when the buffer is full.
func (l *Log) Record(room domain.RoomID, kind string, actor domain.UserID) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.shut {
		return
	}
	select {
	case l.ch <- Event{RoomID: string(room), Kind: kind, Actor: string(actor), At: l.now().UTC()}:
	default:
		log.Warn().Str("module", "telemetry").Str("room", string(room)).Msg("event buffer full, dropping")
	}
}

func (l *Log) run() {
	defer close(l.done)
	for ev := range l.ch {
		if err := l.db.Create(&ev).Error; err != nil {
			log.Error().Err(err).Str("module", "telemetry").Str("room", ev.RoomID).Msg("persist event")
		}
	}
}

// Close flushes buffered events.
func (l *Log) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.shut = true
		close(l.ch)
		l.mu.Unlock()
	})
	<-l.done
}

// Recent returns the newest events of a room and per-type totals.
func (l *Log) Recent(ctx context.Context, room domain.RoomID, limit int) (Recent, error) {
	limit = ClampLimit(limit)
	out := Recent{Events: []Event{}, Counts: map[string]int64{}}

	db := l.db.WithContext(ctx)
	if err := db.Where("room_id = ?", string(room)).Order("at DESC, id DESC").Limit(limit).Find(&out.Events).Error; err != nil {
		return Recent{}, fmt.Errorf("%w: recent events: %v", domain.ErrStoreUnavailable, err)
	}

	var rows []struct {
		Kind  string
		Total int64
	}
	if err := db.Model(&Event{}).Select("kind, count(*) as total").Where("room_id = ?", string(room)).Group("kind").Scan(&rows).Error; err != nil {
		return Recent{}, fmt.Errorf("%w: event counts: %v", domain.ErrStoreUnavailable, err)
	}
	for _, r := range rows {
		out.Counts[r.Kind] = r.Total
	}
	return out, nil
}
