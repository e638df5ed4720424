// Package ratelimit implements token-bucket admission keyed by
// (identity, action class).
package ratelimit

import (
	"math"
	"time"

	"github.com/dkeye/WatchRoom/internal/domain"
)

type Class string

const (
	ClassJoin     Class = "join"
	ClassChat     Class = "chat"
	ClassPlayback Class = "playback"
	ClassRoles    Class = "roles"
	ClassHand     Class = "hand"
	ClassSignal   Class = "signal"
)

// Rule is one bucket shape.
type Rule struct {
	Capacity     float64 `mapstructure:"capacity"`
	RefillPerSec float64 `mapstructure:"refill_per_sec"`
}

type Rules map[Class]Rule

func DefaultRules() Rules {
	return Rules{
		ClassJoin:     {Capacity: 5, RefillPerSec: 0.5},
		ClassChat:     {Capacity: 5, RefillPerSec: 0.5},
		ClassPlayback: {Capacity: 10, RefillPerSec: 2},
		ClassRoles:    {Capacity: 5, RefillPerSec: 1},
		ClassHand:     {Capacity: 3, RefillPerSec: 0.2},
		ClassSignal:   {Capacity: 60, RefillPerSec: 30},
	}
}

// Key builds the bucket key for an identity and class.
func Key(class Class, user domain.UserID) string {
	return "rl:" + string(class) + ":" + string(user)
}

// bucketTTL keeps a bucket long enough to refill fully, twice over.
// Buckets that never refill live for an hour.
func bucketTTL(capacity, refill float64) time.Duration {
	if refill <= 0 {
		return time.Hour
	}
	ttl := time.Duration(math.Ceil(capacity/refill*2)) * time.Second
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// step is the shared bucket arithmetic. tokens/lastMs are the stored state,
// ok=false means no bucket exists yet.
func step(tokens float64, lastMs int64, ok bool, nowMs int64, capacity, refill float64) (float64, bool, time.Duration) {
	if !ok {
		tokens, lastMs = capacity, nowMs
	}
	elapsed := float64(max(nowMs-lastMs, 0)) / 1000
	tokens = math.Min(capacity, tokens+elapsed*refill)
	if tokens < 1 {
		if refill <= 0 {
			return tokens, false, bucketTTL(capacity, refill)
		}
		ms := math.Ceil((1 - tokens) / refill * 1000)
		return tokens, false, time.Duration(ms) * time.Millisecond
	}
	return tokens - 1, true, 0
}
