package core

import "github.com/dkeye/WatchRoom/internal/domain"

// Verifier validates a bearer credential. Pure: no side effects.
type Verifier interface {
	Verify(credential string) (domain.Identity, error)
}
