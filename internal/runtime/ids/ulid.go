// Package ids generates task, publication and registration identifiers.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// generator hands out ULIDs that increase strictly within the process, even
// when several are drawn in the same millisecond.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newGenerator() *generator {
	return &generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *generator) next(now time.Time) ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), g.entropy)
}

var tasks = newGenerator()

// CreateULID returns a 26-character ULID. Task and correlation IDs use it so
// brokers and logs sort them by creation time.
func CreateULID() string {
	return tasks.next(time.Now()).String()
}

// NewRegistrationID returns a random identifier for a handler registration.
func NewRegistrationID() string {
	return uuid.NewString()
}
