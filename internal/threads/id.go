package threads

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDProvider produces client-side identifiers for threads and messages that have not reached the server.
type IDProvider interface {
	NewID() (string, error)
}

// ULIDProvider issues lexicographically sortable ids, monotonic within the same millisecond.
type ULIDProvider struct {
	mu      sync.Mutex
	clock   func() time.Time
	entropy *ulid.MonotonicEntropy
}

func NewULIDProvider(clock func() time.Time) *ULIDProvider {
	if clock == nil {
		clock = time.Now
	}
	return &ULIDProvider{clock: clock, entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (p *ULIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(p.clock()), p.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
