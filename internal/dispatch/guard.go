package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

// Guard makes sure an approval for a location triggers at most one external
// side effect inside a window. Acquire returns acquired=false and the
// fingerprint of the current holder when the location is already claimed.
// Locations are compared by evidence.LocationKey.
type Guard interface {
	Acquire(ctx context.Context, location, fingerprint string, window time.Duration) (acquired bool, holder string, err error)
	Release(ctx context.Context, location, fingerprint string) error
}

type claim struct {
	fingerprint string
	expires     time.Time
}

// MemGuard is an in-process Guard. Suitable for a single replica.
type MemGuard struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

// NewMemGuard returns an empty MemGuard.
func NewMemGuard() *MemGuard {
	return &MemGuard{claims: make(map[string]claim), now: time.Now}
}

// Acquire claims location for window unless an unexpired claim exists.
func (g *MemGuard) Acquire(_ context.Context, location, fingerprint string, window time.Duration) (bool, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	location = evidence.LocationKey(location)
	now := g.now()
	if c, ok := g.claims[location]; ok && now.Before(c.expires) {
		return false, c.fingerprint, nil
	}

	// sweep expired claims so the map does not grow with every location ever seen
	for loc, c := range g.claims {
		if !now.Before(c.expires) {
			delete(g.claims, loc)
		}
	}

	g.claims[location] = claim{fingerprint: fingerprint, expires: now.Add(window)}
	return true, "", nil
}

// Release drops the claim if it is still held by fingerprint.
func (g *MemGuard) Release(_ context.Context, location, fingerprint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	location = evidence.LocationKey(location)
	if c, ok := g.claims[location]; ok && c.fingerprint == fingerprint {
		delete(g.claims, location)
	}
	return nil
}
