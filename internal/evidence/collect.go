package evidence

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Provider supplies evidence records for a location. Implementations may be
// fixtures, caches or live feeds; the gate never knows which.
type Provider interface {
	SourceID() string
	Category() Category

	// Fetch returns the latest record for location. found=false means the
	// source has nothing for that location, which is not an error.
	Fetch(ctx context.Context, location string) (rec Record, found bool, err error)
}

// Collect fetches from every provider concurrently and assesses each record.
// Verdicts come back in provider order. A provider error or a missing record
// becomes a no-evidence verdict; Collect itself never fails.
func Collect(ctx context.Context, location string, asOf time.Time, providers ...Provider) []Verdict {
	verdicts := make([]Verdict, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			verdicts[i] = fetchOne(gctx, p, location, asOf)
			return nil
		})
	}
	_ = g.Wait()

	return verdicts
}

// UnavailableRationale prefixes the rationale of a verdict whose provider
// returned an error.
const UnavailableRationale = "no evidence: source unavailable"

// Unavailable reports whether v stands in for a provider error.
func Unavailable(v Verdict) bool {
	return !v.HasEvidence() && strings.HasPrefix(v.Rationale, UnavailableRationale)
}

func fetchOne(ctx context.Context, p Provider, location string, asOf time.Time) Verdict {
	rec, found, err := p.Fetch(ctx, location)
	if err != nil {
		v := NoEvidence(p.SourceID(), p.Category(), location)
		v.Rationale = UnavailableRationale + " (" + Printable(err.Error()) + ")"
		return v
	}
	if !found {
		return NoEvidence(p.SourceID(), p.Category(), location)
	}

	// the provider is authoritative for identity fields
	rec.SourceID = p.SourceID()
	rec.Category = p.Category()
	if rec.Location == "" {
		rec.Location = location
	}
	return Assess(rec, asOf)
}
