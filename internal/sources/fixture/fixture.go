// Package fixture serves evidence from a static YAML table. It backs local
// runs, demos and tests; production deployments put live feeds in front of it.
package fixture

import (
	"bytes"
	_ "embed"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

//go:embed default.yaml
var defaultTable []byte

type file struct {
	Records []evidence.Record `yaml:"records"`
}

// Table is a parsed fixture: one provider per source_id, in first-seen order.
type Table struct {
	providers []*Provider
	locations []string
}

// Provider serves one source's records from a fixture table.
type Provider struct {
	id       string
	category evidence.Category
	byLoc    map[string]evidence.Record
}

// Default returns the table compiled into the binary.
func Default() (*Table, error) {
	return Parse(defaultTable)
}

// Load reads a fixture table from path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied fixture path
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a fixture table. Every record needs a source_id, a known
// category and a location; a source may not change category between records
// or list the same location twice.
func Parse(data []byte) (*Table, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}

	t := &Table{}
	byID := make(map[string]*Provider)
	seenLoc := make(map[string]bool)

	for i, rec := range f.Records {
		if rec.SourceID == "" {
			return nil, fmt.Errorf("record %d: source_id is required", i)
		}
		if !rec.Category.Valid() {
			return nil, fmt.Errorf("record %d (%s): unknown category %q", i, rec.SourceID, rec.Category)
		}
		loc := evidence.CleanLocation(rec.Location)
		if loc == "" {
			return nil, fmt.Errorf("record %d (%s): location is required", i, rec.SourceID)
		}
		rec.Location = loc

		p, ok := byID[rec.SourceID]
		if !ok {
			p = &Provider{id: rec.SourceID, category: rec.Category, byLoc: make(map[string]evidence.Record)}
			byID[rec.SourceID] = p
			t.providers = append(t.providers, p)
		}
		if p.category != rec.Category {
			return nil, fmt.Errorf("record %d (%s): category %q conflicts with earlier %q", i, rec.SourceID, rec.Category, p.category)
		}

		key := locationKey(loc)
		if _, dup := p.byLoc[key]; dup {
			return nil, fmt.Errorf("record %d (%s): duplicate location %q", i, rec.SourceID, loc)
		}
		p.byLoc[key] = rec

		if !seenLoc[key] {
			seenLoc[key] = true
			t.locations = append(t.locations, loc)
		}
	}

	sort.Strings(t.locations)
	return t, nil
}

// ApplyFreshness sets d as the freshness limit of every record that carries
// none of its own. Zero or negative d leaves the table unchanged.
func (t *Table) ApplyFreshness(d time.Duration) {
	if d <= 0 {
		return
	}
	for _, p := range t.providers {
		for k, rec := range p.byLoc {
			if rec.Freshness == 0 {
				rec.Freshness = evidence.Duration(d)
				p.byLoc[k] = rec
			}
		}
	}
}

// Providers returns one evidence provider per source in the table.
func (t *Table) Providers() []evidence.Provider {
	out := make([]evidence.Provider, 0, len(t.providers))
	for _, p := range t.providers {
		out = append(out, p)
	}
	return out
}

// Provider returns the provider for a source ID.
func (t *Table) Provider(id string) (*Provider, bool) {
	for _, p := range t.providers {
		if p.id == id {
			return p, true
		}
	}
	return nil, false
}

// Locations lists every location any source reports on, sorted.
func (t *Table) Locations() []string {
	return slices.Clone(t.locations)
}

// Records returns every record for location across all sources, in source
// order. The match is case-insensitive.
func (t *Table) Records(location string) []evidence.Record {
	var out []evidence.Record
	for _, p := range t.providers {
		if rec, ok := p.lookup(location); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (p *Provider) SourceID() string            { return p.id }
func (p *Provider) Category() evidence.Category { return p.category }

// Fetch returns the record for location, if the table has one.
func (p *Provider) Fetch(ctx context.Context, location string) (evidence.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return evidence.Record{}, false, err
	}
	rec, ok := p.lookup(location)
	return rec, ok, nil
}

func (p *Provider) lookup(location string) (evidence.Record, bool) {
	rec, ok := p.byLoc[locationKey(location)]
	if !ok {
		return evidence.Record{}, false
	}
	rec.Highlights = slices.Clone(rec.Highlights)
	return rec, true
}

// CanonicalLocation returns the table's spelling of location.
func (p *Provider) CanonicalLocation(location string) (string, bool) {
	rec, ok := p.byLoc[locationKey(location)]
	if !ok {
		return "", false
	}
	return rec.Location, true
}

func locationKey(s string) string {
	return evidence.LocationKey(s)
}
