// Package dispatch is the dispatch executor around the gate. It defines the
// Service (evidence collection, decision lifecycle, guarded notification),
// the Store interface (attempts and the append-only decision log), the
// dispatch Guard and domain models.
package dispatch
