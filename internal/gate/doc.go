// Package gate is the dispatch gate: the only component allowed to
// authorize an evacuation alert. Evaluate is pure and never fails.
package gate
