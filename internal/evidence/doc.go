// Package evidence is the risk evidence model. It turns one source's
// EvidenceRecord into a RiskVerdict using fixed, quotable rules, and collects
// records from injected providers. Nothing in this package decides whether to
// dispatch; that belongs to package gate.
package evidence
