// Package heuristic defines the core data model for learned rules.
//
// A Heuristic is a condition-effect pair: the condition is text plus a
// fixed-dimension embedding, the effect is an opaque action payload. Each
// heuristic carries a Bayesian confidence derived from magnitude-weighted
// fire and success counts:
//
//	confidence = (1 + success_count) / (2 + fire_count)
//
// The Beta(1,1) prior means a fresh heuristic sits at 0.5 and a learned one
// is seeded down to 0.3 so it must earn trust through fires.
//
// The package also defines the supporting records that flow around a
// heuristic's lifecycle:
//   - HistoryRecord: append-only modification log entries (event sourcing;
//     the heuristic row is the materialized view).
//   - Fire: one instance of a heuristic winning the match competition,
//     updated once to a terminal outcome.
//   - FeedbackSignal: an interpreted observation handed to the confidence
//     updater.
package heuristic
