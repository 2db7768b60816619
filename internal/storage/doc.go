// Package storage keeps an append-only audit of publish attempts.
//
// Records carry the inputs and the outcome of each attempt, never the
// projection values, and nothing in projcast reads them back: the live
// projection is memory-only. Drivers:
//   - file:   <prefix>.audit.jsonl (JSON Lines)
//   - sqlite: one table, WAL journal, single connection
package storage
