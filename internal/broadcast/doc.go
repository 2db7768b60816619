// Package broadcast is the state-broadcast engine: a single-value Store, a
// generation-counting Notifier that wakes every parked waiter on write, the
// Publisher write path, and one Session delivery loop per connected reader.
//
// Contract:
//   - Publish never blocks on readers.
//   - Every Session eventually observes the latest Store value; intermediate
//     writes may be collapsed.
//   - A Session only delivers when the snapshot content changed.
//   - A transport failure ends only the Session that saw it.
package broadcast
