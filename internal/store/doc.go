// Package store provides the SQLite-backed durable queue of pending
// records.
//
// The store is an ordered, append-only queue with:
//   - Records: pending events and session end records, keyed by seq
//   - Counters: the persisted sequence counter
//   - Meta: small facts that survive restarts (the device uuid)
//
// # Invariants
//
// Sequence numbers come from the persisted counter, incremented in the
// same transaction as the insert. They are unique and strictly increasing
// across restarts and are never reused after an acknowledge.
//
// A record leaves the queue only through Acknowledge (the transport
// confirmed the batch holding it) or through cap eviction. Eviction drops
// the oldest records first but never touches the batch currently leased
// to the dispatcher.
//
// All ordering uses seq, never timestamps.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - One open connection, plus a Go mutex serializing every operation
package store
