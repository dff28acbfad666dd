// Package event defines the queued record model shared by the recorder,
// the durable queue store and the flush dispatcher.
//
// This package imports nothing internal. Every other internal package
// that touches records depends on it, which keeps the record shape and
// the wire encoding in one place.
//
// Key constraints:
//   - Records are immutable once the store has assigned a seq
//   - Parameter values are scalars only: string, bool, int64, float64
//   - Keys and category names are NFC normalized before storage
//   - Timestamps carry millisecond precision so they survive storage unchanged
//   - All JSON on the wire is canonical: sorted keys, no HTML escaping
package event
