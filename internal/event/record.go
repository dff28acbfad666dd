package event

import (
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Kind distinguishes caller events from session boundary pseudo-events.
type Kind string

const (
	// KindEvent is a named event recorded by the host application.
	KindEvent Kind = "event"
	// KindSessionEnd is the pseudo-event enqueued when a session ends.
	KindSessionEnd Kind = "session_end"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	return k == KindEvent || k == KindSessionEnd
}

// AllCategory is the reserved category implied when none is given.
const AllCategory = "all"

// SessionEndKey is the key carried by session end records.
const SessionEndKey = "_session_end"

// Record is a single queued item. Seq is zero until the store assigns it.
type Record struct {
	Seq        int64
	Kind       Kind
	Key        string
	Categories []string
	Parameters Parameters
	Timestamp  time.Time

	// Session fields are only set on KindSessionEnd records.
	SessionStart    time.Time
	SessionDuration time.Duration
}

// IsSessionEnd reports whether r closes a session.
func (r Record) IsSessionEnd() bool {
	return r.Kind == KindSessionEnd
}

// Truncate normalizes a wall-clock time to the precision records keep.
func Truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// NormalizeName trims and NFC-normalizes an event key or category name.
// Invalid UTF-8 is replaced with U+FFFD.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(strings.ToValidUTF8(s, string(utf8.RuneError))))
}

// NormalizeCategories returns the ordered category set for a record.
// Blank names are skipped, duplicates keep their first position, and an
// empty result becomes the reserved "all" category.
func NormalizeCategories(categories []string) []string {
	out := make([]string, 0, len(categories))
	seen := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		name := NormalizeName(c)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return []string{AllCategory}
	}
	return out
}
