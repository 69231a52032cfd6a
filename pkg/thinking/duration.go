package thinking

import "time"

// Entry is one timestamped transcript line considered for duration
// measurement. Any timestamped entry can serve as the predecessor of a
// reasoning entry.
type Entry struct {
	// Timestamp is zero when the source line carried none.
	Timestamp time.Time

	// HasReasoning marks assistant entries containing a reasoning block.
	HasReasoning bool
}

// Durations computes the visible thinking time for each entry, in
// milliseconds. The result has one element per input entry; non-reasoning
// entries and entries whose duration cannot be measured get nil.
//
// The duration of a reasoning entry is the gap between its timestamp and the
// timestamp of the nearest preceding entry that has one, of any kind. A
// reasoning entry with no timestamped predecessor, or no timestamp of its
// own, gets nil. Negative gaps (clock skew in the source file) clamp to zero.
func Durations(entries []Entry) []*int64 {
	out := make([]*int64, len(entries))
	prev := time.Time{}
	for i, e := range entries {
		if e.HasReasoning && !e.Timestamp.IsZero() && !prev.IsZero() {
			ms := e.Timestamp.Sub(prev).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			out[i] = &ms
		}
		if !e.Timestamp.IsZero() {
			prev = e.Timestamp
		}
	}
	return out
}
