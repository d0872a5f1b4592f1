package event

import "sort"

// SortForReplay sorts events in place into the (timestamp, id) total order.
// The id tie-break guarantees a deterministic order even when clock
// coarseness gives two events the same timestamp.
func SortForReplay(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(&events[j])
	})
}

// Sorted returns a sorted copy, leaving the input untouched.
func Sorted(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	SortForReplay(out)
	return out
}
