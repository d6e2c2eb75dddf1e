package storage

import (
	"cmp"
	"slices"
	"time"
)

var (
	awareLayouts = []string{time.RFC3339, "2006-01-02 15:04:05Z07:00"}
	naiveLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"}
)

// ParseTimestamp parses a stored updated_at value. Values without an offset
// are read in loc. Fractional seconds are optional.
func ParseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	if s == "" || s == UnknownTimestamp {
		return time.Time{}, false
	}
	for _, layout := range awareLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// sortNewestFirst orders entries by updated_at, newest first. Entries whose
// timestamp cannot be parsed go last, keeping their relative order.
func sortNewestFirst(entries []URLEntry, loc *time.Location) {
	type keyed struct {
		entry URLEntry
		at    time.Time
		ok    bool
	}
	ks := make([]keyed, len(entries))
	for i, e := range entries {
		at, ok := ParseTimestamp(e.UpdatedAt, loc)
		ks[i] = keyed{entry: e, at: at, ok: ok}
	}
	slices.SortStableFunc(ks, func(a, b keyed) int {
		switch {
		case a.ok && !b.ok:
			return -1
		case !a.ok && b.ok:
			return 1
		case !a.ok && !b.ok:
			return 0
		}
		return cmp.Compare(b.at.UnixNano(), a.at.UnixNano())
	})
	for i := range ks {
		entries[i] = ks[i].entry
	}
}
