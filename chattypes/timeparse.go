package chattypes

import "time"

// timestampLayouts covers the encodings the backend has been observed to emit:
// RFC3339 with and without fractional seconds, and a zone-less variant.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a wire timestamp for display. It tolerates the known
// format variants and reports ok=false instead of failing hard; callers must
// not use the result for ordering. Message.ID is the only order key.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
