package data

import (
	"fmt"
	"strings"
)

// Annotations selects which matrix channels a query asks for.
type Annotations uint8

const (
	Duration Annotations = 1 << iota
	Distance

	AllAnnotations = Duration | Distance
)

// ParseAnnotations reads the comma separated form used by the table API.
// An empty string selects both channels.
func ParseAnnotations(s string) (Annotations, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AllAnnotations, nil
	}
	var a Annotations
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "duration":
			a |= Duration
		case "distance":
			a |= Distance
		default:
			return 0, fmt.Errorf("%w: unknown annotation %q", ErrInvalidRequest, part)
		}
	}
	return a, nil
}

// Has reports whether every channel in other is selected.
func (a Annotations) Has(other Annotations) bool {
	return a&other == other
}

// String renders the selection in the order the table service expects.
func (a Annotations) String() string {
	parts := make([]string, 0, 2)
	if a.Has(Duration) {
		parts = append(parts, "duration")
	}
	if a.Has(Distance) {
		parts = append(parts, "distance")
	}
	return strings.Join(parts, ",")
}
