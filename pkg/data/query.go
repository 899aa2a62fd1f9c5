package data

import (
	"fmt"

	"github.com/rs/xid"
)

// Options are table service parameters the engine passes through untouched.
type Options struct {
	Profile            string     `json:"profile,omitempty"`
	Radiuses           []*float64 `json:"radiuses,omitempty"`
	Approaches         []string   `json:"approaches,omitempty"`
	Exclude            []string   `json:"exclude,omitempty"`
	GenerateHints      *bool      `json:"generate_hints,omitempty"`
	FallbackSpeed      float64    `json:"fallback_speed,omitempty"`
	FallbackCoordinate string     `json:"fallback_coordinate,omitempty"`
	ScaleFactor        float64    `json:"scale_factor,omitempty"`
}

// Query is the normalized, immutable input of one table request.
type Query struct {
	Coordinates  []Coordinate
	Sources      IndexSet
	Destinations IndexSet
	Annotations  Annotations
	// SplitLimit is the maximum indices per axis per sub-query; 0 disables decomposition.
	SplitLimit int
	// Parallelism bounds concurrent sub-queries; 0 means 1.
	Parallelism int
	// Slim suppresses echoed source / destination waypoints.
	Slim    bool
	Options Options
}

// Validate checks index bounds and distinctness against the coordinate count.
func (q *Query) Validate() error {
	if len(q.Coordinates) == 0 {
		return fmt.Errorf("%w: missing coordinates", ErrInvalidRequest)
	}
	if q.SplitLimit < 0 {
		return fmt.Errorf("%w: splitLimit must not be negative", ErrInvalidRequest)
	}
	if q.Parallelism < 0 {
		return fmt.Errorf("%w: parallelism must not be negative", ErrInvalidRequest)
	}
	if err := validateIndices("sources", q.Sources, len(q.Coordinates)); err != nil {
		return err
	}
	return validateIndices("destinations", q.Destinations, len(q.Coordinates))
}

func validateIndices(name string, set IndexSet, n int) error {
	seen := make(map[int]struct{}, len(set))
	for _, i := range set {
		if i < 0 || i >= n {
			return fmt.Errorf("%w: %s index %d out of range [0,%d)", ErrInvalidRequest, name, i, n)
		}
		if _, ok := seen[i]; ok {
			return fmt.Errorf("%w: duplicate %s index %d", ErrInvalidRequest, name, i)
		}
		seen[i] = struct{}{}
	}
	return nil
}

// Bin is one bounded sub-query. Both axes carry global coordinate indices
// and are contiguous ascending ranges by construction.
type Bin struct {
	ID           xid.ID
	Index        int
	Sources      IndexSet
	Destinations IndexSet
}

// Cells returns the number of matrix cells the bin covers.
func (b Bin) Cells() int {
	return len(b.Sources) * len(b.Destinations)
}

func (b Bin) String() string {
	return fmt.Sprintf("bin#%d[%s] sources=%d..%d destinations=%d..%d",
		b.Index, b.ID, b.Sources.Min(), b.Sources.Max(), b.Destinations.Min(), b.Destinations.Max())
}

// TableRequest is what the external table service is asked to compute.
type TableRequest struct {
	Coordinates  []Coordinate
	Sources      IndexSet
	Destinations IndexSet
	Annotations  Annotations
	Options      Options
}

// DirectRequest forwards q to the table service unmodified.
func (q *Query) DirectRequest() TableRequest {
	return TableRequest{
		Coordinates:  q.Coordinates,
		Sources:      q.Sources,
		Destinations: q.Destinations,
		Annotations:  q.Annotations,
		Options:      q.Options,
	}
}

// BinRequest derives the sub-query for b. The coordinate sequence is shared, not copied.
func (q *Query) BinRequest(b Bin) TableRequest {
	return TableRequest{
		Coordinates:  q.Coordinates,
		Sources:      b.Sources,
		Destinations: b.Destinations,
		Annotations:  q.Annotations,
		Options:      q.Options,
	}
}
