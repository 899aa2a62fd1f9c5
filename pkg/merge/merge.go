// Package merge reassembles globally indexed matrices from per-bin partial
// results.
package merge

import (
	"fmt"
	"math"

	"github.com/abeja-inc/table-splitter/pkg/bin"
	"github.com/abeja-inc/table-splitter/pkg/data"
	"github.com/abeja-inc/table-splitter/pkg/dispatch"

	"github.com/RoaringBitmap/roaring/v2"
)

var channels = []data.Annotations{data.Duration, data.Distance}

// Merge writes every partial result into its global position. It refuses
// result sets that contain a failed bin, and fails with
// data.ErrMergeInconsistency if a cell is written twice, read out of a
// partial's bounds, or left unset.
func Merge(results dispatch.Results, n int, shape bin.Shape, annotations data.Annotations, slim bool) (*data.FullMatrix, error) {
	if err := results.Err(); err != nil {
		return nil, err
	}
	st, err := newMergingState(n, shape, annotations, slim)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if err := st.add(r); err != nil {
			return nil, err
		}
	}
	return st.finish()
}

// mergingState accumulates one request's partial matrices. It is used by a
// single goroutine after dispatch has completed.
type mergingState struct {
	n           int
	rows        int
	oneToMany   bool
	annotations data.Annotations
	slim        bool

	full    *data.FullMatrix
	covered *roaring.Bitmap

	sources      []data.Waypoint
	destinations []data.Waypoint
	// Waypoint positions filled so far, per axis.
	sourcesSeen *roaring.Bitmap
	destsSeen   *roaring.Bitmap
}

func newMergingState(n int, shape bin.Shape, annotations data.Annotations, slim bool) (*mergingState, error) {
	var rows int
	switch shape {
	case bin.OneToMany:
		rows = 1
	case bin.Square:
		rows = n
	default:
		return nil, fmt.Errorf("%w: cannot merge %s results", data.ErrPartitionUnsupported, shape)
	}
	if uint64(rows)*uint64(n) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %dx%d matrix is too large", data.ErrInvalidRequest, rows, n)
	}

	full := &data.FullMatrix{OneToMany: shape == bin.OneToMany}
	for _, ch := range channels {
		if annotations.Has(ch) {
			full.SetChannel(ch, data.NewGrid(rows, n))
		}
	}
	return &mergingState{
		n:            n,
		rows:         rows,
		oneToMany:    shape == bin.OneToMany,
		annotations:  annotations,
		slim:         slim,
		full:         full,
		covered:      roaring.New(),
		sources:      make([]data.Waypoint, rows),
		destinations: make([]data.Waypoint, n),
		sourcesSeen:  roaring.New(),
		destsSeen:    roaring.New(),
	}, nil
}

func (st *mergingState) add(r dispatch.Result) error {
	b, p := r.Bin, r.Matrix
	if p == nil {
		return inconsistent(b, "no matrix")
	}
	srcOffset := b.Sources.Min()
	dstOffset := b.Destinations.Min()

	grids := make(map[data.Annotations]data.Grid, len(channels))
	for _, ch := range channels {
		if !st.annotations.Has(ch) {
			continue
		}
		g := p.Channel(ch)
		if g == nil {
			return inconsistent(b, "missing %s channel", ch)
		}
		grids[ch] = g
	}

	for _, s := range b.Sources {
		ls := s - srcOffset
		row := st.row(s)
		for _, d := range b.Destinations {
			ld := d - dstOffset
			if d < 0 || d >= st.n || row < 0 || row >= st.rows {
				return inconsistent(b, "cell (%d,%d) outside %dx%d", s, d, st.rows, st.n)
			}
			if !st.covered.CheckedAdd(uint32(row*st.n + d)) {
				return inconsistent(b, "cell (%d,%d) written twice", s, d)
			}
			for ch, g := range grids {
				if ls >= len(g) || ld >= len(g[ls]) {
					return inconsistent(b, "local (%d,%d) outside partial %s grid", ls, ld, ch)
				}
				st.full.Channel(ch)[row][d] = g[ls][ld]
			}
		}
	}

	if st.slim {
		return nil
	}
	if len(p.Sources) == len(b.Sources) && len(p.Sources) > 0 {
		for i, s := range b.Sources {
			st.sources[st.row(s)] = p.Sources[i]
			st.sourcesSeen.Add(uint32(st.row(s)))
		}
	}
	if len(p.Destinations) == len(b.Destinations) && len(p.Destinations) > 0 {
		for i, d := range b.Destinations {
			st.destinations[d] = p.Destinations[i]
			st.destsSeen.Add(uint32(d))
		}
	}
	return nil
}

// row maps a global source index to its output row; one-to-many results
// collapse the source dimension.
func (st *mergingState) row(s int) int {
	if st.oneToMany {
		return 0
	}
	return s
}

func (st *mergingState) finish() (*data.FullMatrix, error) {
	expected := uint64(st.rows) * uint64(st.n)
	if got := st.covered.GetCardinality(); got != expected {
		return nil, fmt.Errorf("%w: %d of %d cells unset", data.ErrMergeInconsistency, expected-got, expected)
	}
	// Waypoints are echoed only when every position was answered.
	if st.rows > 0 && st.sourcesSeen.GetCardinality() == uint64(st.rows) {
		st.full.Sources = st.sources
	}
	if st.n > 0 && st.destsSeen.GetCardinality() == uint64(st.n) {
		st.full.Destinations = st.destinations
	}
	return st.full, nil
}

func inconsistent(b data.Bin, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", data.ErrMergeInconsistency, b, fmt.Sprintf(format, args...))
}
