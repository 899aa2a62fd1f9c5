package bin

import (
	"github.com/abeja-inc/table-splitter/pkg/data"

	"github.com/rs/xid"
)

// Strategy decomposes an n-coordinate query into bins of at most limit
// indices per axis.
type Strategy interface {
	Partition(n int, sources data.IndexSet, limit int) []data.Bin
}

// OneToManyStrategy splits only the destination axis; every bin keeps the
// single source.
type OneToManyStrategy struct {
}

// SquareStrategy splits both axes and emits the source-major cartesian
// product of the windows.
type SquareStrategy struct {
}

func NewOneToManyStrategy() *OneToManyStrategy {
	return &OneToManyStrategy{}
}

func NewSquareStrategy() *SquareStrategy {
	return &SquareStrategy{}
}

func (s *OneToManyStrategy) Partition(n int, sources data.IndexSet, limit int) []data.Bin {
	dst := windows(n, limit)
	bins := make([]data.Bin, 0, len(dst))
	for i, w := range dst {
		bins = append(bins, newBin(i, sources, w))
	}
	return bins
}

func (s *SquareStrategy) Partition(n int, _ data.IndexSet, limit int) []data.Bin {
	axis := windows(n, limit)
	bins := make([]data.Bin, 0, len(axis)*len(axis))
	for _, src := range axis {
		for _, dst := range axis {
			bins = append(bins, newBin(len(bins), src, dst))
		}
	}
	return bins
}

func newBin(index int, sources, destinations data.IndexSet) data.Bin {
	return data.Bin{
		ID:           xid.New(),
		Index:        index,
		Sources:      sources,
		Destinations: destinations,
	}
}
