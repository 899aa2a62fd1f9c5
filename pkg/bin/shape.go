package bin

import (
	"fmt"

	"github.com/abeja-inc/table-splitter/pkg/data"
)

// Shape is the decomposition class of a query.
type Shape int

const (
	// Direct queries go to the table service as they are.
	Direct Shape = iota
	// OneToMany queries have one source and every coordinate as destination.
	OneToMany
	// Square queries cover every source against every destination.
	Square
	// Unsupported queries ask for decomposition with explicit partial axes.
	Unsupported
)

func (s Shape) String() string {
	switch s {
	case Direct:
		return "direct"
	case OneToMany:
		return "one_to_many"
	case Square:
		return "square"
	case Unsupported:
		return "unsupported"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// Classify decides how a query over n coordinates is decomposed.
// A limit of zero or less disables decomposition.
func Classify(n int, sources, destinations data.IndexSet, limit int) Shape {
	switch {
	case limit <= 0:
		return Direct
	case len(sources) == 1 && destinations.IsAll(n):
		return OneToMany
	case sources.IsAll(n) && destinations.IsAll(n):
		return Square
	}
	return Unsupported
}

// StrategyFor returns the partition strategy for a decomposable shape.
func StrategyFor(shape Shape) (Strategy, error) {
	switch shape {
	case OneToMany:
		return NewOneToManyStrategy(), nil
	case Square:
		return NewSquareStrategy(), nil
	}
	return nil, fmt.Errorf("%w: %s", data.ErrPartitionUnsupported, shape)
}

// Partition classifies the query and produces its covering bins in a
// deterministic order.
func Partition(n int, sources, destinations data.IndexSet, limit int) (Shape, []data.Bin, error) {
	shape := Classify(n, sources, destinations, limit)
	strategy, err := StrategyFor(shape)
	if err != nil {
		return shape, nil, err
	}
	return shape, strategy.Partition(n, sources, limit), nil
}
