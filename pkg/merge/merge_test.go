package merge

import (
	"context"
	"testing"

	"github.com/abeja-inc/table-splitter/pkg/bin"
	"github.com/abeja-inc/table-splitter/pkg/data"
	"github.com/abeja-inc/table-splitter/pkg/dispatch"

	"github.com/stretchr/testify/require"
)

// reference is a deterministic stand-in for the table service: the cost of
// (s, d) is derived from the global indices only.
func reference(s, d int) (duration, distance float64) {
	return float64(s*100 + d), float64(s*1000 + d*10)
}

func compute(_ context.Context, b data.Bin) (*data.PartialMatrix, error) {
	p := &data.PartialMatrix{
		Durations: data.NewGrid(len(b.Sources), len(b.Destinations)),
		Distances: data.NewGrid(len(b.Sources), len(b.Destinations)),
	}
	for i, s := range b.Sources {
		p.Sources = append(p.Sources, data.Waypoint{Name: "src", Location: data.Coordinate{float64(s), 0}})
		for j, d := range b.Destinations {
			du, di := reference(s, d)
			p.Durations[i][j] = &du
			p.Distances[i][j] = &di
		}
	}
	for _, d := range b.Destinations {
		p.Destinations = append(p.Destinations, data.Waypoint{Name: "dst", Location: data.Coordinate{float64(d), 1}})
	}
	return p, nil
}

func run(t *testing.T, n int, sources data.IndexSet, limit int, ann data.Annotations, slim bool) *data.FullMatrix {
	t.Helper()
	shape, bins, err := bin.Partition(n, sources, nil, limit)
	require.NoError(t, err)
	results := dispatch.Dispatch(context.Background(), bins, 2, compute)
	full, err := Merge(results, n, shape, ann, slim)
	require.NoError(t, err)
	return full
}

func TestMergeOneToManyFiveCoordinates(t *testing.T) {
	full := run(t, 5, data.IndexSet{0}, 2, data.AllAnnotations, false)

	require.True(t, full.OneToMany)
	require.Len(t, full.Durations, 1)
	require.Len(t, full.Durations[0], 5)
	for d := 0; d < 5; d++ {
		du, di := reference(0, d)
		require.Equal(t, du, *full.Durations[0][d])
		require.Equal(t, di, *full.Distances[0][d])
		require.Equal(t, float64(d), full.Destinations[d].Location.Lon())
	}
	require.Len(t, full.Sources, 1)
	require.Equal(t, float64(0), full.Sources[0].Location.Lon())
}

func TestMergeOneToManyNonZeroSource(t *testing.T) {
	full := run(t, 7, data.IndexSet{4}, 3, data.Duration, true)
	for d := 0; d < 7; d++ {
		du, _ := reference(4, d)
		require.Equal(t, du, *full.Durations[0][d])
	}
	require.Nil(t, full.Distances)
	require.Nil(t, full.Sources)
	require.Nil(t, full.Destinations)
}

func TestMergeSquareFourCoordinates(t *testing.T) {
	full := run(t, 4, nil, 2, data.AllAnnotations, false)

	require.False(t, full.OneToMany)
	require.Len(t, full.Durations, 4)
	for s := 0; s < 4; s++ {
		require.Len(t, full.Durations[s], 4)
		for d := 0; d < 4; d++ {
			du, di := reference(s, d)
			require.Equal(t, du, *full.Durations[s][d])
			require.Equal(t, di, *full.Distances[s][d])
		}
	}
	require.Len(t, full.Sources, 4)
	require.Len(t, full.Destinations, 4)
}

func TestMergeRoundTripMatchesUndivided(t *testing.T) {
	for _, n := range []int{1, 2, 5, 9, 13} {
		undivided := run(t, n, nil, n, data.AllAnnotations, false)
		for limit := 1; limit <= n; limit++ {
			divided := run(t, n, nil, limit, data.AllAnnotations, false)
			require.Equal(t, undivided, divided, "square n=%d limit=%d", n, limit)
		}

		undivided = run(t, n, data.IndexSet{n - 1}, n, data.AllAnnotations, false)
		for limit := 1; limit <= n; limit++ {
			divided := run(t, n, data.IndexSet{n - 1}, limit, data.AllAnnotations, false)
			require.Equal(t, undivided, divided, "one-to-many n=%d limit=%d", n, limit)
		}
	}
}

func TestMergeAnnotationFiltering(t *testing.T) {
	full := run(t, 3, nil, 2, data.Distance, false)
	require.Nil(t, full.Durations)
	require.Len(t, full.Distances, 3)
}

func TestMergeOmitsPartiallyEchoedWaypoints(t *testing.T) {
	t.Run("it drops destinations when one bin answers without them", func(t *testing.T) {
		shape, bins, err := bin.Partition(5, data.IndexSet{0}, nil, 2)
		require.NoError(t, err)
		results := dispatch.Dispatch(context.Background(), bins, 1, func(ctx context.Context, b data.Bin) (*data.PartialMatrix, error) {
			p, err := compute(ctx, b)
			if b.Destinations.Min() == 2 {
				p.Destinations = nil
			}
			return p, err
		})

		full, err := Merge(results, 5, shape, data.AllAnnotations, false)
		require.NoError(t, err)
		require.Nil(t, full.Destinations)
		require.Len(t, full.Sources, 1)
		require.Len(t, full.Durations[0], 5)
	})

	t.Run("it drops sources when one row window is missing them", func(t *testing.T) {
		shape, bins, err := bin.Partition(4, nil, nil, 2)
		require.NoError(t, err)
		results := dispatch.Dispatch(context.Background(), bins, 2, func(ctx context.Context, b data.Bin) (*data.PartialMatrix, error) {
			p, err := compute(ctx, b)
			if b.Sources.Min() == 2 {
				p.Sources = nil
			}
			return p, err
		})

		full, err := Merge(results, 4, shape, data.AllAnnotations, false)
		require.NoError(t, err)
		require.Nil(t, full.Sources)
		require.Len(t, full.Destinations, 4)
	})
}

func TestMergeEmpty(t *testing.T) {
	full, err := Merge(nil, 0, bin.Square, data.AllAnnotations, false)
	require.NoError(t, err)
	require.Empty(t, full.Durations)
	require.Empty(t, full.Distances)
}

func TestMergeRefusesFailedBins(t *testing.T) {
	shape, bins, err := bin.Partition(5, data.IndexSet{0}, nil, 2)
	require.NoError(t, err)
	results := dispatch.Dispatch(context.Background(), bins, 1, func(ctx context.Context, b data.Bin) (*data.PartialMatrix, error) {
		if b.Destinations.Min() == 2 {
			return nil, context.DeadlineExceeded
		}
		return compute(ctx, b)
	})

	full, err := Merge(results, 5, shape, data.AllAnnotations, false)
	require.Nil(t, full)
	require.ErrorIs(t, err, data.ErrSubQueryFailure)
	require.NotErrorIs(t, err, data.ErrMergeInconsistency)
}

func TestMergeDetectsInconsistency(t *testing.T) {
	shape, bins, err := bin.Partition(4, nil, nil, 2)
	require.NoError(t, err)
	results := dispatch.Dispatch(context.Background(), bins, 1, compute)

	t.Run("duplicate cell", func(t *testing.T) {
		dup := append(dispatch.Results{}, results...)
		dup = append(dup, results[0])
		_, err := Merge(dup, 4, shape, data.AllAnnotations, false)
		require.ErrorIs(t, err, data.ErrMergeInconsistency)
	})

	t.Run("unset cell", func(t *testing.T) {
		_, err := Merge(results[:3], 4, shape, data.AllAnnotations, false)
		require.ErrorIs(t, err, data.ErrMergeInconsistency)
	})

	t.Run("partial out of bounds", func(t *testing.T) {
		short := append(dispatch.Results{}, results...)
		r := short[1]
		r.Matrix = &data.PartialMatrix{
			Durations: data.NewGrid(1, 1),
			Distances: data.NewGrid(1, 1),
		}
		short[1] = r
		_, err := Merge(short, 4, shape, data.AllAnnotations, false)
		require.ErrorIs(t, err, data.ErrMergeInconsistency)
	})

	t.Run("missing channel", func(t *testing.T) {
		missing := append(dispatch.Results{}, results...)
		r := missing[2]
		r.Matrix = &data.PartialMatrix{Durations: r.Matrix.Durations}
		missing[2] = r
		_, err := Merge(missing, 4, shape, data.AllAnnotations, false)
		require.ErrorIs(t, err, data.ErrMergeInconsistency)
	})
}

func TestMergeRejectsDirectShape(t *testing.T) {
	_, err := Merge(nil, 3, bin.Direct, data.AllAnnotations, false)
	require.ErrorIs(t, err, data.ErrPartitionUnsupported)
}
