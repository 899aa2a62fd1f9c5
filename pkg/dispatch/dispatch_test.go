package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/bin"
	"github.com/abeja-inc/table-splitter/pkg/data"

	"github.com/stretchr/testify/require"
)

func square(t *testing.T, n, limit int) []data.Bin {
	t.Helper()
	_, bins, err := bin.Partition(n, nil, nil, limit)
	require.NoError(t, err)
	return bins
}

func echo(_ context.Context, b data.Bin) (*data.PartialMatrix, error) {
	v := float64(b.Index)
	return &data.PartialMatrix{Durations: data.Grid{{&v}}}, nil
}

func TestDispatchPreservesOrder(t *testing.T) {
	bins := square(t, 12, 2)
	rng := rand.New(rand.NewSource(7))
	delays := make([]time.Duration, len(bins))
	for i := range delays {
		delays[i] = time.Duration(rng.Intn(5)) * time.Millisecond
	}

	results := Dispatch(context.Background(), bins, 8, func(ctx context.Context, b data.Bin) (*data.PartialMatrix, error) {
		time.Sleep(delays[b.Index])
		return echo(ctx, b)
	})

	require.Len(t, results, len(bins))
	for i, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, bins[i].ID, r.Bin.ID)
		require.Equal(t, float64(i), *r.Matrix.Durations[0][0])
	}
	require.NoError(t, results.Err())
}

func TestDispatchRespectsConcurrencyLimit(t *testing.T) {
	bins := square(t, 10, 2)
	for _, limit := range []int{1, 2, len(bins), len(bins) + 5} {
		var inFlight, peak int64
		results := Dispatch(context.Background(), bins, limit, func(ctx context.Context, b data.Bin) (*data.PartialMatrix, error) {
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return echo(ctx, b)
		})
		require.NoError(t, results.Err())
		require.LessOrEqual(t, peak, int64(limit), "limit=%d", limit)
		require.GreaterOrEqual(t, peak, int64(1))
	}
}

func TestDispatchDefaultsToSequential(t *testing.T) {
	bins := square(t, 6, 2)
	var inFlight, peak int64
	Dispatch(context.Background(), bins, 0, func(ctx context.Context, b data.Bin) (*data.PartialMatrix, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return echo(ctx, b)
	})
	require.Equal(t, int64(1), atomic.LoadInt64(&peak))
}

func TestDispatchIsolatesFailures(t *testing.T) {
	_, bins, err := bin.Partition(5, data.IndexSet{0}, nil, 2)
	require.NoError(t, err)

	boom := errors.New("backend down")
	var calls int64
	results := Dispatch(context.Background(), bins, 3, func(ctx context.Context, b data.Bin) (*data.PartialMatrix, error) {
		atomic.AddInt64(&calls, 1)
		if b.Destinations.Min() == 2 {
			return nil, boom
		}
		return echo(ctx, b)
	})

	require.Equal(t, int64(len(bins)), calls)
	require.True(t, results[0].OK())
	require.False(t, results[1].OK())
	require.True(t, results[2].OK())
	require.Nil(t, results[1].Matrix)

	err = results.Err()
	require.ErrorIs(t, err, data.ErrSubQueryFailure)
	require.ErrorIs(t, err, boom)

	var sqe *SubQueryError
	require.ErrorAs(t, err, &sqe)
	require.Len(t, sqe.Failed, 1)
	require.Equal(t, data.IndexSet{2, 3}, sqe.Failed[0].Bin.Destinations)
	require.Equal(t, 3, sqe.Total)
}

func TestDispatchRejectsEmptyResult(t *testing.T) {
	bins := square(t, 2, 2)
	results := Dispatch(context.Background(), bins, 1, func(context.Context, data.Bin) (*data.PartialMatrix, error) {
		return nil, nil
	})
	require.ErrorIs(t, results.Err(), data.ErrSubQueryFailure)
}

func TestDispatchCancelledContext(t *testing.T) {
	bins := square(t, 8, 2)
	ctx, cancel := context.WithCancel(context.Background())

	var calls int64
	results := Dispatch(ctx, bins, 1, func(ctx context.Context, b data.Bin) (*data.PartialMatrix, error) {
		if atomic.AddInt64(&calls, 1) == 2 {
			cancel()
		}
		return echo(ctx, b)
	})

	require.Equal(t, int64(2), calls)
	require.Len(t, results, len(bins))
	require.True(t, results[0].OK())
	require.ErrorIs(t, results[len(results)-1].Err, context.Canceled)
	require.ErrorIs(t, results.Err(), data.ErrSubQueryFailure)
}

func TestDispatchNoBins(t *testing.T) {
	results := Dispatch(context.Background(), nil, 4, echo)
	require.Empty(t, results)
	require.NoError(t, results.Err())
}
