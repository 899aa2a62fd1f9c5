// Package engine turns a table query into sub-queries against the table
// service and reassembles the answer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/bin"
	"github.com/abeja-inc/table-splitter/pkg/data"
	"github.com/abeja-inc/table-splitter/pkg/dispatch"
	"github.com/abeja-inc/table-splitter/pkg/logging"
	"github.com/abeja-inc/table-splitter/pkg/merge"
	"github.com/abeja-inc/table-splitter/pkg/metrics"

	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// ErrMalformedResponse marks a sub-query answer that does not have the shape
// of the bin it was asked for.
var ErrMalformedResponse = errors.New("malformed table service response")

// TableService computes bounded matrices. *osrm.Client and *osrm.Pool
// implement it.
type TableService interface {
	Table(ctx context.Context, req data.TableRequest) (*data.PartialMatrix, error)
}

// Engine normalizes table queries and runs them.
type Engine struct {
	Service TableService
	Logger  *logging.Logger
	Metrics metrics.Recorder
	// StrictShapes rejects decomposition requests with explicit partial
	// axes instead of sending them to the service undivided.
	StrictShapes bool
}

// New creates an Engine. A nil logger or recorder disables that concern.
func New(service TableService, logger *logging.Logger, recorder metrics.Recorder) *Engine {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Engine{
		Service: service,
		Logger:  logger.WithComponent("engine"),
		Metrics: recorder,
	}
}

// Table answers q, splitting it into bins of at most q.SplitLimit indices
// per axis when its shape allows. Either the complete matrix or an error is
// returned, never a partially filled matrix.
func (e *Engine) Table(ctx context.Context, q data.Query) (full *data.FullMatrix, err error) {
	start := time.Now()
	shape := bin.Direct
	bins := 0
	defer func() {
		elapsed := time.Since(start)
		e.Metrics.RecordTable(shape.String(), bins, elapsed, err)
		e.Logger.LogTable(ctx, len(q.Coordinates), shape.String(), bins, elapsed, err)
	}()

	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Annotations == 0 {
		q.Annotations = data.AllAnnotations
	}

	n := len(q.Coordinates)
	shape = bin.Classify(n, q.Sources, q.Destinations, q.SplitLimit)
	switch shape {
	case bin.Direct:
		return e.direct(ctx, q)
	case bin.Unsupported:
		if e.StrictShapes {
			return nil, fmt.Errorf("%w: %d sources and %d destinations of %d coordinates cannot be split",
				data.ErrPartitionUnsupported, len(q.Sources), len(q.Destinations), n)
		}
		e.Logger.WarnContext(ctx, "explicit sources and destinations cannot be split, sending undivided",
			"sources", len(q.Sources),
			"destinations", len(q.Destinations),
			"coordinates", n,
		)
		return e.direct(ctx, q)
	}

	span, _ := tracer.StartSpanFromContext(ctx, "table.partition",
		tracer.Tag("table.shape", shape.String()),
		tracer.Tag("table.coordinates", n),
		tracer.Tag("table.split_limit", q.SplitLimit),
	)
	_, partitioned, err := bin.Partition(n, q.Sources, q.Destinations, q.SplitLimit)
	bins = len(partitioned)
	span.SetTag("table.bins", bins)
	span.Finish(tracer.WithError(err))
	if err != nil {
		return nil, err
	}

	results := e.dispatch(ctx, q, partitioned)

	span, _ = tracer.StartSpanFromContext(ctx, "table.merge")
	full, err = merge.Merge(results, n, shape, q.Annotations, q.Slim)
	span.Finish(tracer.WithError(err))
	if errors.Is(err, data.ErrMergeInconsistency) {
		e.Logger.ErrorContext(ctx, "merge inconsistency", "error", err)
	}
	return full, err
}

func (e *Engine) dispatch(ctx context.Context, q data.Query, bins []data.Bin) dispatch.Results {
	start := time.Now()
	span, ctx := tracer.StartSpanFromContext(ctx, "table.dispatch",
		tracer.Tag("table.bins", len(bins)),
		tracer.Tag("table.parallelism", q.Parallelism),
	)
	defer span.Finish()

	results := dispatch.Dispatch(ctx, bins, q.Parallelism, e.compute(q))
	failed := len(results.Failures())
	span.SetTag("table.failed_bins", failed)
	e.Logger.LogDispatch(ctx, len(bins), q.Parallelism, failed, time.Since(start))
	return results
}

func (e *Engine) compute(q data.Query) dispatch.ComputeFunc {
	return func(ctx context.Context, b data.Bin) (_ *data.PartialMatrix, err error) {
		start := time.Now()
		span, ctx := tracer.StartSpanFromContext(ctx, "table.subquery",
			tracer.ResourceName(fmt.Sprintf("bin#%d", b.Index)),
			tracer.Tag("bin.id", b.ID.String()),
			tracer.Tag("bin.cells", b.Cells()),
		)
		defer func() {
			elapsed := time.Since(start)
			span.Finish(tracer.WithError(err))
			e.Metrics.RecordSubQuery(elapsed, err)
			e.Logger.LogBin(ctx, b, elapsed, err)
		}()

		p, err := e.Service.Table(ctx, q.BinRequest(b))
		if err != nil {
			return nil, err
		}
		if err := checkShape(p, len(b.Sources), len(b.Destinations), q.Annotations); err != nil {
			return nil, err
		}
		return p, nil
	}
}

func (e *Engine) direct(ctx context.Context, q data.Query) (*data.FullMatrix, error) {
	span, ctx := tracer.StartSpanFromContext(ctx, "table.subquery",
		tracer.ResourceName("direct"),
	)
	p, err := e.Service.Table(ctx, q.DirectRequest())
	span.Finish(tracer.WithError(err))
	if err != nil {
		return nil, err
	}
	rows, cols := len(q.Sources), len(q.Destinations)
	if rows == 0 {
		rows = len(q.Coordinates)
	}
	if cols == 0 {
		cols = len(q.Coordinates)
	}
	if err := checkShape(p, rows, cols, q.Annotations); err != nil {
		return nil, err
	}

	full := &data.FullMatrix{}
	for _, ch := range []data.Annotations{data.Duration, data.Distance} {
		if q.Annotations.Has(ch) {
			full.SetChannel(ch, p.Channel(ch))
		}
	}
	if !q.Slim {
		full.Sources = p.Sources
		full.Destinations = p.Destinations
	}
	return full, nil
}

func checkShape(p *data.PartialMatrix, rows, cols int, annotations data.Annotations) error {
	for _, ch := range []data.Annotations{data.Duration, data.Distance} {
		if !annotations.Has(ch) {
			continue
		}
		g := p.Channel(ch)
		if g == nil {
			return fmt.Errorf("%w: %s missing", ErrMalformedResponse, ch)
		}
		if len(g) != rows {
			return fmt.Errorf("%w: %s has %d rows, want %d", ErrMalformedResponse, ch, len(g), rows)
		}
		for i, row := range g {
			if len(row) != cols {
				return fmt.Errorf("%w: %s row %d has %d columns, want %d", ErrMalformedResponse, ch, i, len(row), cols)
			}
		}
	}
	return nil
}
