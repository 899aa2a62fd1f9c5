// Package dispatch runs bins against the table service with bounded
// parallelism and collects one tagged result per bin.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/data"

	"golang.org/x/sync/errgroup"
)

var errEmptyResult = errors.New("table service returned neither matrix nor error")

// ComputeFunc answers a single bin.
type ComputeFunc func(ctx context.Context, b data.Bin) (*data.PartialMatrix, error)

// Result is the outcome of one bin: exactly one of Matrix and Err is set.
type Result struct {
	Bin     data.Bin
	Matrix  *data.PartialMatrix
	Err     error
	Elapsed time.Duration
}

// OK reports whether the bin succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Results is index-aligned with the bins handed to Dispatch.
type Results []Result

// Failures returns the failed results in bin order.
func (rs Results) Failures() []Result {
	var failed []Result
	for _, r := range rs {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}

// Err aggregates every failed bin into a *SubQueryError, or returns nil.
func (rs Results) Err() error {
	failed := rs.Failures()
	if len(failed) == 0 {
		return nil
	}
	return &SubQueryError{Total: len(rs), Failed: failed}
}

// Dispatch invokes compute for every bin with at most limit calls in flight.
// A limit below one runs sequentially. A failing bin does not cancel its
// siblings, and Dispatch returns only after every started call has finished.
func Dispatch(ctx context.Context, bins []data.Bin, limit int, compute ComputeFunc) Results {
	if limit <= 0 {
		limit = 1
	}
	results := make(Results, len(bins))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, b := range bins {
		g.Go(func() error {
			results[i] = run(ctx, b, compute)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func run(ctx context.Context, b data.Bin, compute ComputeFunc) Result {
	if err := ctx.Err(); err != nil {
		return Result{Bin: b, Err: err}
	}
	start := time.Now()
	m, err := compute(ctx, b)
	r := Result{Bin: b, Matrix: m, Err: err, Elapsed: time.Since(start)}
	if err == nil && m == nil {
		r.Err = errEmptyResult
	}
	if r.Err != nil {
		r.Matrix = nil
	}
	return r
}

// SubQueryError reports that decomposition could not complete because at
// least one bin failed.
type SubQueryError struct {
	Total  int
	Failed []Result
}

func (e *SubQueryError) Error() string {
	first := e.Failed[0]
	return fmt.Sprintf("%s: %d of %d bins failed, first %s: %v",
		data.ErrSubQueryFailure, len(e.Failed), e.Total, first.Bin, first.Err)
}

func (e *SubQueryError) Is(target error) bool {
	return target == data.ErrSubQueryFailure
}

func (e *SubQueryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, r := range e.Failed {
		errs = append(errs, r.Err)
	}
	return errs
}
