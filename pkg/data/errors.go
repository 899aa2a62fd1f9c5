package data

import "errors"

var (
	// ErrInvalidRequest marks malformed or missing coordinate / index input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPartitionUnsupported marks a query shape that neither the one-to-many
	// nor the square strategy can decompose.
	ErrPartitionUnsupported = errors.New("partition unsupported for query shape")

	// ErrSubQueryFailure marks a failure of the table service for at least one bin.
	ErrSubQueryFailure = errors.New("sub-query failed")

	// ErrMergeInconsistency marks a broken coverage invariant while merging.
	// It is a programming defect, never a user error.
	ErrMergeInconsistency = errors.New("merge inconsistency")
)
