// Package executor defines the pluggable "do the work" contract. The
// pipeline treats executors as opaque: it only inspects success or failure
// and feeds the result to the approval workflow.
package executor

import (
	"context"

	"orderline/internal/domain"
)

// Executor performs the work an order describes.
//
// Implementations must return an error on failure rather than encoding
// failure in the output, and must be safe to re-invoke for the same order id:
// the pipeline guarantees at-most-one concurrent execution per order, but a
// crashed worker's attempt is re-run once its lease expires (at-least-once
// semantics).
type Executor interface {
	Execute(ctx context.Context, order domain.Order) (domain.ExecutionResult, error)
}

// Func adapts an ordinary function to the Executor interface.
type Func func(ctx context.Context, order domain.Order) (domain.ExecutionResult, error)

func (f Func) Execute(ctx context.Context, order domain.Order) (domain.ExecutionResult, error) {
	return f(ctx, order)
}
