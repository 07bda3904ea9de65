package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BatchNode wraps an inner node whose Execute processes a single item.
// The wrapped Prepare must return a []any of items; Execute applies the
// inner node's Execute to each item in order, with the inner node's retry
// policy (and fallback, if any) applied per item rather than around the
// batch as a whole. Cleanup receives the aggregated []any of results.
//
// BatchNode itself carries no retry policy, so the engine runs its Execute
// exactly once; all retrying happens at item granularity inside.
type BatchNode struct {
	Inner Node
}

func (b BatchNode) Prepare(ctx context.Context, shared map[string]any, requestInput RequestInputFunc) (any, error) {
	return b.Inner.Prepare(ctx, shared, requestInput)
}

func (b BatchNode) Execute(ctx context.Context, prepared any) (any, error) {
	items, err := batchItems(prepared)
	if err != nil {
		return nil, err
	}
	results := make([]any, len(items))
	for i, item := range items {
		r, err := executeItemWithRetry(ctx, b.Inner, item)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		results[i] = r
	}
	return results, nil
}

func (b BatchNode) Cleanup(ctx context.Context, shared map[string]any, prepared any, result any) (any, error) {
	return b.Inner.Cleanup(ctx, shared, prepared, result)
}

// ParallelNode is BatchNode's concurrent sibling: items fan out to one
// goroutine each, results are aggregated in item order, and the first item
// error fails the whole Execute. Item executions must not touch shared
// state (only Prepare and Cleanup see it) and cannot request input, so the
// fan-out stays invisible to the engine's one-node-at-a-time model.
type ParallelNode struct {
	Inner Node
}

func (p ParallelNode) Prepare(ctx context.Context, shared map[string]any, requestInput RequestInputFunc) (any, error) {
	return p.Inner.Prepare(ctx, shared, requestInput)
}

func (p ParallelNode) Execute(ctx context.Context, prepared any) (any, error) {
	items, err := batchItems(prepared)
	if err != nil {
		return nil, err
	}

	results := make([]any, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			results[i], errs[i] = executeItemWithRetry(ctx, p.Inner, item)
		}(i, item)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("parallel item %d: %w", i, err)
		}
	}
	return results, nil
}

func (p ParallelNode) Cleanup(ctx context.Context, shared map[string]any, prepared any, result any) (any, error) {
	return p.Inner.Cleanup(ctx, shared, prepared, result)
}

func batchItems(prepared any) ([]any, error) {
	switch v := prepared.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return nil, fmt.Errorf("batch node requires Prepare to return []any, got %T", prepared)
	}
}

// executeItemWithRetry applies node's retry policy to a single item's
// Execute, falling back to ExecFallback after the final failed attempt,
// mirroring the engine's own retry wrapper at item granularity.
func executeItemWithRetry(ctx context.Context, node Node, item any) (any, error) {
	maxRetries, wait := retryPolicyOf(node)

	var result any
	var execErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, execErr = node.Execute(ctx, item)
		if execErr == nil {
			return result, nil
		}
		if attempt < maxRetries && wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}

	if fb, ok := node.(Fallback); ok {
		return fb.ExecFallback(ctx, item, execErr)
	}
	return nil, execErr
}
