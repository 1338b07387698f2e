// Package resource shares limited resources between queries and background
// rebalancing.
//
// The Controller manages three resource types:
//
//   - Memory: the byte budget of the decoded posting cache (non-blocking, fail-fast)
//   - Concurrency: slots for split, merge and reassignment actions
//   - IO: a token bucket limiting the bytes background actions read and write
//
// # Memory
//
// AcquireMemory never blocks. A cache that cannot reserve memory simply does
// not keep the entry:
//
//	if err := rc.AcquireMemory(size); err != nil {
//	    return // ErrMemoryLimitExceeded
//	}
//	defer rc.ReleaseMemory(size)
//
// # Background slots
//
//	err := rc.Background(ctx, func(ctx context.Context) error {
//	    return split(ctx, partition)
//	})
//
// # IO
//
//	if err := rc.AcquireIO(ctx, bytes); err != nil {
//	    return err
//	}
//
// All methods are safe for concurrent use, and a nil *Controller is a valid
// unlimited controller.
package resource
