package cloud

import (
	"context"
	"sync"
)

// bulkFetch runs fetch for every blob with a bounded worker pool,
// working through the list in fixed-size batches. The first error is
// returned after the in-flight batch drains; remaining batches are
// skipped.
func bulkFetch(ctx context.Context, blobs []string, fetch func(ctx context.Context, blob string) error) error {
	for start := 0; start < len(blobs); start += bulkBatchSize {
		end := start + bulkBatchSize
		if end > len(blobs) {
			end = len(blobs)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			firstErr error
		)
		sem := make(chan struct{}, bulkWorkers)
		for _, blob := range blobs[start:end] {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(blob string) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := fetch(ctx, blob); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(blob)
		}
		wg.Wait()

		if firstErr != nil {
			return firstErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
