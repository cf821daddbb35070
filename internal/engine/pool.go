package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/parget/parget/internal/utils"
)

// runPool fans pending segments out to at most workerCount concurrent
// fetches. The first segment to fail non-recoverably cancels the rest via
// cancel; collected errors never include plain context cancellation, so the
// caller can tell an aborted job from a failed one.
func runPool(ctx context.Context, cancel context.CancelFunc, f *fetcher, segments []*utils.Segment, workerCount int) []error {
	log := utils.GetLogger("pool")
	if workerCount > len(segments) {
		workerCount = len(segments)
	}
	queue := make(chan *utils.Segment, len(segments))
	for _, seg := range segments {
		queue <- seg
	}
	close(queue)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for seg := range queue {
				if ctx.Err() != nil {
					return
				}
				err := f.fetchSegment(ctx, seg)
				if err == nil {
					continue
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				log.Debug().Err(err).Int("worker", workerID).Msg("Segment failed, cancelling remaining work")
				cancel()
				return
			}
		}(i)
	}
	wg.Wait()
	return errs
}
