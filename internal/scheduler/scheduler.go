package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/parget/parget/internal/engine"
	"github.com/parget/parget/internal/output"
	"github.com/parget/parget/internal/progress"
	"github.com/parget/parget/internal/utils"
	"github.com/parget/parget/internal/validate"
)

// Run downloads the given jobs, numWorkers links at a time, rendering every
// job's progress on one display. Returns an error if any job failed.
func Run(ctx context.Context, jobs []utils.DownloadJob, numWorkers int) error {
	log := utils.GetLogger("scheduler")
	display := output.NewDisplay()
	for _, job := range jobs {
		display.Register(job.ID, filepath.Base(job.OutputPath))
	}
	display.StartDisplay()
	defer display.StopDisplay()

	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}
	jobCh := make(chan utils.DownloadJob, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				if !processJob(ctx, &job, display) {
					mu.Lock()
					failures++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if failures > 0 {
		log.Debug().Int("failures", failures).Int("total", len(jobs)).Msg("Batch finished with failures")
		return fmt.Errorf("%d of %d downloads failed", failures, len(jobs))
	}
	return nil
}

func processJob(ctx context.Context, job *utils.DownloadJob, display *output.Display) bool {
	agg := progress.NewAggregator()
	agg.Subscribe(func(s progress.Snapshot) {
		display.UpdateSnapshot(job.ID, s)
	})
	display.SetStatus(job.ID, "active")

	d := engine.NewDownloader(job.HTTPClientConfig, agg)
	result, err := d.Download(ctx, job)
	if err != nil {
		display.Fail(job.ID, err)
		return false
	}
	switch result.State {
	case utils.StateCancelled:
		display.Cancel(job.ID)
		return true
	case utils.StateFailed:
		err := result.SegmentErrors[0]
		display.Fail(job.ID, fmt.Errorf("%d segment failure(s): %v", len(result.SegmentErrors), err))
		return false
	}

	message := fmt.Sprintf("in %s", result.Elapsed.Round(10*time.Millisecond))
	if job.CheckMedia && validate.ShouldCheck(result.OutputPath) {
		switch outcome, _ := validate.CheckMedia(ctx, result.OutputPath); outcome {
		case validate.Invalid:
			message += " (media check: corrupted)"
		case validate.Unavailable:
			message += " (media check unavailable)"
		}
	}
	display.Complete(job.ID, message)
	return true
}
