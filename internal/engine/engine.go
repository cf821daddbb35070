package engine

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parget/parget/internal/progress"
	"github.com/parget/parget/internal/utils"
)

// Downloader runs one segmented download end to end: plan, fetch with a
// bounded worker pool, assemble, finalize. Zero values for the tuning fields
// fall back to the defaults.
type Downloader struct {
	Client      utils.HTTPDoer
	Aggregator  *progress.Aggregator
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func NewDownloader(cfg utils.HTTPClientConfig, agg *progress.Aggregator) *Downloader {
	return &Downloader{
		Client:     utils.NewHTTPClient(cfg),
		Aggregator: agg,
	}
}

func (d *Downloader) fetcherFor(job *utils.DownloadJob, asm *Assembler) *fetcher {
	f := &fetcher{
		job:         job,
		client:      d.Client,
		asm:         asm,
		maxAttempts: d.MaxAttempts,
		backoffBase: d.BackoffBase,
		backoffCap:  d.BackoffCap,
	}
	if f.maxAttempts <= 0 {
		f.maxAttempts = defaultMaxAttempts
	}
	if f.backoffBase <= 0 {
		f.backoffBase = defaultBackoffBase
	}
	if f.backoffCap <= 0 {
		f.backoffCap = defaultBackoffCap
	}
	if d.Aggregator != nil {
		f.progress = d.Aggregator.Add
	} else {
		f.progress = func(int, int64) {}
	}
	return f
}

// Download executes the job and reports how it ended. Cancellation through
// ctx yields a cancelled result rather than an error; the manifest stays on
// disk after anything but a completed run.
func (d *Downloader) Download(ctx context.Context, job *utils.DownloadJob) (*utils.DownloadResult, error) {
	log := utils.GetLogger("engine").With().Str("file", job.OutputPath).Logger()
	startTime := time.Now()
	if err := ValidateJob(job); err != nil {
		return nil, err
	}
	if d.Client == nil {
		d.Client = utils.NewHTTPClient(job.HTTPClientConfig)
	}

	totalSize := job.TotalSize
	rangeable := true
	if totalSize <= 0 {
		size, ok, err := Probe(ctx, d.Client, job.URL)
		if err != nil {
			log.Debug().Err(err).Msg("Size probe failed, streaming without a known size")
		}
		totalSize, rangeable = size, ok
	}

	// Without range support the whole job is one open-ended stream; the known
	// size is kept for progress display only.
	planSize := totalSize
	if !rangeable {
		planSize = 0
	}
	planned, err := Plan(planSize, job.SplitSize)
	if err != nil {
		return nil, err
	}
	log.Debug().Int64("size", totalSize).Int("segments", len(planned)).Bool("rangeable", rangeable).Msg("Planned download")

	asm := NewAssembler(job, planSize)
	segments, err := asm.Prepare(planned)
	if err != nil {
		return nil, err
	}

	if d.Aggregator != nil {
		d.Aggregator.SetTotal(totalSize)
		d.Aggregator.Start()
		defer d.Aggregator.Stop()
	}

	var pending []*utils.Segment
	for i := range segments {
		seg := &segments[i]
		if seg.State == utils.SegmentDone {
			if d.Aggregator != nil {
				d.Aggregator.Add(seg.Index, seg.Written)
			}
			continue
		}
		pending = append(pending, seg)
	}

	var errs []error
	if len(pending) > 0 {
		poolCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		f := d.fetcherFor(job, asm)
		errs = runPool(poolCtx, cancel, f, pending, job.Connections)
	}

	result := &utils.DownloadResult{
		OutputPath:   job.OutputPath,
		BytesWritten: asm.BytesWritten(),
		Elapsed:      time.Since(startTime),
	}
	switch {
	case ctx.Err() != nil:
		asm.Abandon()
		result.State = utils.StateCancelled
		log.Debug().Msg("Download cancelled, manifest kept for resume")
	case len(errs) > 0:
		asm.Abandon()
		result.State = utils.StateFailed
		result.SegmentErrors = errs
		log.Debug().Int("failures", len(errs)).Msg("Download failed, manifest kept for resume")
	default:
		if err := asm.Finalize(); err != nil {
			asm.Abandon()
			return nil, err
		}
		result.State = utils.StateCompleted
		log.Debug().Int64("bytes", result.BytesWritten).Dur("elapsed", result.Elapsed).Msg("Download completed")
	}
	return result, nil
}

// Probe determines the remote size and range support, first via HEAD and
// falling back to a one-byte range request for servers that reject HEAD.
func Probe(ctx context.Context, client utils.HTTPDoer, url string) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, err
	}
	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 && resp.ContentLength > 0 {
			rangeable := strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes")
			return resp.ContentLength, rangeable, nil
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err = client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, err := parseTotalFromContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, false, err
		}
		return total, true, nil
	case http.StatusOK:
		if resp.ContentLength > 0 {
			return resp.ContentLength, false, utils.ErrRangeRequestsNotSupported
		}
	}
	return 0, false, utils.ErrRangeRequestsNotSupported
}

func parseTotalFromContentRange(header string) (int64, error) {
	// format: "bytes 0-0/12345"
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, fmt.Errorf("malformed Content-Range header: %q", header)
	}
	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range header: %q", header)
	}
	return total, nil
}
