package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parget/parget/internal/utils"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 8 * time.Second
)

// fetcher downloads single segments. One fetcher is shared by all workers of
// a job; per-segment mutable state lives on the segment itself, which is
// owned by exactly one worker at a time.
type fetcher struct {
	job         *utils.DownloadJob
	client      utils.HTTPDoer
	asm         *Assembler
	progress    func(segment int, delta int64)
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func (f *fetcher) backoff(attempt int) time.Duration {
	delay := f.backoffBase << (attempt - 1)
	if delay > f.backoffCap {
		delay = f.backoffCap
	}
	return delay
}

// fetchSegment drives the retry loop for one segment. Transient failures are
// retried with exponential backoff, each retry resuming from the last
// confirmed byte. Non-retriable failures and exhausted retries mark the
// segment failed.
func (f *fetcher) fetchSegment(ctx context.Context, seg *utils.Segment) error {
	log := utils.GetLogger("fetch").With().Int("segment", seg.Index).Logger()
	f.asm.SetState(seg, utils.SegmentInProgress)

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.backoff(attempt - 1)
			log.Debug().Int("attempt", attempt).Dur("backoff", delay).Msg("Retrying segment")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		seg.Attempts++
		err := f.fetchOnce(ctx, seg)
		if err == nil {
			seg.LastError = nil
			f.asm.SetState(seg, utils.SegmentDone)
			log.Debug().Int64("bytes", seg.Written).Int("attempts", seg.Attempts).Msg("Segment completed")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			seg.LastError = err
			f.asm.SetState(seg, utils.SegmentFailed)
			return err
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt).Msg("Error downloading segment")
	}
	seg.LastError = lastErr
	f.asm.SetState(seg, utils.SegmentFailed)
	return fmt.Errorf("segment %d failed after %d attempts: %w", seg.Index, f.maxAttempts, lastErr)
}

// fetchOnce performs one range request for the segment's unwritten remainder
// and streams it into the destination file at the matching offset.
func (f *fetcher) fetchOnce(ctx context.Context, seg *utils.Segment) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.job.URL, nil)
	if err != nil {
		return fatalErr(seg.Index, err)
	}
	ranged := seg.EndByte >= 0
	startByte := seg.StartByte + seg.Written
	if ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startByte, seg.EndByte))
	} else if seg.Written > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}
	req.Header.Set("Connection", "keep-alive")
	for key, value := range f.job.Headers {
		req.Header.Set(key, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return transientErr(seg.Index, err)
	}
	defer resp.Body.Close()

	remaining := seg.Remaining()
	if ranged {
		if resp.StatusCode != http.StatusPartialContent {
			err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			if transientStatus(resp.StatusCode) {
				return transientErr(seg.Index, err)
			}
			return fatalErr(seg.Index, err)
		}
		if resp.Header.Get("Content-Range") == "" {
			return fatalErr(seg.Index, errors.New("missing Content-Range header"))
		}
		if resp.ContentLength >= 0 && resp.ContentLength != remaining {
			return fatalErr(seg.Index, fmt.Errorf("content length mismatch: expected %d bytes, server offers %d", remaining, resp.ContentLength))
		}
	} else {
		switch {
		case seg.Written > 0 && resp.StatusCode == http.StatusPartialContent:
			// resuming the open-ended stream where it left off
		case resp.StatusCode == http.StatusOK:
			if seg.Written > 0 {
				// Server ignored the resume range, start over from zero.
				f.progress(seg.Index, -seg.Written)
				f.asm.AddWritten(seg, -seg.Written)
			}
		default:
			err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			if transientStatus(resp.StatusCode) {
				return transientErr(seg.Index, err)
			}
			return fatalErr(seg.Index, err)
		}
	}

	writer := f.asm.WriterFor(seg)
	buffer := make([]byte, utils.DefaultBufferSize)
	var sessionBytes int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if ranged {
				// Never let an over-long body spill into a neighboring
				// segment's byte range.
				if allowed := seg.Size() - seg.Written; int64(bytesRead) > allowed {
					return fatalErr(seg.Index, fmt.Errorf("server sent more than the %d requested bytes", remaining))
				}
			}
			if _, writeErr := writer.Write(buffer[:bytesRead]); writeErr != nil {
				return fatalErr(seg.Index, fmt.Errorf("error writing to output file: %w", writeErr))
			}
			sessionBytes += int64(bytesRead)
			f.asm.AddWritten(seg, int64(bytesRead))
			f.progress(seg.Index, int64(bytesRead))
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return transientErr(seg.Index, readErr)
		}
	}

	if ranged {
		if sessionBytes < remaining {
			return transientErr(seg.Index, fmt.Errorf("truncated stream: expected %d remaining bytes, got %d this session", remaining, sessionBytes))
		}
		if sessionBytes > remaining || seg.Written != seg.Size() {
			return fatalErr(seg.Index, fmt.Errorf("size mismatch: expected %d total bytes, got %d", seg.Size(), seg.Written))
		}
	}
	return nil
}
