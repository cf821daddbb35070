package engine

import (
	"fmt"

	"github.com/parget/parget/internal/utils"
)

// Plan partitions [0, totalSize) into contiguous, non-overlapping segments of
// splitSize bytes, the last one absorbing the remainder. An unknown or
// non-positive totalSize yields a single open-ended segment so the engine can
// fall back to plain streaming. Deterministic for identical inputs, which is
// what makes re-planning on resume safe.
func Plan(totalSize, splitSize int64) ([]utils.Segment, error) {
	if splitSize <= 0 {
		return nil, fmt.Errorf("%w: split size must be positive, got %d", ErrInvalidConfiguration, splitSize)
	}
	if totalSize <= 0 {
		return []utils.Segment{{Index: 0, StartByte: 0, EndByte: -1, State: utils.SegmentPending}}, nil
	}
	count := (totalSize + splitSize - 1) / splitSize
	segments := make([]utils.Segment, 0, count)
	var position int64
	for i := 0; position < totalSize; i++ {
		endByte := position + splitSize - 1
		if endByte > totalSize-1 {
			endByte = totalSize - 1
		}
		segments = append(segments, utils.Segment{
			Index:     i,
			StartByte: position,
			EndByte:   endByte,
			State:     utils.SegmentPending,
		})
		position = endByte + 1
	}
	return segments, nil
}

// ValidateJob rejects unusable jobs before any network activity.
func ValidateJob(job *utils.DownloadJob) error {
	if job.URL == "" {
		return fmt.Errorf("%w: missing URL", ErrInvalidConfiguration)
	}
	if job.OutputPath == "" {
		return fmt.Errorf("%w: missing output path", ErrInvalidConfiguration)
	}
	if job.SplitSize <= 0 {
		return fmt.Errorf("%w: split size must be positive, got %d", ErrInvalidConfiguration, job.SplitSize)
	}
	if job.Connections <= 0 {
		return fmt.Errorf("%w: connection count must be positive, got %d", ErrInvalidConfiguration, job.Connections)
	}
	return nil
}
