package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/parget/parget/internal/utils"
)

// Assembler owns the destination file handle and the resume manifest. Segment
// byte ranges are disjoint by construction, so concurrent writes need no lock
// on file content; only manifest updates are serialized.
type Assembler struct {
	job       *utils.DownloadJob
	totalSize int64

	mu       sync.Mutex
	file     *os.File
	segments []utils.Segment
	partial  string
	manifest string
}

func NewAssembler(job *utils.DownloadJob, totalSize int64) *Assembler {
	return &Assembler{
		job:       job,
		totalSize: totalSize,
		partial:   job.OutputPath + utils.PartialSuffix,
		manifest:  job.OutputPath + utils.ManifestSuffix,
	}
}

// Prepare pre-sizes the partial file and reconciles any resume manifest on
// disk against the planned segments. Previously done segments survive;
// in-progress and failed ones restart at their own start offset, since their
// on-disk bytes cannot be trusted without a checkpoint.
func (a *Assembler) Prepare(planned []utils.Segment) ([]utils.Segment, error) {
	log := utils.GetLogger("assembler")
	a.segments = planned

	if dir := filepath.Dir(a.job.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating output directory: %w", err)
		}
	}

	partialExists := false
	if _, err := os.Stat(a.partial); err == nil {
		partialExists = true
	}
	if m, err := loadManifest(a.manifest); err == nil && m != nil {
		switch {
		case !partialExists:
			log.Debug().Str("file", a.manifest).Msg("Manifest without partial file, discarding")
		case !m.matches(a.totalSize, a.job.SplitSize):
			log.Debug().Int64("size", m.TotalSize).Int64("split", m.SplitSize).Msg("Manifest parameters differ, discarding")
		default:
			a.applyManifest(m)
		}
	}

	file, err := os.OpenFile(a.partial, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening partial file: %w", err)
	}
	if a.totalSize > 0 {
		if err := file.Truncate(a.totalSize); err != nil {
			file.Close()
			return nil, fmt.Errorf("error pre-allocating %d bytes: %w", a.totalSize, err)
		}
	} else {
		// Open-ended mode never resumes, so any leftover bytes from an earlier
		// session are stale and would survive past the stream's end.
		if err := file.Truncate(0); err != nil {
			file.Close()
			return nil, fmt.Errorf("error truncating stale partial file: %w", err)
		}
	}
	a.file = file
	if err := a.flushLocked(); err != nil {
		return nil, err
	}
	return a.segments, nil
}

func (a *Assembler) applyManifest(m *manifest) {
	log := utils.GetLogger("assembler")
	states := make(map[int]manifestSegment, len(m.Segments))
	for _, ms := range m.Segments {
		states[ms.Index] = ms
	}
	resumed := 0
	for i := range a.segments {
		seg := &a.segments[i]
		ms, ok := states[seg.Index]
		if !ok || ms.Start != seg.StartByte || ms.End != seg.EndByte {
			continue
		}
		if ms.State == utils.SegmentDone.String() && ms.Written == seg.Size() {
			seg.State = utils.SegmentDone
			seg.Written = ms.Written
			resumed++
		}
	}
	if resumed > 0 {
		log.Debug().Int("segments", resumed).Msg("Resuming previously completed segments")
	}
}

// WriterFor returns a writer positioned at the segment's next unwritten byte.
// Callers get a fresh writer per attempt so retries land exactly where the
// last confirmed byte left off.
func (a *Assembler) WriterFor(seg *utils.Segment) io.Writer {
	return io.NewOffsetWriter(a.file, seg.StartByte+seg.Written)
}

// SetState transitions a segment and persists the change into the manifest.
// The manifest flusher reads every segment, so state and byte-count mutations
// from workers all pass through the assembler's lock.
func (a *Assembler) SetState(seg *utils.Segment, state utils.SegmentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seg.State = state
	if err := a.flushLocked(); err != nil {
		log := utils.GetLogger("assembler")
		log.Debug().Err(err).Msg("Error flushing manifest")
	}
}

// AddWritten advances a segment's confirmed byte count.
func (a *Assembler) AddWritten(seg *utils.Segment, delta int64) {
	a.mu.Lock()
	seg.Written += delta
	a.mu.Unlock()
}

func (a *Assembler) flushLocked() error {
	return saveManifest(a.manifest, buildManifest(a.job, a.totalSize, a.segments))
}

func (a *Assembler) IsComplete() bool {
	for i := range a.segments {
		if a.segments[i].State != utils.SegmentDone {
			return false
		}
	}
	return true
}

func (a *Assembler) BytesWritten() int64 {
	var total int64
	for i := range a.segments {
		total += a.segments[i].Written
	}
	return total
}

// Finalize verifies every segment is done, promotes the partial file to the
// output path and removes the manifest.
func (a *Assembler) Finalize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.segments {
		if a.segments[i].State != utils.SegmentDone {
			return fmt.Errorf("%w: segment %d is %s", ErrIncompleteDownload, a.segments[i].Index, a.segments[i].State)
		}
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("error syncing partial file: %w", err)
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("error closing partial file: %w", err)
	}
	a.file = nil
	if err := os.Rename(a.partial, a.job.OutputPath); err != nil {
		return fmt.Errorf("error renaming (finalizing) output file: %w", err)
	}
	if err := os.Remove(a.manifest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing manifest: %w", err)
	}
	return nil
}

// Abandon keeps the partial file and manifest on disk for a later resume.
func (a *Assembler) Abandon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.flushLocked(); err != nil {
		log := utils.GetLogger("assembler")
		log.Debug().Err(err).Msg("Error flushing manifest on abandon")
	}
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
}
