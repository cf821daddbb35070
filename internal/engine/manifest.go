package engine

import (
	"encoding/json"
	"os"
	"time"

	"github.com/parget/parget/internal/utils"
)

// manifest is the resume record persisted next to the partial file. It maps
// segment index to state so a restarted job with the same parameters can skip
// finished ranges. Signed URLs rotate between sessions, so the fingerprint is
// total size plus split size rather than the URL itself.
type manifest struct {
	URL       string            `json:"url"`
	TotalSize int64             `json:"totalSize"`
	SplitSize int64             `json:"splitSize"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Segments  []manifestSegment `json:"segments"`
}

type manifestSegment struct {
	Index   int    `json:"index"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	State   string `json:"state"`
	Written int64  `json:"written"`
}

func (m *manifest) matches(totalSize, splitSize int64) bool {
	return m.TotalSize == totalSize && m.SplitSize == splitSize
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt manifest only costs the resume state, not the job.
		return nil, nil
	}
	return &m, nil
}

func saveManifest(path string, m *manifest) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func buildManifest(job *utils.DownloadJob, totalSize int64, segments []utils.Segment) *manifest {
	m := &manifest{
		URL:       job.URL,
		TotalSize: totalSize,
		SplitSize: job.SplitSize,
		Segments:  make([]manifestSegment, len(segments)),
	}
	for i, seg := range segments {
		m.Segments[i] = manifestSegment{
			Index:   seg.Index,
			Start:   seg.StartByte,
			End:     seg.EndByte,
			State:   seg.State.String(),
			Written: seg.Written,
		}
	}
	return m
}
