package utils

import "time"

type SegmentState int

const (
	SegmentPending SegmentState = iota
	SegmentInProgress
	SegmentDone
	SegmentFailed
)

func (s SegmentState) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentInProgress:
		return "inprogress"
	case SegmentDone:
		return "done"
	case SegmentFailed:
		return "failed"
	}
	return "unknown"
}

// Segment is one contiguous byte range of the target file, the unit of
// concurrent fetch work. EndByte is inclusive; EndByte == -1 means the total
// size is unknown and the segment streams to EOF.
type Segment struct {
	Index     int
	StartByte int64
	EndByte   int64
	State     SegmentState
	Written   int64
	Attempts  int
	LastError error
}

func (s *Segment) Size() int64 {
	if s.EndByte < 0 {
		return -1
	}
	return s.EndByte - s.StartByte + 1
}

func (s *Segment) Remaining() int64 {
	if s.EndByte < 0 {
		return -1
	}
	return s.Size() - s.Written
}

// DownloadJob carries everything the engine needs for one file. The URL is
// already resolved and the headers already carry any auth; link resolution
// happens upstream. Immutable after creation.
type DownloadJob struct {
	ID               string
	URL              string
	OutputPath       string
	TotalSize        int64 // 0 or negative means unknown
	SplitSize        int64
	Connections      int
	Headers          map[string]string
	HTTPClientConfig HTTPClientConfig
	CheckMedia       bool
}

type ResultState int

const (
	StateCompleted ResultState = iota
	StateFailed
	StateCancelled
)

func (s ResultState) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

type DownloadResult struct {
	State         ResultState
	OutputPath    string
	BytesWritten  int64
	SegmentErrors []error
	Elapsed       time.Duration
}

type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
}
