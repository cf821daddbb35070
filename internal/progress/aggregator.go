package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultInterval  = 500 * time.Millisecond
	defaultByteStep  = int64(8 * 1024 * 1024)
	defaultRateSpan  = 10 * time.Second
	minSnapshotDelta = 50 * time.Millisecond
)

// Snapshot is a point-in-time aggregate of download progress. Emitted
// repeatedly, never mutated after emission.
type Snapshot struct {
	BytesCompleted int64
	BytesTotal     int64 // 0 when unknown
	Rate           float64
	ETA            time.Duration // <= 0 when unknown
	Elapsed        time.Duration
}

type sample struct {
	at    time.Time
	bytes int64
}

// Aggregator sums byte deltas from concurrently running segments and emits
// snapshots on a fixed cadence or every few megabytes, whichever comes first.
// Add never blocks a fetcher; the rate is computed over a recent sliding
// window so it tracks changing network conditions instead of the lifetime
// average.
type Aggregator struct {
	total    atomic.Int64
	size     atomic.Int64
	lastEmit atomic.Int64

	interval time.Duration
	byteStep int64
	rateSpan time.Duration

	mu       sync.Mutex
	subs     []func(Snapshot)
	samples  []sample
	started  time.Time
	lastSent time.Time

	notifyCh chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		interval: defaultInterval,
		byteStep: defaultByteStep,
		rateSpan: defaultRateSpan,
		notifyCh: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
}

// NewAggregatorWithInterval is mainly for tests that need a fast cadence.
func NewAggregatorWithInterval(interval time.Duration, byteStep int64) *Aggregator {
	a := NewAggregator()
	a.interval = interval
	a.byteStep = byteStep
	return a
}

func (a *Aggregator) SetTotal(n int64) {
	if n > 0 {
		a.size.Store(n)
	}
}

// Subscribe registers a snapshot sink. Callbacks run on the aggregator's own
// goroutine and should return quickly.
func (a *Aggregator) Subscribe(fn func(Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, fn)
}

// Add records a byte delta for a segment. Fire-and-forget: an atomic add plus
// at most a non-blocking channel send. Negative deltas roll back bytes that a
// restarted stream will re-download.
func (a *Aggregator) Add(segment int, delta int64) {
	if delta == 0 {
		return
	}
	total := a.total.Add(delta)
	if a.byteStep > 0 && total-a.lastEmit.Load() >= a.byteStep {
		select {
		case a.notifyCh <- struct{}{}:
		default:
		}
	}
}

func (a *Aggregator) BytesCompleted() int64 {
	return a.total.Load()
}

func (a *Aggregator) Start() {
	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.emit()
			case <-a.notifyCh:
				a.emit()
			case <-a.doneCh:
				return
			}
		}
	}()
}

// Stop shuts the emit loop down and pushes one final snapshot so sinks see
// the terminal byte count.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.doneCh)
		a.wg.Wait()
		a.emit()
	})
}

func (a *Aggregator) emit() {
	snap := a.snapshot()
	a.mu.Lock()
	subs := make([]func(Snapshot), len(a.subs))
	copy(subs, a.subs)
	a.mu.Unlock()
	a.lastEmit.Store(snap.BytesCompleted)
	for _, fn := range subs {
		fn(snap)
	}
}

// Snapshot computes the current aggregate without emitting it.
func (a *Aggregator) Snapshot() Snapshot {
	return a.snapshot()
}

func (a *Aggregator) snapshot() Snapshot {
	now := time.Now()
	total := a.total.Load()
	size := a.size.Load()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started.IsZero() {
		a.started = now
	}
	// Keep sample spacing sane when byte-step notifications fire rapidly.
	if len(a.samples) == 0 || now.Sub(a.samples[len(a.samples)-1].at) >= minSnapshotDelta {
		a.samples = append(a.samples, sample{at: now, bytes: total})
	}
	cutoff := now.Add(-a.rateSpan)
	trimmed := 0
	for trimmed < len(a.samples)-1 && a.samples[trimmed].at.Before(cutoff) {
		trimmed++
	}
	a.samples = a.samples[trimmed:]

	snap := Snapshot{
		BytesCompleted: total,
		BytesTotal:     size,
		Elapsed:        now.Sub(a.started),
	}
	first := a.samples[0]
	last := a.samples[len(a.samples)-1]
	if span := last.at.Sub(first.at).Seconds(); span > 0 && last.bytes > first.bytes {
		snap.Rate = float64(last.bytes-first.bytes) / span
	}
	if size > 0 && snap.Rate > 0 && total < size {
		snap.ETA = time.Duration(float64(size-total) / snap.Rate * float64(time.Second))
	}
	return snap
}
