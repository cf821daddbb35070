package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/parget/parget/internal/progress"
	"github.com/parget/parget/internal/utils"
)

const progressBarWidth = 30

type rowState struct {
	name      string
	snapshot  progress.Snapshot
	status    string // pending, active, done, failed, cancelled
	message   string
	index     int
	updatedAt time.Time
}

// Display renders every registered job's latest snapshot in place, one line
// per job, redrawn on a ticker. It is a pure snapshot sink; the engine never
// knows it exists.
type Display struct {
	mu       sync.RWMutex
	rows     map[string]*rowState
	order    []string
	numLines int
	out      io.Writer
	tick     time.Duration
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

func NewDisplay() *Display {
	return &Display{
		rows:   make(map[string]*rowState),
		out:    os.Stdout,
		tick:   500 * time.Millisecond,
		doneCh: make(chan struct{}),
	}
}

func (d *Display) Register(id, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows[id] = &rowState{name: name, status: "pending", index: len(d.order)}
	d.order = append(d.order, id)
}

// UpdateSnapshot is the subscription target handed to each job's aggregator.
func (d *Display) UpdateSnapshot(id string, s progress.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if row, ok := d.rows[id]; ok {
		row.snapshot = s
		if row.status == "pending" && s.BytesCompleted > 0 {
			row.status = "active"
		}
		row.updatedAt = time.Now()
	}
}

func (d *Display) SetStatus(id, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if row, ok := d.rows[id]; ok {
		row.status = status
	}
}

func (d *Display) Complete(id, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if row, ok := d.rows[id]; ok {
		row.status = "done"
		row.message = message
	}
}

func (d *Display) Fail(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if row, ok := d.rows[id]; ok {
		row.status = "failed"
		row.message = err.Error()
	}
}

func (d *Display) Cancel(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if row, ok := d.rows[id]; ok {
		row.status = "cancelled"
		row.message = "cancelled, resume state kept"
	}
}

func (d *Display) StartDisplay() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.redraw()
			case <-d.doneCh:
				return
			}
		}
	}()
}

func (d *Display) StopDisplay() {
	close(d.doneCh)
	d.wg.Wait()
	d.redraw()
}

func (d *Display) redraw() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.numLines != 0 {
		fmt.Fprintf(d.out, "\033[%dA\033[J", d.numLines)
	}
	for _, id := range d.order {
		row := d.rows[id]
		fmt.Fprintln(d.out, renderRow(row))
	}
	d.numLines = len(d.order)
}

func renderRow(row *rowState) string {
	name := row.name
	if len(name) > 25 {
		name = "..." + name[len(name)-22:]
	}
	switch row.status {
	case "done":
		return successStyle.Render(fmt.Sprintf("%s %s  %s  %s", StyleSymbols["pass"], name,
			utils.FormatBytes(uint64(row.snapshot.BytesCompleted)), row.message))
	case "failed":
		return errorStyle.Render(fmt.Sprintf("%s %s  %s", StyleSymbols["fail"], name, row.message))
	case "cancelled":
		return warningStyle.Render(fmt.Sprintf("%s %s  %s", StyleSymbols["warning"], name, row.message))
	case "pending":
		return pendingStyle.Render(fmt.Sprintf("%s %s  waiting", StyleSymbols["pending"], name))
	}
	s := row.snapshot
	bar := renderBar(s)
	if s.BytesTotal > 0 {
		percent := float64(s.BytesCompleted) / float64(s.BytesTotal) * 100
		return fmt.Sprintf("%s %s %s %s/%s %s ETA: %s",
			infoStyle.Render(name), bar,
			detailStyle.Render(fmt.Sprintf("%.1f%%", percent)),
			utils.FormatBytes(uint64(s.BytesCompleted)), utils.FormatBytes(uint64(s.BytesTotal)),
			utils.FormatSpeed(s.Rate), utils.FormatETA(s.ETA))
	}
	return fmt.Sprintf("%s %s %s %s",
		infoStyle.Render(name), bar,
		utils.FormatBytes(uint64(s.BytesCompleted)), utils.FormatSpeed(s.Rate))
}

func renderBar(s progress.Snapshot) string {
	if s.BytesTotal <= 0 {
		return "[" + strings.Repeat(" ", 10) + strings.Repeat("*", 10) + strings.Repeat(" ", 10) + "]"
	}
	filled := int(float64(s.BytesCompleted) / float64(s.BytesTotal) * float64(progressBarWidth))
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	bar := "[" + strings.Repeat("=", filled)
	if filled < progressBarWidth {
		bar += ">" + strings.Repeat(" ", progressBarWidth-filled-1)
	}
	return bar + "]"
}
