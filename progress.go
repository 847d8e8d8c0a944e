package relay

import (
	"io"
	"strings"
	"time"
)

// Progress is a snapshot of a running download.
type Progress struct {
	Name       string
	Downloaded int64
	// Total is -1 when server didn't declare content length.
	Total int64
}

// Percent returns downloaded part in percents or -1 if total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Downloaded) * 100 / float64(p.Total)
}

// ProgressFunc receives progress updates of a download. It is called from the downloading goroutine.
type ProgressFunc func(Progress)

// progressReader counts bytes read through it and reports coarse, rate limited progress.
// Reports are emitted when the percentage crosses the next step (or every step bytes when total is unknown)
// and at least interval passed since the previous report.
type progressReader struct {
	r    io.Reader
	sink ProgressFunc
	now  func() time.Time

	progress    Progress
	step        float64
	unknownStep int64
	interval    time.Duration

	nextMark   float64
	lastReport time.Time
}

func newProgressReader(r io.Reader, sink ProgressFunc, name string, total int64, step float64, interval time.Duration) *progressReader {
	if total <= 0 {
		total = -1
	}
	if step <= 0 {
		step = 5
	}
	p := &progressReader{
		r:           r,
		sink:        sink,
		now:         time.Now,
		progress:    Progress{Name: name, Total: total},
		step:        step,
		unknownStep: 4 << 20,
		interval:    interval,
	}
	p.nextMark = p.markAfter(0)
	return p
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.progress.Downloaded += int64(n)
		p.maybeReport()
	}
	return n, err
}

func (p *progressReader) maybeReport() {
	if p.sink == nil {
		return
	}

	var current float64
	if p.progress.Total > 0 {
		current = p.progress.Percent()
	} else {
		current = float64(p.progress.Downloaded) / float64(p.unknownStep)
	}
	if current < p.nextMark {
		return
	}

	now := p.now()
	if !p.lastReport.IsZero() && now.Sub(p.lastReport) < p.interval {
		return
	}

	p.lastReport = now
	p.nextMark = p.markAfter(current)
	p.sink(p.progress)
}

func (p *progressReader) markAfter(current float64) float64 {
	step := p.step
	if p.progress.Total <= 0 {
		step = 1
	}
	return (float64(int64(current/step)) + 1) * step
}

// ProgressBar renders progress as a text bar of the provided width, e.g. [████░░░░░░].
func ProgressBar(percent float64, width int) string {
	if width <= 0 {
		width = 20
	}
	percent = min(max(percent, 0), 100)
	filled := int(percent / 100 * float64(width))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
