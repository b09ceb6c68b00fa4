package fetch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress tracks one stage's downloads and logs a periodic progress line
// with throughput and ETA.
type Progress struct {
	stage      string
	totalFiles int
	totalBytes int64

	mu         sync.Mutex
	doneFiles  int
	doneBytes  int64
	failed     int
	start      time.Time
	lastReport time.Time
}

const progressInterval = time.Second

// NewProgress starts tracking a stage of totalFiles downloads summing to
// totalBytes (0 when sizes are unknown).
func NewProgress(stage string, totalFiles int, totalBytes int64) *Progress {
	return &Progress{
		stage:      stage,
		totalFiles: totalFiles,
		totalBytes: totalBytes,
		start:      time.Now(),
	}
}

func (p *Progress) done(req *Request, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.failed++
	} else {
		p.doneFiles++
		if req.Size > 0 {
			p.doneBytes += req.Size
		}
	}

	if now := time.Now(); now.Sub(p.lastReport) >= progressInterval {
		p.lastReport = now
		p.report()
	}
}

// Finish logs the stage summary.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.start)
	attrs := []any{
		slog.String("stage", p.stage),
		slog.Int("files", p.doneFiles),
		slog.Int("total", p.totalFiles),
		slog.String("bytes", humanize.IBytes(uint64(p.doneBytes))),
		slog.Duration("elapsed", elapsed.Round(time.Millisecond)),
	}
	if p.failed > 0 {
		attrs = append(attrs, slog.Int("failed", p.failed))
		slog.Warn("stage finished with failures", attrs...)
		return
	}
	slog.Info("stage finished", attrs...)
}

// report logs the in-flight progress line; callers hold p.mu.
func (p *Progress) report() {
	elapsed := time.Since(p.start).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(p.doneBytes) / elapsed
	}

	attrs := []any{
		slog.String("stage", p.stage),
		slog.Int("files", p.doneFiles+p.failed),
		slog.Int("total", p.totalFiles),
		slog.String("speed", humanize.IBytes(uint64(speed))+"/s"),
	}
	if p.totalBytes > 0 && speed > 0 {
		remaining := float64(p.totalBytes-p.doneBytes) / speed
		attrs = append(attrs, slog.Duration("eta", time.Duration(remaining*float64(time.Second)).Round(time.Second)))
	}
	slog.Info("progress", attrs...)
}
