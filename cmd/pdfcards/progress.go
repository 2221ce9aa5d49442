package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// progressReporter renders pipeline progress callbacks as a terminal bar.
// Chunks report from their own goroutines, so every method locks.
type progressReporter struct {
	mu   sync.Mutex
	out  io.Writer
	bar  *progressbar.ProgressBar
	step string
}

func newProgressReporter(out io.Writer) *progressReporter {
	return &progressReporter{out: out}
}

func (p *progressReporter) newBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		int64(total),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowCount(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.out, "\n")
		}),
	)
}

// Update matches pipeline.ProgressCallback.
func (p *progressReporter) Update(step, message string, current, total int) {
	if total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil || step != p.step {
		p.finish()
		p.step = step
		p.bar = p.newBar(total, step)
	}
	p.bar.ChangeMax64(int64(total))
	p.bar.Describe(fmt.Sprintf("%-10s %s", step, message))
	_ = p.bar.Set64(int64(current))
}

func (p *progressReporter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finish()
}

func (p *progressReporter) finish() {
	if p.bar != nil && !p.bar.IsFinished() {
		_ = p.bar.Finish()
	}
	p.bar = nil
}
