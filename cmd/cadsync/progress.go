package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/mattn/go-isatty"
	"github.com/uvcad/cadsync/internal/sync"
)

const (
	progressWidth   = 30
	progressPathLen = 48
)

// watchProgress draws a progress line on w while a run is in flight. It draws nothing unless
// enabled and w is a terminal. The returned function stops drawing and clears the line.
func watchProgress(w io.Writer, engine *sync.Engine, enabled bool) func() {
	if !enabled || !isTTY(w) {
		return func() {}
	}

	events := engine.Subscribe()
	done := make(chan struct{})
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(progressWidth), progress.WithoutPercentage())

	go func() {
		defer close(done)
		for ev := range events {
			fmt.Fprintf(w, "\r\x1b[K%s %3.0f%% %-12s %s", bar.ViewAs(ev.Percent/100), ev.Percent, ev.Operation, ellipsize(ev.Path, progressPathLen))
		}
		fmt.Fprint(w, "\r\x1b[K")
	}()

	return func() {
		engine.Unsubscribe(events)
		<-done
	}
}

// ellipsize keeps the tail of long paths, the file name is the informative part.
func ellipsize(p string, n int) string {
	r := []rune(p)
	if len(r) <= n {
		return p
	}
	return "…" + string(r[len(r)-n+1:])
}

func isTTY(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
