package main

import (
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/Dante383/GKFlasher/internal/progress"
)

// barSink renders one operation's progress bar. It satisfies
// progress.Sink; the core never touches the terminal itself.
type barSink struct {
	bar *mpb.Bar

	mu    sync.Mutex
	title string
}

func newSinkFactory(container *mpb.Progress) func(total int, title string) progress.Sink {
	return func(total int, title string) progress.Sink {
		sink := &barSink{title: title}
		sink.bar = container.New(int64(total),
			mpb.BarStyle(),
			mpb.PrependDecorators(
				decor.Any(func(decor.Statistics) string {
					sink.mu.Lock()
					defer sink.mu.Unlock()
					return sink.title
				}, decor.WCSyncSpaceR),
				decor.CountersKibiByte("% .1f / % .1f"),
			),
			mpb.AppendDecorators(decor.Percentage()),
			mpb.BarRemoveOnComplete(),
		)
		return sink
	}
}

func (s *barSink) Title(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
}

func (s *barSink) Add(n int) {
	s.bar.IncrBy(n)
}
