// Package progress carries coarse status events from the pipeline to an
// optional observer. Handlers are called from worker goroutines and must not
// block for long; the pipeline never waits for an observer.
package progress

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Kind of event.
type Kind string

const (
	SolveStarted     Kind = "solve-started"
	SolveFinished    Kind = "solve-finished"
	FetchStarted     Kind = "fetch-started"
	DownloadProgress Kind = "download-progress"
	FetchRetrying    Kind = "fetch-retrying"
	FetchFinished    Kind = "fetch-finished"
	FetchFailed      Kind = "fetch-failed"
	ExecStarted      Kind = "exec-started"
)

// Event is one notification.
type Event struct {
	Kind           Kind
	Interface      string
	Implementation string
	URL            string
	Bytes          int64
	Total          int64 // -1 if unknown
	Err            error
}

// Handler receives events. Implementations must be safe for concurrent use.
type Handler interface {
	Handle(Event)
}

// Func adapts a function to Handler.
type Func func(Event)

func (f Func) Handle(e Event) { f(e) }

type nop struct{}

func (nop) Handle(Event) {}

// Nop discards events.
var Nop Handler = nop{}

// Log writes events to a zerolog logger. Download progress is logged at
// trace level, everything else at info or warn.
type Log struct {
	log zerolog.Logger
}

// NewLog creates a logging handler.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

// Handle implements Handler.
func (l *Log) Handle(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case DownloadProgress:
		ev = l.log.Trace().Int64("bytes", e.Bytes).Int64("total", e.Total)
	case FetchFailed, FetchRetrying:
		ev = l.log.Warn().Err(e.Err)
	default:
		ev = l.log.Info()
	}
	if e.Interface != "" {
		ev = ev.Str("interface", e.Interface)
	}
	if e.Implementation != "" {
		ev = ev.Str("implementation", e.Implementation)
	}
	if e.URL != "" {
		ev = ev.Str("url", e.URL)
	}
	ev.Msg(string(e.Kind))
}

// Async forwards events to a handler from a single goroutine through a
// bounded buffer. Events arriving while the buffer is full are dropped.
type Async struct {
	next    Handler
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewAsync starts the forwarding goroutine. Call Close to stop it.
func NewAsync(next Handler, buffer int) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	a := &Async{
		next:   next,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.events {
		a.next.Handle(e)
	}
}

// Handle implements Handler. It never blocks.
func (a *Async) Handle(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close delivers the buffered events and stops the goroutine.
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
	})
	<-a.done
}
