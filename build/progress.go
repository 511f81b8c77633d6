package build

import "time"

// Stage is the work done in one non-terminal state.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageCompile Stage = "compile"
	StageEmit    Stage = "emit"
	StageLink    Stage = "link"
)

// Status is the progress of a stage.
type Status string

const (
	StatusWorking Status = "working"
	// StatusFunction reports one compiled function; Done and Total are set.
	StatusFunction Status = "function"
	StatusDone     Status = "done"
	StatusError    Status = "error"
)

// Event reports build progress.
type Event struct {
	Stage    Stage
	Status   Status
	Function uint32
	Done     int
	Total    int
	Err      error
	Elapsed  time.Duration
}

// ProgressSink consumes progress events. StatusFunction events arrive from
// the compiler's worker goroutines, so OnEvent must be safe for concurrent
// use.
type ProgressSink interface {
	OnEvent(Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) OnEvent(Event) {}

// ChannelSink forwards events into a channel. Sends block, so the reader
// must drain Ch until Build returns.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(ev Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- ev
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(Event)

func (f SinkFunc) OnEvent(ev Event) { f(ev) }
