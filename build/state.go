package build

import (
	"fmt"
	"time"

	"github.com/wippyai/wasm-aot/errors"
)

// State is a step of one build.
type State string

const (
	StateResolving State = "resolving"
	StateCompiling State = "compiling"
	StateEmitting  State = "emitting"
	StateLinking   State = "linking"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Stage returns the stage the state runs, empty for terminal states.
func (s State) Stage() Stage {
	switch s {
	case StateResolving:
		return StageResolve
	case StateCompiling:
		return StageCompile
	case StateEmitting:
		return StageEmit
	case StateLinking:
		return StageLink
	default:
		return ""
	}
}

var transitions = map[State][]State{
	StateResolving: {StateCompiling, StateFailed},
	StateCompiling: {StateEmitting, StateFailed},
	StateEmitting:  {StateLinking, StateDone, StateFailed},
	StateLinking:   {StateDone, StateFailed},
}

// machine tracks one build. A build starts in StateResolving and every
// transition is checked; an illegal one is a bug in the driver and panics.
type machine struct {
	state   State
	kind    errors.Kind
	entered time.Time
	timings Timings
	now     func() time.Time
}

func newMachine(now func() time.Time) *machine {
	if now == nil {
		now = time.Now
	}
	return &machine{state: StateResolving, entered: now(), now: now}
}

func (m *machine) to(next State) time.Duration {
	if !legal(m.state, next) {
		panic(fmt.Sprintf("build: illegal transition %s -> %s", m.state, next))
	}
	t := m.now()
	elapsed := t.Sub(m.entered)
	if stage := m.state.Stage(); stage != "" {
		m.timings.Set(stage, elapsed)
	}
	m.state = next
	m.entered = t
	return elapsed
}

func (m *machine) fail(err error) time.Duration {
	m.kind = errors.KindOf(err)
	return m.to(StateFailed)
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Timings holds stage durations.
type Timings struct {
	stages map[Stage]time.Duration
}

// Set stores a duration for stage.
func (t *Timings) Set(stage Stage, d time.Duration) {
	if t.stages == nil {
		t.stages = make(map[Stage]time.Duration)
	}
	t.stages[stage] = d
}

// Has reports whether stage ran.
func (t Timings) Has(stage Stage) bool {
	_, ok := t.stages[stage]
	return ok
}

// Duration returns the recorded duration for stage.
func (t Timings) Duration(stage Stage) time.Duration {
	return t.stages[stage]
}

// Total sums every recorded stage.
func (t Timings) Total() time.Duration {
	var total time.Duration
	for _, d := range t.stages {
		total += d
	}
	return total
}
