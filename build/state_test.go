package build

import (
	"testing"
	"time"

	"github.com/wippyai/wasm-aot/errors"
)

func fakeClock() func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestMachinePaths(t *testing.T) {
	paths := [][]State{
		{StateCompiling, StateEmitting, StateLinking, StateDone},
		{StateCompiling, StateEmitting, StateDone},
		{StateFailed},
		{StateCompiling, StateFailed},
		{StateCompiling, StateEmitting, StateLinking, StateFailed},
	}
	for _, path := range paths {
		m := newMachine(fakeClock())
		for _, s := range path {
			if d := m.to(s); d != time.Second {
				t.Errorf("%v: elapsed %v", path, d)
			}
		}
		if !m.state.Terminal() {
			t.Errorf("%v ends in %s", path, m.state)
		}
	}
}

func TestMachineTimings(t *testing.T) {
	m := newMachine(fakeClock())
	m.to(StateCompiling)
	m.to(StateEmitting)
	m.fail(errors.ObjectFormat("elf", "boom"))
	if m.kind != errors.KindObjectFormat {
		t.Errorf("kind = %s", m.kind)
	}
	for _, s := range []Stage{StageResolve, StageCompile, StageEmit} {
		if m.timings.Duration(s) != time.Second {
			t.Errorf("%s = %v", s, m.timings.Duration(s))
		}
	}
	if m.timings.Has(StageLink) || m.timings.Total() != 3*time.Second {
		t.Errorf("timings = %+v", m.timings)
	}
}

func TestMachineIllegal(t *testing.T) {
	illegal := [][2]State{
		{StateResolving, StateLinking},
		{StateResolving, StateDone},
		{StateCompiling, StateResolving},
		{StateDone, StateFailed},
		{StateFailed, StateResolving},
	}
	for _, tr := range illegal {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s -> %s did not panic", tr[0], tr[1])
				}
			}()
			m := newMachine(fakeClock())
			m.state = tr[0]
			m.to(tr[1])
		}()
	}
}
