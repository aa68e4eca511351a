package mirror

import "fmt"

// EntryState is the planning state of one source entry. Every entry starts
// Unchecked and settles in exactly one terminal state per planning pass.
type EntryState string

const (
	StateUnchecked        EntryState = "unchecked"
	StateSkippedStale     EntryState = "skipped-stale"
	StateSkippedExcluded  EntryState = "skipped-excluded"
	StateSkippedAmbiguous EntryState = "skipped-ambiguous"
	StateCopy             EntryState = "copy"
	StateMove             EntryState = "move"
	StateNoOp             EntryState = "noop"
)

// Terminal reports whether s ends an entry's planning.
func (s EntryState) Terminal() bool {
	return s != StateUnchecked
}

// Skipped reports whether s leaves the entry without an operation.
func (s EntryState) Skipped() bool {
	switch s {
	case StateSkippedStale, StateSkippedExcluded, StateSkippedAmbiguous:
		return true
	}
	return false
}

// stateTracker enforces the no-re-entry rule within one planning pass.
type stateTracker struct {
	states map[int64]EntryState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[int64]EntryState)}
}

// settle moves entry id from Unchecked to the terminal state s.
func (t *stateTracker) settle(id int64, s EntryState) error {
	if !s.Terminal() {
		return fmt.Errorf("entry %d: %s is not a terminal state", id, s)
	}
	if prev, ok := t.states[id]; ok {
		return fmt.Errorf("entry %d already settled as %s, cannot become %s", id, prev, s)
	}
	t.states[id] = s
	return nil
}

func (t *stateTracker) state(id int64) EntryState {
	if s, ok := t.states[id]; ok {
		return s
	}
	return StateUnchecked
}

// counts tallies settled entries per state.
func (t *stateTracker) counts() map[EntryState]int {
	out := make(map[EntryState]int)
	for _, s := range t.states {
		out[s]++
	}
	return out
}
