package scheduler

import (
	"time"

	"github.com/rendis/deriva/pkg/schema"
)

// DefaultRetryThreshold is how many consecutive failures keep republishing
// the last good value before falling back to the zero value.
const DefaultRetryThreshold = 3

// Outcome of a failed evaluation under the retry policy.
type Outcome int

const (
	OutcomeHold     Outcome = iota // republish last good value
	OutcomeNothing                 // failing, no good value yet, nothing written
	OutcomeFallback                // threshold exceeded, write the zero value
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHold:
		return "hold"
	case OutcomeNothing:
		return "none"
	case OutcomeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// errorState tracks failures for a single output id.
type errorState struct {
	consecutive int
	lastGood    any
	lastGoodTs  time.Time
	hasGood     bool
}

// errorTable holds per-output error states. Owned by the scheduler goroutine.
type errorTable struct {
	threshold int
	states    map[string]*errorState
}

func newErrorTable(threshold int) *errorTable {
	if threshold <= 0 {
		threshold = DefaultRetryThreshold
	}
	return &errorTable{threshold: threshold, states: make(map[string]*errorState)}
}

func (t *errorTable) get(outputID string) *errorState {
	st, ok := t.states[outputID]
	if !ok {
		st = &errorState{}
		t.states[outputID] = st
	}
	return st
}

// recordSuccess resets the counter and remembers v as last good.
func (t *errorTable) recordSuccess(outputID string, v any, at time.Time) {
	st := t.get(outputID)
	st.consecutive = 0
	st.lastGood = v
	st.lastGoodTs = at
	st.hasGood = true
}

// recordFailure bumps the counter and returns the value to publish with the
// policy that chose it. OutcomeNothing means nothing is written.
func (t *errorTable) recordFailure(outputID string, typ schema.OutputType) (v any, outcome Outcome) {
	st := t.get(outputID)
	st.consecutive++
	if st.consecutive > t.threshold {
		return zeroValue(typ), OutcomeFallback
	}
	if !st.hasGood {
		return nil, OutcomeNothing
	}
	return st.lastGood, OutcomeHold
}

// consecutive returns the current failure count for outputID.
func (t *errorTable) consecutive(outputID string) int {
	if st, ok := t.states[outputID]; ok {
		return st.consecutive
	}
	return 0
}

func (t *errorTable) lastGoodTs(outputID string) (time.Time, bool) {
	if st, ok := t.states[outputID]; ok && st.hasGood {
		return st.lastGoodTs, true
	}
	return time.Time{}, false
}

// retain drops states of output ids not in keep.
func (t *errorTable) retain(keep map[string]struct{}) {
	for id := range t.states {
		if _, ok := keep[id]; !ok {
			delete(t.states, id)
		}
	}
}

// zeroValue is the fail-to-safe value of a declared type.
func zeroValue(typ schema.OutputType) any {
	switch typ {
	case schema.TypeBoolean:
		return false
	case schema.TypeString:
		return ""
	case schema.TypeMixed:
		return nil
	default:
		return 0.0
	}
}
