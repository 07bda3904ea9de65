package workflow

import "time"

// StepJournal is the append-only list of ExecutionState snapshots for one
// run. Snapshot 0 is the initial state; snapshot n (n > 0) is the state
// after executing step n. It is the run's ground truth —
// Storage persists exactly this list, as a whole, on every append.
type StepJournal struct {
	entries []*ExecutionState
	now     func() time.Time
}

func newStepJournal(now func() time.Time) *StepJournal {
	return &StepJournal{now: now}
}

// Len returns the number of snapshots currently in the journal.
func (j *StepJournal) Len() int { return len(j.entries) }

// At returns the snapshot at index i without copying it. Callers that hand
// the result to user code or a different run must call Snapshot instead.
func (j *StepJournal) At(i int) (*ExecutionState, bool) {
	if i < 0 || i >= len(j.entries) {
		return nil, false
	}
	return j.entries[i], true
}

// Snapshot returns a deep copy of entry k, independent of the journal's own
// copy, so mutating the returned state can never alias the journal. (Resume
// does not call it: it clones the snapshot decoded from Storage directly.)
func (j *StepJournal) Snapshot(k int) (*ExecutionState, error) {
	entry, ok := j.At(k)
	if !ok {
		return nil, &ResumeError{Message: "step index out of range"}
	}
	return entry.clone()
}

// Append deep-copies state, stamps save_time/step metadata, appends it to
// the in-memory list, and returns the copy that was stored (the caller's
// state remains independently mutable afterward).
func (j *StepJournal) Append(state *ExecutionState) (*ExecutionState, error) {
	cp, err := state.clone()
	if err != nil {
		return nil, err
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	cp.Metadata["save_time"] = j.now().Format(time.RFC3339Nano)
	cp.Metadata["step"] = len(j.entries)
	j.entries = append(j.entries, cp)
	return cp, nil
}

// TruncateTo drops every entry with index greater than k, for in-place
// resume.
func (j *StepJournal) TruncateTo(k int) {
	if k+1 >= len(j.entries) {
		return
	}
	j.entries = j.entries[:k+1]
}

// Entries returns the full, live snapshot list without copying it; a caller
// must not retain or mutate the slice. (The engine persists the journal
// through Len and At, not through Entries.)
func (j *StepJournal) Entries() []*ExecutionState { return j.entries }

// seed replaces the journal's entries wholesale without re-stamping
// save_time/step metadata — used when rebuilding a journal from snapshots
// already loaded from Storage.
func (j *StepJournal) seed(entries []*ExecutionState) {
	j.entries = entries
}
