// Package pipeline runs library items through resolve, skip check,
// extraction, summarization and note writing, and records reading lists
// into the library.
package pipeline

import (
	"sort"
	"time"
)

// State is where an item is in the pipeline.
type State string

const (
	Pending         State = "pending"
	Resolving       State = "resolving"
	NotFound        State = "not_found"
	Skipped         State = "skipped"
	Extracting      State = "extracting"
	ExtractFailed   State = "extract_failed"
	Summarizing     State = "summarizing"
	SummarizeFailed State = "summarize_failed"
	Writing         State = "writing"
	Written         State = "written"
	WriteFailed     State = "write_failed"
)

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	Pending:     {Resolving},
	Resolving:   {NotFound, Skipped, Extracting},
	Extracting:  {ExtractFailed, Summarizing},
	Summarizing: {SummarizeFailed, Writing},
	Writing:     {Written, WriteFailed, Skipped},
}

// Terminal reports whether s ends an item's run.
func (s State) Terminal() bool {
	_, more := transitions[s]
	return !more
}

// Failed reports whether s is a per-item failure worth retrying.
func (s State) Failed() bool {
	switch s {
	case NotFound, ExtractFailed, SummarizeFailed, WriteFailed:
		return true
	}
	return false
}

// CanMove reports whether an item may move from one state to another.
func CanMove(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FailedStates are the states a retry run re-targets.
var FailedStates = []State{NotFound, ExtractFailed, SummarizeFailed, WriteFailed}

// RunStatus summarizes a whole run.
type RunStatus string

const (
	Completed             RunStatus = "completed"
	CompletedWithFailures RunStatus = "completed_with_failures"
	NothingMatched        RunStatus = "nothing_matched"
	Canceled              RunStatus = "canceled"
)

// ItemResult is the outcome of one item.
type ItemResult struct {
	Key      string        `json:"key"`
	Title    string        `json:"title,omitempty"`
	State    State         `json:"state"`
	Trace    []State       `json:"-"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
	Document string        `json:"document,omitempty"`
	NoteKey  string        `json:"note_key,omitempty"`
	Chars    int           `json:"chars,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ns,omitempty"`
}

// Failure identifies a failed item well enough to retry it.
type Failure struct {
	Key   string `json:"key"`
	Title string `json:"title,omitempty"`
	State State  `json:"state"`
	Error string `json:"error"`
}

// Report is the end-of-run summary.
type Report struct {
	Status     RunStatus     `json:"status"`
	Model      string        `json:"model,omitempty"`
	Items      int           `json:"items"`
	Counts     map[State]int `json:"counts"`
	Failures   []Failure     `json:"failures,omitempty"`
	Results    []ItemResult  `json:"results,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// newReport builds a report from per-item results, in input order.
func newReport(results []ItemResult, canceled bool) Report {
	r := Report{Counts: make(map[State]int)}
	for _, res := range results {
		if res.Key == "" {
			continue // never started
		}
		r.Items++
		r.Results = append(r.Results, res)
		r.Counts[res.State]++
		if res.State.Failed() {
			r.Failures = append(r.Failures, Failure{Key: res.Key, Title: res.Title, State: res.State, Error: res.Error})
		}
	}
	sort.SliceStable(r.Failures, func(i, j int) bool { return r.Failures[i].Key < r.Failures[j].Key })

	switch {
	case canceled:
		r.Status = Canceled
	case r.Items == 0:
		r.Status = NothingMatched
	case len(r.Failures) > 0:
		r.Status = CompletedWithFailures
	default:
		r.Status = Completed
	}
	return r
}

// CountsByName returns the counts keyed by state name.
func (r Report) CountsByName() map[string]int {
	out := make(map[string]int, len(r.Counts))
	for s, n := range r.Counts {
		out[string(s)] = n
	}
	return out
}
