package imcurate

import (
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// Stage names where a per-file failure happened.
type Stage string

const (
	StagePopulate Stage = "populate"
	StageOutput   Stage = "output"
)

// FileError is a per-file failure. It never aborts a run.
type FileError struct {
	Path  string
	Stage Stage
	Err   error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e FileError) Unwrap() error { return e.Err }

// Report summarizes one run.
type Report struct {
	RunID      string
	Started    time.Time
	Finished   time.Time
	Simulated  bool
	Gathered   int // unique files found by the inputs
	Duplicates int // entries collapsed because they resolved to a gathered file
	Populated  int // rows that received new values
	UpToDate   int // rows that needed no producer
	// Checkpoints counts store saves made while population was running.
	Checkpoints int
	Accepted   int
	Rejected   int
	// RejectedBy counts rejections per rule name.
	RejectedBy map[string]int
	// AcceptedPaths lists accepted files in processing order.
	AcceptedPaths []string
	Skipped       int // destinations left untouched because they exist
	Written       int // destinations written
	Errors        []FileError
}

// Errored returns the number of distinct files with at least one failure.
func (r *Report) Errored() int {
	seen := map[string]bool{}
	for _, e := range r.Errors {
		seen[e.Path] = true
	}
	return len(seen)
}

func (r *Report) reject(rule string) {
	r.Rejected++
	if r.RejectedBy == nil {
		r.RejectedBy = map[string]int{}
	}
	r.RejectedBy[rule]++
}

// LogValue renders the counters for structured logs.
func (r *Report) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("run", r.RunID),
		slog.Bool("simulate", r.Simulated),
		slog.Int("gathered", r.Gathered),
		slog.Int("duplicates", r.Duplicates),
		slog.Int("populated", r.Populated),
		slog.Int("checkpoints", r.Checkpoints),
		slog.Int("accepted", r.Accepted),
		slog.Int("rejected", r.Rejected),
		slog.Int("skipped", r.Skipped),
		slog.Int("written", r.Written),
		slog.Int("errored", r.Errored()),
		slog.Duration("elapsed", r.Finished.Sub(r.Started)),
	}
	rules := make([]string, 0, len(r.RejectedBy))
	for name := range r.RejectedBy {
		rules = append(rules, name)
	}
	slices.Sort(rules)
	for _, name := range rules {
		attrs = append(attrs, slog.Int("rejected_by_"+name, r.RejectedBy[name]))
	}
	return slog.GroupValue(attrs...)
}
