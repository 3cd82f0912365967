package imcurate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Runner drives one curation pass: gather, populate, filter, write.
type Runner struct {
	Pipeline *Pipeline
	Options  Options
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Run executes the pipeline. Configuration and store failures are returned
// as errors; per-file failures are collected in the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	opts := r.Options
	opts.defaults()
	if err := r.Pipeline.checkSortColumn(opts.SortBy); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	base := r.Logger
	if base == nil {
		base = slog.Default()
	}
	log := base.With("run", id.String())
	rep := &Report{RunID: id.String(), Started: time.Now(), Simulated: opts.Simulate}
	defer func() { rep.Finished = time.Now() }()

	store, err := OpenStore(opts.DBPath)
	if err != nil {
		return rep, err
	}
	log.Info("imcurate: store opened", "path", opts.DBPath, "rows", store.Len())

	sources, dupes, err := Gather(ctx, r.Pipeline.Inputs)
	if err != nil {
		return rep, fmt.Errorf("imcurate: gather: %w", err)
	}
	rep.Gathered, rep.Duplicates = len(sources), dupes
	log.Info("imcurate: gathered files", "files", len(sources), "duplicates", dupes)

	paths := make([]string, len(sources))
	for i, s := range sources {
		paths[i] = s.Path
	}
	last := time.Now()
	pop := &Populator{
		Plan:      r.Pipeline.Plan,
		Threads:   opts.Threads,
		ChunkSize: opts.PopulationChunkSize,
		Checkpoint: func() error {
			if time.Since(last) < opts.Interval {
				return nil
			}
			last = time.Now()
			rep.Checkpoints++
			log.Info("imcurate: checkpoint", "path", opts.DBPath)
			return store.Save(opts.DBPath)
		},
	}
	stats, popErr := pop.Populate(ctx, store, paths)
	rep.Populated, rep.UpToDate = stats.Populated, stats.UpToDate
	rep.Errors = append(rep.Errors, stats.Failed...)
	if opts.Prune {
		if n := store.DropMissing(); n > 0 {
			log.Info("imcurate: pruned vanished files", "rows", n)
		}
	}
	// The final save runs even when population was interrupted.
	if err := store.Save(opts.DBPath); err != nil {
		return rep, err
	}
	if popErr != nil {
		return rep, popErr
	}
	log.Info("imcurate: population done", "populated", stats.Populated, "up_to_date", stats.UpToDate, "failed", len(stats.Failed))

	failed := make(map[string]bool, len(stats.Failed))
	for _, fe := range stats.Failed {
		failed[fe.Path] = true
	}
	cands := make([]candidate, 0, len(sources))
	for _, s := range sources {
		if failed[s.Path] {
			continue
		}
		row, _ := store.Get(s.Path)
		cands = append(cands, candidate{src: s, row: row})
	}
	sortCandidates(cands, opts.SortBy)

	jobs, err := r.evaluate(cands, rep, log)
	if err != nil {
		return rep, err
	}
	log.Info("imcurate: rules applied", "accepted", rep.Accepted, "rejected", rep.Rejected)

	if opts.Simulate {
		log.Info("imcurate: simulate mode, no files written", "jobs", len(jobs))
		return rep, nil
	}
	r.dispatch(ctx, jobs, opts, rep, log)
	rep.Finished = time.Now()
	log.Info("imcurate: run finished", "report", rep)
	return rep, ctx.Err()
}

// evaluate runs the rule chain over cands in order and plans output jobs
// for accepted files.
func (r *Runner) evaluate(cands []candidate, rep *Report, log *slog.Logger) ([]Job, error) {
	rows := make([]Row, len(cands))
	for i, c := range cands {
		rows[i] = c.row
	}
	verdicts, err := r.Pipeline.Chain.Evaluate(rows)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for i, c := range cands {
		if v := verdicts[i]; !v.Accepted {
			log.Debug("imcurate: rejected", "path", c.src.Path, "rule", v.Rule)
			rep.reject(v.Rule)
			continue
		}
		rep.Accepted++
		rep.AcceptedPaths = append(rep.AcceptedPaths, c.src.Path)

		job := Job{Source: c.src}
		for _, o := range r.Pipeline.Outputs {
			key, err := o.Plan(c.src, c.row)
			if err != nil {
				rep.Errors = append(rep.Errors, FileError{Path: c.src.Path, Stage: StageOutput, Err: err})
				continue
			}
			job.Targets = append(job.Targets, Target{Output: o, Key: key})
		}
		if len(job.Targets) > 0 {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// dispatch feeds jobs to the worker pool in chunks and aggregates results.
// Cancellation stops dispatch; files already handed to a worker complete.
func (r *Runner) dispatch(ctx context.Context, jobs []Job, opts Options, rep *Report, log *slog.Logger) {
	p := newPool(opts.Threads, log, opts.Seed)
	p.start(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for res := range p.results {
			rep.Written += len(res.Written)
			rep.Skipped += len(res.Skipped)
			for _, fe := range res.Errors {
				log.Warn("imcurate: output failed", "path", fe.Path, "error", fe.Err.Error())
				rep.Errors = append(rep.Errors, fe)
			}
		}
	}()

	for start := 0; start < len(jobs); start += opts.ChunkSize {
		if !p.submit(ctx, jobs[start:min(start+opts.ChunkSize, len(jobs))]) {
			log.Warn("imcurate: dispatch cancelled", "remaining", len(jobs)-start)
			break
		}
	}
	p.shutdown()
	<-done
}
