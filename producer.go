package imcurate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// Producer computes one or more metadata columns for a file. Implementations
// are stateless across files and safe for concurrent use.
type Producer interface {
	Name() string
	Produces() []Column
	// Requires lists columns owned by other producers that must be filled first.
	Requires() []string
	// Produce returns values for every column in Produces. row holds the
	// current record, including outputs of producers that ran earlier in the pass.
	Produce(ctx context.Context, path string, row Row) (Row, error)
}

// Plan is a validated, dependency-ordered producer list.
type Plan struct {
	producers []Producer
	columns   []Column
}

// NewPlan validates producers and orders them so every producer runs after
// the producers owning its required columns. Config order is kept otherwise.
func NewPlan(producers []Producer) (*Plan, error) {
	owner := map[string]int{}
	var columns []Column
	for i, p := range producers {
		for _, c := range p.Produces() {
			if c.Name == ColPath || c.Name == ColChecked {
				return nil, configErr("producer %s: column %q is reserved", p.Name(), c.Name)
			}
			if !columnNameRe.MatchString(c.Name) {
				return nil, configErr("producer %s: invalid column name %q", p.Name(), c.Name)
			}
			if j, dup := owner[c.Name]; dup {
				return nil, configErr("column %q produced by both %s and %s", c.Name, producers[j].Name(), p.Name())
			}
			owner[c.Name] = i
			columns = append(columns, c)
		}
	}

	deps := make([][]int, len(producers))
	for i, p := range producers {
		for _, req := range p.Requires() {
			j, ok := owner[req]
			if !ok {
				return nil, configErr("producer %s requires column %q which no selected producer fills", p.Name(), req)
			}
			if j == i {
				return nil, configErr("producer %s requires its own column %q", p.Name(), req)
			}
			deps[i] = append(deps[i], j)
		}
	}

	// Depth-first topological sort; visiting in config order keeps it stable.
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(producers))
	ordered := make([]Producer, 0, len(producers))
	var visit func(i int, trail []string) error
	visit = func(i int, trail []string) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return configErr("producer dependency cycle: %v", append(trail, producers[i].Name()))
		}
		state[i] = visiting
		for _, j := range deps[i] {
			if err := visit(j, append(trail, producers[i].Name())); err != nil {
				return err
			}
		}
		state[i] = done
		ordered = append(ordered, producers[i])
		return nil
	}
	for i := range producers {
		if err := visit(i, nil); err != nil {
			return nil, err
		}
	}
	return &Plan{producers: ordered, columns: columns}, nil
}

// Producers returns the producers in execution order.
func (p *Plan) Producers() []Producer { return append([]Producer(nil), p.producers...) }

// Columns returns every column the plan fills, plus the checked timestamp.
func (p *Plan) Columns() []Column {
	return append(append([]Column(nil), p.columns...), Column{Name: ColChecked, Type: TypeTime})
}

// needed returns the producers to run for row given the file's mtime.
// A stale row (checked before mtime) reruns everything.
func (p *Plan) needed(row Row, mtime time.Time) []Producer {
	checked, ok := row.Time(ColChecked)
	if !ok || checked.Before(mtime.Truncate(time.Millisecond)) {
		return p.producers
	}
	// A producer reruns when one of its columns is missing or when it reads
	// a column that is being recomputed. producers is in dependency order, so
	// one sweep reaches every downstream producer.
	rerun := map[string]bool{}
	var out []Producer
	for _, prod := range p.producers {
		needs := false
		for _, req := range prod.Requires() {
			if rerun[req] {
				needs = true
				break
			}
		}
		for _, c := range prod.Produces() {
			if needs {
				break
			}
			needs = !row.Has(c.Name)
		}
		if !needs {
			continue
		}
		out = append(out, prod)
		for _, c := range prod.Produces() {
			rerun[c.Name] = true
		}
	}
	return out
}

// PopulateStats summarizes a population pass.
type PopulateStats struct {
	Populated int // rows that received new values
	UpToDate  int // rows that needed nothing
	Failed    []FileError
}

// Populator fills store rows by running the plan's producers.
type Populator struct {
	Plan      *Plan
	Threads   int // concurrent files; <= 0 means 1
	ChunkSize int // files per merge batch; <= 0 means 100
	// Checkpoint, when set, runs after each merged chunk on the calling goroutine.
	Checkpoint func() error
	// now is replaced in tests.
	now func() time.Time
}

type popResult struct {
	path string
	cols Row
	err  error
	noop bool
}

// Populate brings the rows for paths up to date. Producers run concurrently
// across files, one pass per file; all writes to store happen here, in order.
// Per-file failures are returned in the stats and never abort the pass.
func (pp *Populator) Populate(ctx context.Context, store *Store, paths []string) (PopulateStats, error) {
	var stats PopulateStats
	if err := store.EnsureColumns(pp.Plan.Columns()); err != nil {
		return stats, err
	}
	store.AddPaths(paths)

	chunk := pp.ChunkSize
	if chunk <= 0 {
		chunk = 100
	}
	threads := max(pp.Threads, 1)
	now := pp.now
	if now == nil {
		now = time.Now
	}

	for start := 0; start < len(paths); start += chunk {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch := paths[start:min(start+chunk, len(paths))]
		results := make([]popResult, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(threads)
		for i, path := range batch {
			row, _ := store.Get(path)
			g.Go(func() error {
				results[i] = pp.populateOne(gctx, path, row, now)
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			switch {
			case r.err != nil:
				slog.Warn("imcurate: population failed", "path", r.path, "error", r.err.Error())
				stats.Failed = append(stats.Failed, FileError{Path: r.path, Stage: StagePopulate, Err: r.err})
			case r.noop:
				stats.UpToDate++
			default:
				if err := store.Upsert(r.path, r.cols); err != nil {
					return stats, err
				}
				stats.Populated++
			}
		}
		if pp.Checkpoint != nil {
			if err := pp.Checkpoint(); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

func (pp *Populator) populateOne(ctx context.Context, path string, row Row, now func() time.Time) (res popResult) {
	res.path = path
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("producer panic: %v", r)
		}
	}()

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.err = fmt.Errorf("file vanished: %w", err)
			return res
		}
		res.err = err
		return res
	}
	if row == nil {
		row = Row{ColPath: path}
	}

	todo := pp.Plan.needed(row, info.ModTime())
	if len(todo) == 0 {
		res.noop = true
		return res
	}

	work := row.Clone()
	out := Row{}
	for _, prod := range todo {
		vals, err := prod.Produce(ctx, path, work)
		if err != nil {
			res.err = fmt.Errorf("%s: %w", prod.Name(), err)
			return res
		}
		for _, c := range prod.Produces() {
			v, ok := vals[c.Name]
			if !ok {
				res.err = fmt.Errorf("%s: no value for column %q", prod.Name(), c.Name)
				return res
			}
			work[c.Name] = normalizeValue(v)
			out[c.Name] = work[c.Name]
		}
	}
	out[ColChecked] = now()
	res.cols = out
	return res
}
