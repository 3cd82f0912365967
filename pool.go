package imcurate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// pool is a fixed set of workers running Process over chunks of jobs.
type pool struct {
	workers int
	jobs    chan []Job
	results chan JobResult
	wg      sync.WaitGroup
	logger  *slog.Logger
	seed    uint64
}

func newPool(workers int, logger *slog.Logger, seed uint64) *pool {
	workers = max(workers, 1)
	return &pool{
		workers: workers,
		jobs:    make(chan []Job, workers),
		results: make(chan JobResult, workers*2),
		logger:  logger,
		seed:    seed,
	}
}

// start launches the workers. Each reads chunks until the jobs channel closes.
func (p *pool) start(ctx context.Context) {
	for i := range p.workers {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// submit enqueues a chunk, blocking while every worker is busy. It returns
// false once ctx is cancelled.
func (p *pool) submit(ctx context.Context, chunk []Job) bool {
	select {
	case p.jobs <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// shutdown closes the jobs channel, waits for the workers to drain it, then
// closes the results channel.
func (p *pool) shutdown() {
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
}

func (p *pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	rng := rand.New(rand.NewPCG(p.seed, uint64(id)))
	for chunk := range p.jobs {
		for _, job := range chunk {
			p.results <- p.process(ctx, id, job, rng)
		}
	}
}

// process runs one job. A started file always runs to completion; panics
// become file errors.
func (p *pool) process(ctx context.Context, id int, job Job, rng *rand.Rand) (res JobResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = JobResult{Path: job.Source.Path}
			res.fail(fmt.Errorf("worker panic: %v", r))
		}
		p.logger.Debug("imcurate: processed",
			slog.Int("worker_id", id),
			slog.String("path", job.Source.Path),
			slog.Duration("latency", time.Since(start)),
			slog.Int("written", len(res.Written)),
			slog.Int("skipped", len(res.Skipped)),
			slog.Int("errors", len(res.Errors)),
		)
	}()
	return Process(context.WithoutCancel(ctx), job, rng)
}
