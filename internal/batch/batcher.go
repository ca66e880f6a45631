// Package batch coalesces compatible portal jobs so one browser round trip
// can serve several operations targeting the same account.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"portal-runner/internal/models"
	"portal-runner/internal/telemetry"
)

// Job is one operation submitted for batched execution.
type Job struct {
	ID        string
	Type      string
	Operation models.Operation
}

// Result is the per-job outcome distributed back to the submitter.
type Result struct {
	Message string
	Data    map[string]any
	Err     error
}

// Executor runs a group of same-type jobs together. Implementations return
// one result per job id; a missing id is treated as a per-job failure.
type Executor interface {
	ExecuteBatch(ctx context.Context, jobs []Job) (map[string]Result, error)
}

type pendingJob struct {
	job Job
	ch  chan Result
}

type window struct {
	jobs  []pendingJob
	timer *time.Timer
}

// Batcher groups jobs by type into bounded windows. A window flushes when it
// reaches the size cap or when the oldest job has waited long enough. Types
// outside the allow list execute immediately as a batch of one.
type Batcher struct {
	exec    Executor
	maxSize int
	maxWait time.Duration
	allowed map[string]bool

	mu      sync.Mutex
	windows map[string]*window
	closed  bool
}

// New builds a batcher. allowedTypes lists the operation types that may be
// coalesced; anything else bypasses the window.
func New(exec Executor, maxSize int, maxWait time.Duration, allowedTypes []string) *Batcher {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	return &Batcher{
		exec:    exec,
		maxSize: maxSize,
		maxWait: maxWait,
		allowed: allowed,
		windows: make(map[string]*window),
	}
}

// Submit enqueues a job and blocks until its result is available, the
// context is cancelled, or the batcher shuts down.
func (b *Batcher) Submit(ctx context.Context, job Job) (Result, error) {
	if !b.allowed[job.Type] {
		return b.executeSingle(ctx, job)
	}

	ch := make(chan Result, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Result{}, fmt.Errorf("batcher is shut down")
	}
	win, ok := b.windows[job.Type]
	if !ok {
		win = &window{}
		b.windows[job.Type] = win
		jobType := job.Type
		win.timer = time.AfterFunc(b.maxWait, func() { b.flushType(jobType) })
	}
	win.jobs = append(win.jobs, pendingJob{job: job, ch: ch})
	full := len(win.jobs) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flushType(job.Type)
	}

	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (b *Batcher) executeSingle(ctx context.Context, job Job) (Result, error) {
	results, err := b.exec.ExecuteBatch(ctx, []Job{job})
	if err != nil {
		return Result{}, err
	}
	res, ok := results[job.ID]
	if !ok {
		return Result{}, fmt.Errorf("executor returned no result for job %s", job.ID)
	}
	return res, res.Err
}

// flushType detaches the current window for a type and executes it. Safe to
// call from the size path and the timer path concurrently; only the caller
// that wins the detach runs the batch.
func (b *Batcher) flushType(jobType string) {
	b.mu.Lock()
	win, ok := b.windows[jobType]
	if !ok || len(win.jobs) == 0 {
		delete(b.windows, jobType)
		b.mu.Unlock()
		return
	}
	delete(b.windows, jobType)
	b.mu.Unlock()

	win.timer.Stop()
	b.run(win.jobs)
}

func (b *Batcher) run(pending []pendingJob) {
	jobs := make([]Job, len(pending))
	for i, p := range pending {
		jobs[i] = p.job
	}
	telemetry.BatchExecutions.Inc()
	telemetry.BatchedJobs.Add(float64(len(jobs)))

	results, err := b.exec.ExecuteBatch(context.Background(), jobs)
	if err != nil {
		// The batch failed as a unit; every submitter sees the same error.
		for _, p := range pending {
			p.ch <- Result{Err: err}
		}
		return
	}
	for _, p := range pending {
		res, ok := results[p.job.ID]
		if !ok {
			res = Result{Err: fmt.Errorf("executor returned no result for job %s", p.job.ID)}
		}
		p.ch <- res
	}
}

// Close flushes every open window and rejects future submissions.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	types := make([]string, 0, len(b.windows))
	for t := range b.windows {
		types = append(types, t)
	}
	b.mu.Unlock()

	for _, t := range types {
		b.flushType(t)
	}
}
