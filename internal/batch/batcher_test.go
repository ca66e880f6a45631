package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"portal-runner/internal/models"
)

type recordingExecutor struct {
	mu      sync.Mutex
	batches [][]Job
	err     error
	skipIDs map[string]bool
}

func (e *recordingExecutor) ExecuteBatch(_ context.Context, jobs []Job) (map[string]Result, error) {
	e.mu.Lock()
	e.batches = append(e.batches, jobs)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make(map[string]Result, len(jobs))
	for _, j := range jobs {
		if e.skipIDs[j.ID] {
			continue
		}
		out[j.ID] = Result{Data: map[string]any{"id": j.ID}}
	}
	return out, nil
}

func (e *recordingExecutor) batchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches)
}

func submitAll(t *testing.T, b *Batcher, jobs []Job) []Result {
	t.Helper()
	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job Job) {
			defer wg.Done()
			res, err := b.Submit(context.Background(), job)
			if err != nil {
				res.Err = err
			}
			results[i] = res
		}(i, job)
	}
	wg.Wait()
	return results
}

func balanceJob(id string) Job {
	return Job{ID: id, Type: models.TypeCheckBalance, Operation: models.Operation{ID: id}}
}

func TestFullWindowFlushesImmediately(t *testing.T) {
	exec := &recordingExecutor{}
	b := New(exec, 3, time.Minute, []string{models.TypeCheckBalance})
	defer b.Close()

	results := submitAll(t, b, []Job{balanceJob("a"), balanceJob("b"), balanceJob("c")})

	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("job %d: %v", i, res.Err)
		}
	}
	if exec.batchCount() != 1 {
		t.Fatalf("batches = %d, want one combined execution", exec.batchCount())
	}
	if got := len(exec.batches[0]); got != 3 {
		t.Fatalf("batch size = %d", got)
	}
}

func TestWindowFlushesOnTimer(t *testing.T) {
	exec := &recordingExecutor{}
	b := New(exec, 10, 30*time.Millisecond, []string{models.TypeCheckBalance})
	defer b.Close()

	res, err := b.Submit(context.Background(), balanceJob("solo"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Data["id"] != "solo" {
		t.Errorf("result = %+v", res)
	}
	if exec.batchCount() != 1 {
		t.Fatalf("batches = %d", exec.batchCount())
	}
}

func TestDisallowedTypeBypassesWindow(t *testing.T) {
	exec := &recordingExecutor{}
	b := New(exec, 5, time.Minute, []string{models.TypeCheckBalance})
	defer b.Close()

	start := time.Now()
	res, err := b.Submit(context.Background(), Job{ID: "r1", Type: models.TypeRenew})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("result err: %v", res.Err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("single execution must not wait for a window")
	}
	if got := len(exec.batches[0]); got != 1 {
		t.Fatalf("batch size = %d, want 1", got)
	}
}

func TestMissingResultFailsOnlyThatJob(t *testing.T) {
	exec := &recordingExecutor{skipIDs: map[string]bool{"b": true}}
	b := New(exec, 2, time.Minute, []string{models.TypeCheckBalance})
	defer b.Close()

	results := submitAll(t, b, []Job{balanceJob("a"), balanceJob("b")})

	var okCount, errCount int
	for _, res := range results {
		if res.Err != nil {
			errCount++
		} else {
			okCount++
		}
	}
	if okCount != 1 || errCount != 1 {
		t.Fatalf("ok=%d err=%d, want exactly the dropped job to fail", okCount, errCount)
	}
}

func TestExecutorErrorRejectsWholeBatch(t *testing.T) {
	exec := &recordingExecutor{err: fmt.Errorf("portal down")}
	b := New(exec, 2, time.Minute, []string{models.TypeCheckBalance})
	defer b.Close()

	results := submitAll(t, b, []Job{balanceJob("a"), balanceJob("b")})
	for i, res := range results {
		if res.Err == nil {
			t.Fatalf("job %d: expected the batch error", i)
		}
	}
}

func TestCloseFlushesPendingWindow(t *testing.T) {
	exec := &recordingExecutor{}
	b := New(exec, 10, time.Hour, []string{models.TypeCheckBalance})

	done := make(chan Result, 1)
	go func() {
		res, err := b.Submit(context.Background(), balanceJob("late"))
		if err != nil {
			res.Err = err
		}
		done <- res
	}()

	// Wait for the submission to open its window before shutting down.
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.Lock()
		opened := len(b.windows) > 0
		b.mu.Unlock()
		if opened {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("window never opened")
		}
		time.Sleep(2 * time.Millisecond)
	}

	b.Close()
	res := <-done
	if res.Err != nil {
		t.Fatalf("flushed job failed: %v", res.Err)
	}
	if exec.batchCount() != 1 {
		t.Fatalf("batches = %d", exec.batchCount())
	}
}

func TestSubmitAfterClose(t *testing.T) {
	b := New(&recordingExecutor{}, 2, time.Minute, []string{models.TypeCheckBalance})
	b.Close()
	if _, err := b.Submit(context.Background(), balanceJob("x")); err == nil {
		t.Fatal("expected an error after shutdown")
	}
}
