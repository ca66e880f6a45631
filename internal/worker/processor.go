// Package worker consumes queued operations and drives them through login,
// the transaction wizard, and the human-input checkpoints to a terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"portal-runner/internal/accounts"
	"portal-runner/internal/audit"
	"portal-runner/internal/batch"
	"portal-runner/internal/config"
	"portal-runner/internal/login"
	"portal-runner/internal/models"
	"portal-runner/internal/portalerr"
	"portal-runner/internal/session"
	"portal-runner/internal/store"
	"portal-runner/internal/telemetry"
	"portal-runner/internal/totp"
	"portal-runner/internal/wizard"
)

// OperationStore is the slice of the persistence layer the worker drives.
type OperationStore interface {
	GetOperation(ctx context.Context, id string) (models.Operation, error)
	SetProcessing(ctx context.Context, id string, attempts int) error
	SetAwaitingCaptcha(ctx context.Context, id, imageKey string) error
	SetAwaitingPackage(ctx context.Context, id string, packages []models.Package) error
	SetAwaitingFinalConfirm(ctx context.Context, id string, pkg models.Package, deadline time.Time) error
	SetCompleting(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id, message string, data map[string]any) error
	MarkFailed(ctx context.Context, id, message string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, lastErr string) error
	AwaitingOperations(ctx context.Context, limit int) ([]models.Operation, error)
	ExpiredFinalConfirms(ctx context.Context, now time.Time, limit int) ([]string, error)
	ClaimExpiredCancel(ctx context.Context, id string, now time.Time) (bool, error)
}

// Queue is the lease-based work queue the worker consumes.
type Queue interface {
	Enqueue(ctx context.Context, operationID string) error
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, operationID string, extension time.Duration) error
	Ack(ctx context.Context, operationID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, operationID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// ArtifactPublisher stores challenge images where an operator can fetch them.
type ArtifactPublisher interface {
	Publish(ctx context.Context, operationID string, raw []byte) (string, error)
}

// Worker owns the consume loop, the park registry for suspended operations,
// and the deadline sweeper.
type Worker struct {
	cfg       config.Config
	store     OperationStore
	queue     Queue
	pool      *session.Pool
	registry  *accounts.Registry
	tracker   *audit.Tracker
	publisher ArtifactPublisher
	totp      *totp.Generator
	batcher   *batch.Batcher

	mu     sync.Mutex
	parked map[string]*parkedOp
}

// New wires a worker. The batcher executes through the worker itself.
func New(cfg config.Config, st OperationStore, q Queue, pool *session.Pool, reg *accounts.Registry, tracker *audit.Tracker, pub ArtifactPublisher) *Worker {
	w := &Worker{
		cfg:       cfg,
		store:     st,
		queue:     q,
		pool:      pool,
		registry:  reg,
		tracker:   tracker,
		publisher: pub,
		totp:      totp.New(),
		parked:    make(map[string]*parkedOp),
	}
	w.batcher = batch.New(w, cfg.BatchMaxSize, cfg.BatchMaxWait, cfg.BatchTypes)
	return w
}

// Run consumes the ready queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.RecoverOrphans(ctx)

	sem := make(chan struct{}, w.cfg.WorkerConcurrency)
	defer w.batcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := w.queue.RequeueExpired(ctx, time.Now(), 50); err != nil {
			log.Printf("requeue expired leases: %v", err)
		}
		if depth, err := w.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		id, err := w.queue.DequeueWithLease(ctx)
		if err != nil {
			log.Printf("dequeue: %v", err)
			sleep(ctx, w.cfg.WorkerPollInterval)
			continue
		}
		if id == "" {
			sleep(ctx, w.cfg.WorkerPollInterval)
			continue
		}

		sem <- struct{}{}
		go func(id string) {
			defer func() { <-sem }()
			w.handle(ctx, id)
		}(id)
	}
}

func (w *Worker) handle(ctx context.Context, id string) {
	op, err := w.store.GetOperation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = w.queue.Ack(ctx, id)
			return
		}
		log.Printf("load operation %s: %v", id, err)
		return
	}
	if models.TerminalStatus(op.Status) {
		_ = w.queue.Ack(ctx, id)
		return
	}

	// One parked operation monopolizes its account's page; anything else
	// for the same account goes back to the end of the line.
	if w.accountParked(op.AccountID, op.ID) {
		_ = w.queue.Ack(ctx, id)
		_ = w.queue.Enqueue(ctx, id)
		sleep(ctx, w.cfg.WorkerPollInterval)
		return
	}

	attempts := op.Attempts + 1
	if err := w.store.SetProcessing(ctx, id, attempts); err != nil {
		log.Printf("mark processing %s: %v", id, err)
		return
	}
	op.Attempts = attempts
	w.tracker.Record(id, "processing", fmt.Sprintf("attempt %d/%d", attempts, op.MaxAttempts))

	// Portal interactions can outlast the dequeue lease.
	if err := w.queue.ExtendLease(ctx, id, w.cfg.VisibilityTimeout); err != nil {
		log.Printf("extend lease %s: %v", id, err)
	}

	if w.batchable(op) {
		res, err := w.batcher.Submit(ctx, batch.Job{ID: op.ID, Type: op.Type, Operation: op})
		if err != nil {
			w.failOrRetry(ctx, op, err)
			_ = w.queue.Ack(ctx, id)
			return
		}
		w.complete(ctx, op.ID, res.Message, res.Data)
		_ = w.queue.Ack(ctx, id)
		return
	}

	w.runDirect(ctx, op)
	_ = w.queue.Ack(ctx, id)
}

// batchable routes a job through the batcher only when the account session
// is already authenticated; a cold session takes the single path so login
// checkpoints can park the operation.
func (w *Worker) batchable(op models.Operation) bool {
	allowed := false
	for _, t := range w.cfg.BatchTypes {
		if t == op.Type {
			allowed = true
		}
	}
	if !allowed {
		return false
	}
	entry, ok := w.pool.Lookup(op.AccountID)
	return ok && entry.Fresh(w.cfg.SessionTimeout)
}

func (w *Worker) runDirect(ctx context.Context, op models.Operation) {
	acct, ok := w.registry.Get(op.AccountID)
	if !ok {
		w.fail(ctx, op.ID, fmt.Sprintf("account %q is not configured", op.AccountID))
		return
	}

	entry, err := w.pool.Acquire(ctx, acct)
	if err != nil {
		w.failOrRetry(ctx, op, portalerr.Connectivity("session", err))
		return
	}

	entry.Mu.Lock()
	defer entry.Mu.Unlock()

	machine := login.NewMachine(w.cfg, entry, w.pool, w.totp)
	res, err := machine.Ensure(ctx)
	if err != nil {
		if portalerr.ClassOf(err) == portalerr.ClassAuthentication {
			w.pool.Evict(ctx, acct.ID)
		}
		w.failOrRetry(ctx, op, err)
		return
	}

	if res.State == login.StateCaptchaPending {
		key, perr := w.publisher.Publish(ctx, op.ID, res.CaptchaImage)
		if perr != nil {
			w.failOrRetry(ctx, op, fmt.Errorf("publish captcha image: %w", perr))
			return
		}
		if err := w.store.SetAwaitingCaptcha(ctx, op.ID, key); err != nil {
			log.Printf("park %s at captcha: %v", op.ID, err)
			return
		}
		telemetry.CaptchaCheckpoint.Inc()
		w.tracker.Record(op.ID, "awaiting_captcha", "login challenged, image published at "+key)
		w.park(&parkedOp{op: op, entry: entry, machine: machine, stage: stageCaptcha})
		return
	}

	w.advance(ctx, op, entry)
}

// advance runs the wizard from a logged-in session. Caller holds the entry
// lock.
func (w *Worker) advance(ctx context.Context, op models.Operation, entry *session.Entry) {
	wiz := wizard.New(w.cfg, entry.Surface, op)
	out, err := wiz.Run(ctx)
	if err != nil {
		w.failOrRetry(ctx, op, err)
		return
	}
	if out.Done {
		w.complete(ctx, op.ID, out.Message, out.Data)
		return
	}
	if out.Checkpoint == wizard.CheckpointPackage {
		if err := w.store.SetAwaitingPackage(ctx, op.ID, out.Packages); err != nil {
			log.Printf("park %s at package selection: %v", op.ID, err)
			return
		}
		w.tracker.Record(op.ID, "awaiting_package", fmt.Sprintf("%d packages extracted", len(out.Packages)))
		w.park(&parkedOp{op: op, entry: entry, wiz: wiz, stage: stagePackage})
	}
}

// ExecuteBatch serves the batcher: jobs are grouped per account and share
// one authenticated session and one login round trip.
func (w *Worker) ExecuteBatch(ctx context.Context, jobs []batch.Job) (map[string]batch.Result, error) {
	byAccount := make(map[string][]batch.Job)
	for _, job := range jobs {
		byAccount[job.Operation.AccountID] = append(byAccount[job.Operation.AccountID], job)
	}

	results := make(map[string]batch.Result, len(jobs))
	for accountID, group := range byAccount {
		w.executeAccountGroup(ctx, accountID, group, results)
	}
	return results, nil
}

func (w *Worker) executeAccountGroup(ctx context.Context, accountID string, group []batch.Job, results map[string]batch.Result) {
	failAll := func(err error) {
		for _, job := range group {
			results[job.ID] = batch.Result{Err: err}
		}
	}

	acct, ok := w.registry.Get(accountID)
	if !ok {
		failAll(fmt.Errorf("account %q is not configured", accountID))
		return
	}
	entry, err := w.pool.Acquire(ctx, acct)
	if err != nil {
		failAll(portalerr.Connectivity("session", err))
		return
	}

	entry.Mu.Lock()
	defer entry.Mu.Unlock()

	machine := login.NewMachine(w.cfg, entry, w.pool, w.totp)
	res, err := machine.Ensure(ctx)
	if err != nil {
		failAll(err)
		return
	}
	if res.State != login.StateLoggedIn {
		// The session went stale and login now needs human input. Send the
		// jobs back through the single path, which can park them.
		failAll(portalerr.Connectivity("batch_login", errors.New("session requires interactive login")))
		return
	}

	for _, job := range group {
		wiz := wizard.New(w.cfg, entry.Surface, job.Operation)
		out, err := wiz.Run(ctx)
		if err != nil {
			results[job.ID] = batch.Result{Err: err}
			continue
		}
		results[job.ID] = batch.Result{Message: out.Message, Data: out.Data}
	}
}

func (w *Worker) complete(ctx context.Context, id, message string, data map[string]any) {
	if err := w.store.MarkCompleted(ctx, id, message, data); err != nil {
		log.Printf("mark completed %s: %v", id, err)
		return
	}
	telemetry.OperationsOK.Inc()
	w.tracker.Record(id, "completed", message)
}

func (w *Worker) fail(ctx context.Context, id, message string) {
	if err := w.store.MarkFailed(ctx, id, message); err != nil {
		log.Printf("mark failed %s: %v", id, err)
		return
	}
	telemetry.OperationsFail.Inc()
	w.tracker.Record(id, "failed", message)
}

// failOrRetry requeues transient failures with backoff until the attempt
// budget runs out, then fails the operation and records it in the DLQ.
func (w *Worker) failOrRetry(ctx context.Context, op models.Operation, opErr error) {
	if portalerr.Retryable(opErr) && op.Attempts < op.MaxAttempts {
		delay := backoffWithJitter(w.cfg.BackoffInitial, w.cfg.BackoffMax, op.Attempts)
		w.tracker.Record(op.ID, "retrying", fmt.Sprintf("attempt %d failed: %v; next try in %s", op.Attempts, opErr, delay))
		if err := w.store.UpdateAttempts(ctx, op.ID, op.Attempts, opErr.Error()); err != nil {
			log.Printf("record attempt %s: %v", op.ID, err)
			return
		}
		// Requeue after the delay without pinning the account session.
		go func() {
			sleep(ctx, delay)
			if err := w.queue.Enqueue(ctx, op.ID); err != nil {
				log.Printf("requeue %s: %v", op.ID, err)
			}
		}()
		return
	}

	w.fail(ctx, op.ID, opErr.Error())
	if portalerr.Retryable(opErr) {
		if err := w.queue.DLQPush(ctx, op.ID); err != nil {
			log.Printf("dlq push %s: %v", op.ID, err)
		}
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	d += jitter
	if d > max {
		d = max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
