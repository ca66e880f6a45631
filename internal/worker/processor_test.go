package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"portal-runner/internal/accounts"
	"portal-runner/internal/audit"
	"portal-runner/internal/browser"
	"portal-runner/internal/browser/browsertest"
	"portal-runner/internal/config"
	"portal-runner/internal/models"
	"portal-runner/internal/session"
	"portal-runner/internal/store"
)

// memStore mirrors the status-transition guards of the Postgres store.
type memStore struct {
	mu  sync.Mutex
	ops map[string]*models.Operation
}

func newMemStore() *memStore { return &memStore{ops: make(map[string]*models.Operation)} }

func (m *memStore) add(op models.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := op
	m.ops[op.ID] = &cp
}

func (m *memStore) get(id string) models.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ops[id]
}

func (m *memStore) GetOperation(_ context.Context, id string) (models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return models.Operation{}, store.ErrNotFound
	}
	return *op, nil
}

func (m *memStore) SetProcessing(_ context.Context, id string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.ops[id]
	if op == nil || models.TerminalStatus(op.Status) {
		return nil
	}
	op.Status = models.StatusProcessing
	op.Attempts = attempts
	return nil
}

func (m *memStore) SetAwaitingCaptcha(_ context.Context, id, imageKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.ops[id]
	if op != nil && op.Status == models.StatusProcessing {
		op.Status = models.StatusAwaitingCaptcha
		op.CaptchaImageKey = imageKey
		op.CaptchaSolution = ""
	}
	return nil
}

func (m *memStore) SetAwaitingPackage(_ context.Context, id string, packages []models.Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.ops[id]
	if op != nil && op.Status == models.StatusProcessing {
		op.Status = models.StatusAwaitingPackage
		op.Packages = packages
	}
	return nil
}

func (m *memStore) SetAwaitingFinalConfirm(_ context.Context, id string, pkg models.Package, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.ops[id]
	if op != nil && op.Status == models.StatusProcessing {
		op.Status = models.StatusAwaitingFinalConfirm
		op.SelectedPackage = &pkg
		op.Amount = pkg.Price
		op.FinalConfirmExpiry = &deadline
		op.ConfirmRequested = false
	}
	return nil
}

func (m *memStore) SetCompleting(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.ops[id]
	if op == nil || op.Status != models.StatusAwaitingFinalConfirm {
		return false, nil
	}
	op.Status = models.StatusCompleting
	return true, nil
}

func (m *memStore) MarkCompleted(_ context.Context, id, message string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.ops[id]
	if op != nil && !models.TerminalStatus(op.Status) {
		op.Status = models.StatusCompleted
		op.ResponseMessage = message
		op.ResponseData = data
	}
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.ops[id]
	if op != nil && !models.TerminalStatus(op.Status) {
		op.Status = models.StatusFailed
		op.ResponseMessage = message
	}
	return nil
}

func (m *memStore) UpdateAttempts(_ context.Context, id string, attempts int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.ops[id]
	if op != nil {
		op.Status = models.StatusPending
		op.Attempts = attempts
		op.LastError = &lastErr
	}
	return nil
}

func (m *memStore) AwaitingOperations(context.Context, int) ([]models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ops []models.Operation
	for _, op := range m.ops {
		switch op.Status {
		case models.StatusAwaitingCaptcha, models.StatusAwaitingPackage, models.StatusAwaitingFinalConfirm:
			ops = append(ops, *op)
		}
	}
	return ops, nil
}

func (m *memStore) ExpiredFinalConfirms(_ context.Context, now time.Time, _ int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, op := range m.ops {
		if op.Status == models.StatusAwaitingFinalConfirm && op.FinalConfirmExpiry != nil &&
			!op.FinalConfirmExpiry.After(now) && !op.RefundRecorded {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) ClaimExpiredCancel(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.ops[id]
	if op == nil || op.Status != models.StatusAwaitingFinalConfirm || op.RefundRecorded ||
		op.FinalConfirmExpiry == nil || op.FinalConfirmExpiry.After(now) {
		return false, nil
	}
	op.Status = models.StatusCancelled
	op.RefundRecorded = true
	return true, nil
}

type memQueue struct {
	mu       sync.Mutex
	ready    []string
	dlq      []string
	extended []string
}

func (q *memQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, id)
	return nil
}

func (q *memQueue) DequeueWithLease(context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", nil
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	return id, nil
}

func (q *memQueue) ExtendLease(_ context.Context, id string, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended = append(q.extended, id)
	return nil
}

func (q *memQueue) Ack(context.Context, string) error { return nil }

func (q *memQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}

func (q *memQueue) DLQPush(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, id)
	return nil
}

func (q *memQueue) ReadyDepth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

func (q *memQueue) readyLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

type fakeFactory struct {
	mu    sync.Mutex
	surfs []*browsertest.FakeSurface
	build func() *browsertest.FakeSurface
}

func (f *fakeFactory) NewSession(context.Context, string, []byte) (browser.Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	surf := f.build()
	f.surfs = append(f.surfs, surf)
	return surf, nil
}

type fakePersistence struct{}

func (fakePersistence) LoadSession(context.Context, string) (models.StoredSession, bool, error) {
	return models.StoredSession{}, false, nil
}
func (fakePersistence) SaveSession(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (fakePersistence) InvalidateSessions(context.Context, string) error { return nil }

type fakePublisher struct{}

func (fakePublisher) Publish(_ context.Context, operationID string, _ []byte) (string, error) {
	return "captcha/" + operationID + ".png", nil
}

type nopSink struct{}

func (nopSink) AppendAudit(context.Context, string, string, string) error { return nil }

func workerConfig() config.Config {
	return config.Config{
		PortalBaseURL:      "https://portal.test",
		SessionTimeout:     20 * time.Minute,
		SessionPersistTTL:  time.Hour,
		FinalConfirmTTL:    time.Minute,
		WorkerPollInterval: time.Millisecond,
		VisibilityTimeout:  5 * time.Minute,
		ParkPollInterval:   time.Millisecond,
		SweepInterval:      time.Millisecond,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
		BatchMaxSize:       3,
		BatchMaxWait:       5 * time.Millisecond,
		WorkerConcurrency:  2,
	}
}

// portalSurface scripts a surface that accepts the login and serves the
// account-check page.
func portalSurface(withCaptcha bool) *browsertest.FakeSurface {
	surf := browsertest.New()
	surf.Present[browser.FieldLoginForm] = true
	if withCaptcha {
		surf.Present[browser.FieldCaptchaImage] = true
		surf.ScreenshotData = []byte("png-bytes")
	}
	surf.Texts[browser.FieldSTBValue] = "STB-1001"
	surf.Texts[browser.FieldBalanceValue] = "USD 42.00"
	surf.OnClick = func(field browser.Field) {
		if field == browser.FieldLoginSubmit {
			surf.Present[browser.FieldLoginForm] = false
			surf.CurrentURL = "https://portal.test/home"
		}
	}
	return surf
}

const accountsJSON = `[{"id": "acct-1", "username": "user", "password": "pw"}]`

func newTestWorker(t *testing.T, build func() *browsertest.FakeSurface) (*Worker, *memStore, *memQueue, *fakeFactory) {
	t.Helper()
	cfg := workerConfig()
	reg, err := accounts.Parse([]byte(accountsJSON))
	if err != nil {
		t.Fatalf("parse accounts: %v", err)
	}
	factory := &fakeFactory{build: build}
	pool := session.NewPool(factory, fakePersistence{}, cfg)
	tracker := audit.NewTracker(nopSink{}, 64)
	t.Cleanup(tracker.Close)

	st := newMemStore()
	q := &memQueue{}
	return New(cfg, st, q, pool, reg, tracker, fakePublisher{}), st, q, factory
}

func pendingOp(id, opType string) models.Operation {
	return models.Operation{
		ID:          id,
		Type:        opType,
		CardNumber:  "4111",
		AccountID:   "acct-1",
		Status:      models.StatusPending,
		MaxAttempts: 3,
	}
}

func TestBalanceOperationRunsToCompletion(t *testing.T) {
	w, st, q, _ := newTestWorker(t, func() *browsertest.FakeSurface { return portalSurface(false) })
	st.add(pendingOp("op-1", models.TypeCheckBalance))

	w.handle(context.Background(), "op-1")

	op := st.get("op-1")
	if op.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", op.Status, op.ResponseMessage)
	}
	if op.ResponseData["balance"] != "USD 42.00" {
		t.Errorf("balance = %v", op.ResponseData["balance"])
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.extended) != 1 || q.extended[0] != "op-1" {
		t.Errorf("lease extensions = %v, want one before the portal work", q.extended)
	}
}

func TestCaptchaParksThenResumes(t *testing.T) {
	w, st, _, factory := newTestWorker(t, func() *browsertest.FakeSurface { return portalSurface(true) })
	st.add(pendingOp("op-1", models.TypeCheckBalance))

	w.handle(context.Background(), "op-1")

	op := st.get("op-1")
	if op.Status != models.StatusAwaitingCaptcha {
		t.Fatalf("status = %s, want parked at captcha", op.Status)
	}
	if op.CaptchaImageKey != "captcha/op-1.png" {
		t.Errorf("image key = %q", op.CaptchaImageKey)
	}
	if w.lookupParked("op-1") == nil {
		t.Fatal("operation is not in the park registry")
	}

	// Nothing was submitted while parked.
	surf := factory.surfs[0]
	if len(surf.Filled[browser.FieldCaptchaInput]) != 0 {
		t.Fatal("captcha input filled before a solution arrived")
	}

	// Operator answers; next poll resumes the flow to completion.
	st.mu.Lock()
	st.ops["op-1"].CaptchaSolution = "XK29F"
	st.mu.Unlock()
	w.pollParked(context.Background())

	op = st.get("op-1")
	if op.Status != models.StatusCompleted {
		t.Fatalf("status after resume = %s (%s)", op.Status, op.ResponseMessage)
	}
	if got := surf.Filled[browser.FieldCaptchaInput]; len(got) != 1 || got[0] != "XK29F" {
		t.Errorf("captcha fills = %v", got)
	}
	if w.lookupParked("op-1") != nil {
		t.Error("operation still parked after completion")
	}
}

func renewSurface() *browsertest.FakeSurface {
	surf := portalSurface(false)
	surf.Rows = []browser.Row{
		{Name: "Basic", PriceText: "USD 174.00", Token: "pkg-1"},
		{Name: "Premium", PriceText: "USD 330.00", Token: "pkg-3"},
	}
	surf.RowPrices["pkg-1"] = "USD 174.00"
	surf.RowPrices["pkg-3"] = "USD 330.00"
	surf.Texts[browser.FieldCommitPrice] = "Total: USD 174.00"
	return surf
}

func TestRenewWalksAllCheckpoints(t *testing.T) {
	w, st, _, factory := newTestWorker(t, func() *browsertest.FakeSurface { return renewSurface() })
	st.add(pendingOp("op-1", models.TypeRenew))
	ctx := context.Background()

	w.handle(ctx, "op-1")
	op := st.get("op-1")
	if op.Status != models.StatusAwaitingPackage {
		t.Fatalf("status = %s, want awaiting package", op.Status)
	}
	if len(op.Packages) != 2 {
		t.Fatalf("packages = %+v", op.Packages)
	}

	st.mu.Lock()
	st.ops["op-1"].SelectedToken = "pkg-1"
	st.mu.Unlock()
	w.pollParked(ctx)

	op = st.get("op-1")
	if op.Status != models.StatusAwaitingFinalConfirm {
		t.Fatalf("status = %s, want awaiting final confirm", op.Status)
	}
	if op.Amount != 174.00 || op.SelectedPackage == nil || op.SelectedPackage.Token != "pkg-1" {
		t.Fatalf("reserved = %v %+v", op.Amount, op.SelectedPackage)
	}
	if op.FinalConfirmExpiry == nil || op.FinalConfirmExpiry.Before(time.Now()) {
		t.Fatal("deadline missing or already past")
	}

	surf := factory.surfs[0]
	surf.Present[browser.FieldSuccessMarker] = true
	surf.Texts[browser.FieldSuccessMarker] = "Renewal complete"

	st.mu.Lock()
	st.ops["op-1"].ConfirmRequested = true
	st.mu.Unlock()
	w.pollParked(ctx)

	op = st.get("op-1")
	if op.Status != models.StatusCompleted {
		t.Fatalf("status = %s (%s)", op.Status, op.ResponseMessage)
	}
	if op.ResponseMessage != "Renewal complete" {
		t.Errorf("message = %q", op.ResponseMessage)
	}
	commits := 0
	for _, f := range surf.Clicked {
		if f == browser.FieldCommitSubmit {
			commits++
		}
	}
	if commits != 1 {
		t.Fatalf("commit clicked %d times", commits)
	}
}

func TestSweeperAutoCancelsExpiredConfirm(t *testing.T) {
	w, st, _, factory := newTestWorker(t, func() *browsertest.FakeSurface { return renewSurface() })
	st.add(pendingOp("op-1", models.TypeRenew))
	ctx := context.Background()

	w.handle(ctx, "op-1")
	st.mu.Lock()
	st.ops["op-1"].SelectedToken = "pkg-1"
	st.mu.Unlock()
	w.pollParked(ctx)

	past := time.Now().Add(-time.Second)
	st.mu.Lock()
	st.ops["op-1"].FinalConfirmExpiry = &past
	st.mu.Unlock()

	w.sweep(ctx)

	op := st.get("op-1")
	if op.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want auto-cancelled", op.Status)
	}
	if !op.RefundRecorded {
		t.Error("refund was not recorded")
	}
	if w.lookupParked("op-1") != nil {
		t.Error("operation still parked after auto-cancel")
	}
	released := false
	for _, f := range factory.surfs[0].Clicked {
		if f == browser.FieldCancelOrder {
			released = true
		}
	}
	if !released {
		t.Error("reserved funds were never released")
	}

	// A second sweep must not double-claim.
	w.sweep(ctx)
	if got := st.get("op-1"); !got.RefundRecorded || got.Status != models.StatusCancelled {
		t.Fatalf("second sweep changed the row: %+v", got)
	}
}

func TestConnectivityFailureRequeuesWithBackoff(t *testing.T) {
	w, st, q, _ := newTestWorker(t, func() *browsertest.FakeSurface {
		surf := portalSurface(false)
		surf.NavigateErr = context.DeadlineExceeded
		return surf
	})
	st.add(pendingOp("op-1", models.TypeCheckBalance))

	w.handle(context.Background(), "op-1")

	op := st.get("op-1")
	if op.Status != models.StatusPending {
		t.Fatalf("status = %s, want requeued as pending", op.Status)
	}
	if op.Attempts != 1 {
		t.Errorf("attempts = %d", op.Attempts)
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.readyLen() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("operation never re-entered the ready queue")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExhaustedRetriesLandInDLQ(t *testing.T) {
	w, st, q, _ := newTestWorker(t, func() *browsertest.FakeSurface {
		surf := portalSurface(false)
		surf.NavigateErr = context.DeadlineExceeded
		return surf
	})
	op := pendingOp("op-1", models.TypeCheckBalance)
	op.Attempts = 2 // next attempt is the last
	st.add(op)

	w.handle(context.Background(), "op-1")

	got := st.get("op-1")
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.dlq) != 1 || q.dlq[0] != "op-1" {
		t.Errorf("dlq = %v", q.dlq)
	}
}

func TestRecoverOrphansAfterRestart(t *testing.T) {
	// The park registry dies with the process: a fresh worker must not
	// leave checkpoint rows waiting on page state that no longer exists.
	w, st, q, _ := newTestWorker(t, func() *browsertest.FakeSurface { return portalSurface(false) })
	ctx := context.Background()

	capOp := pendingOp("op-c", models.TypeCheckBalance)
	capOp.Status = models.StatusAwaitingCaptcha
	capOp.Attempts = 1
	st.add(capOp)

	pkgOp := pendingOp("op-p", models.TypeRenew)
	pkgOp.Status = models.StatusAwaitingPackage
	pkgOp.Attempts = 1
	st.add(pkgOp)

	future := time.Now().Add(time.Minute)
	finOp := pendingOp("op-f", models.TypeRenew)
	finOp.Status = models.StatusAwaitingFinalConfirm
	finOp.FinalConfirmExpiry = &future
	finOp.ConfirmRequested = true
	st.add(finOp)

	w.RecoverOrphans(ctx)

	for _, id := range []string{"op-c", "op-p"} {
		if got := st.get(id); got.Status != models.StatusPending {
			t.Errorf("%s status = %s, want requeued as pending", id, got.Status)
		}
	}
	q.mu.Lock()
	requeued := len(q.ready)
	q.mu.Unlock()
	if requeued != 2 {
		t.Errorf("ready queue = %d entries, want the two rebuildable checkpoints", requeued)
	}

	// A reserved order cannot be replayed against a fresh page.
	if got := st.get("op-f"); got.Status != models.StatusFailed {
		t.Errorf("op-f status = %s, want failed", got.Status)
	}
}

func TestRecoverOrphansSkipsParkedOperations(t *testing.T) {
	w, st, q, _ := newTestWorker(t, func() *browsertest.FakeSurface { return portalSurface(true) })
	st.add(pendingOp("op-1", models.TypeCheckBalance))
	ctx := context.Background()

	w.handle(ctx, "op-1")
	if st.get("op-1").Status != models.StatusAwaitingCaptcha {
		t.Fatal("operation did not park at the captcha")
	}

	w.RecoverOrphans(ctx)

	if got := st.get("op-1"); got.Status != models.StatusAwaitingCaptcha {
		t.Fatalf("status = %s, live checkpoint must be left alone", got.Status)
	}
	if q.readyLen() != 0 {
		t.Error("a live parked operation was requeued")
	}
}

func TestSweepReachesConfirmRequestedRow(t *testing.T) {
	// confirm_requested alone must not shield an expired row: if no flow
	// claimed the commit before the deadline, the sweep still cancels it.
	w, st, _, _ := newTestWorker(t, func() *browsertest.FakeSurface { return portalSurface(false) })
	past := time.Now().Add(-time.Second)
	op := pendingOp("op-1", models.TypeRenew)
	op.Status = models.StatusAwaitingFinalConfirm
	op.FinalConfirmExpiry = &past
	op.ConfirmRequested = true
	st.add(op)

	w.sweep(context.Background())

	got := st.get("op-1")
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want auto-cancelled", got.Status)
	}
	if !got.RefundRecorded {
		t.Error("refund was not recorded")
	}
}

func TestCancelledWhileParkedReleasesFunds(t *testing.T) {
	w, st, _, factory := newTestWorker(t, func() *browsertest.FakeSurface { return renewSurface() })
	st.add(pendingOp("op-1", models.TypeRenew))
	ctx := context.Background()

	w.handle(ctx, "op-1")
	st.mu.Lock()
	st.ops["op-1"].SelectedToken = "pkg-1"
	st.mu.Unlock()
	w.pollParked(ctx)

	st.mu.Lock()
	st.ops["op-1"].Status = models.StatusCancelled
	st.mu.Unlock()
	w.pollParked(ctx)

	if w.lookupParked("op-1") != nil {
		t.Fatal("operation still parked after cancellation")
	}
	released := false
	for _, f := range factory.surfs[0].Clicked {
		if f == browser.FieldCancelOrder {
			released = true
		}
	}
	if !released {
		t.Error("reserved funds were never released")
	}
}
