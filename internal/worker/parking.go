package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"portal-runner/internal/login"
	"portal-runner/internal/models"
	"portal-runner/internal/portalerr"
	"portal-runner/internal/session"
	"portal-runner/internal/store"
	"portal-runner/internal/telemetry"
	"portal-runner/internal/wizard"
)

type parkStage string

const (
	stageCaptcha      parkStage = "captcha"
	stagePackage      parkStage = "package"
	stageFinalConfirm parkStage = "final_confirm"
)

// parkedOp is an operation suspended at a human-input checkpoint. The live
// page state stays in memory; the operator's answer arrives through the
// operation row.
type parkedOp struct {
	op      models.Operation
	entry   *session.Entry
	machine *login.Machine
	wiz     *wizard.Wizard
	stage   parkStage
}

func (w *Worker) park(p *parkedOp) {
	w.mu.Lock()
	w.parked[p.op.ID] = p
	telemetry.ParkedOperations.Set(float64(len(w.parked)))
	w.mu.Unlock()
}

func (w *Worker) unpark(id string) {
	w.mu.Lock()
	delete(w.parked, id)
	telemetry.ParkedOperations.Set(float64(len(w.parked)))
	w.mu.Unlock()
}

func (w *Worker) lookupParked(id string) *parkedOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.parked[id]
}

// accountParked reports whether some other operation already holds the
// account's page at a checkpoint.
func (w *Worker) accountParked(accountID, exceptID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, p := range w.parked {
		if id != exceptID && p.op.AccountID == accountID {
			return true
		}
	}
	return false
}

func (w *Worker) parkedSnapshot() []*parkedOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*parkedOp, 0, len(w.parked))
	for _, p := range w.parked {
		out = append(out, p)
	}
	return out
}

// RunParkPoller watches the rows of parked operations for operator input
// and resumes the suspended flows.
func (w *Worker) RunParkPoller(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ParkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollParked(ctx)
		}
	}
}

func (w *Worker) pollParked(ctx context.Context) {
	for _, p := range w.parkedSnapshot() {
		op, err := w.store.GetOperation(ctx, p.op.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				w.unpark(p.op.ID)
			}
			continue
		}
		if models.TerminalStatus(op.Status) {
			// Cancelled (or finished elsewhere) while parked. Back out of a
			// reserved order before letting the page go.
			if p.stage == stageFinalConfirm && p.wiz != nil {
				w.releaseFunds(ctx, p)
			}
			w.unpark(p.op.ID)
			continue
		}

		switch p.stage {
		case stageCaptcha:
			if op.CaptchaSolution != "" {
				w.resumeCaptcha(ctx, p, op)
			}
		case stagePackage:
			if op.SelectedToken != "" {
				w.resumePackage(ctx, p, op)
			}
		case stageFinalConfirm:
			if op.ConfirmRequested {
				w.resumeConfirm(ctx, p, op)
			}
		}
	}
}

func (w *Worker) resumeCaptcha(ctx context.Context, p *parkedOp, op models.Operation) {
	// Consume the solution: back to processing before touching the page.
	if err := w.store.SetProcessing(ctx, op.ID, op.Attempts); err != nil {
		log.Printf("resume %s: %v", op.ID, err)
		return
	}
	w.tracker.Record(op.ID, "captcha_received", "")

	p.entry.Mu.Lock()
	defer p.entry.Mu.Unlock()

	res, err := p.machine.SubmitCaptcha(ctx, op.CaptchaSolution)
	if err != nil {
		if portalerr.ClassOf(err) == portalerr.ClassChallengeMismatch {
			if w.reissueChallenge(ctx, p, op) {
				return
			}
		}
		w.unpark(op.ID)
		w.failOrRetry(ctx, op, err)
		return
	}
	if res.State != login.StateLoggedIn {
		w.unpark(op.ID)
		w.fail(ctx, op.ID, "login did not complete after the captcha solve")
		return
	}

	w.tracker.Record(op.ID, "logged_in", "")
	w.unpark(op.ID)
	w.advance(ctx, op, p.entry)
}

// reissueChallenge retries a mismatched CAPTCHA once with a fresh image.
// Returns true when the operation is parked again awaiting a new solve.
func (w *Worker) reissueChallenge(ctx context.Context, p *parkedOp, op models.Operation) bool {
	res, err := p.machine.RetryChallenge(ctx)
	if err != nil || res.State != login.StateCaptchaPending {
		return false
	}
	key, err := w.publisher.Publish(ctx, op.ID, res.CaptchaImage)
	if err != nil {
		log.Printf("publish retry captcha %s: %v", op.ID, err)
		return false
	}
	if err := w.store.SetAwaitingCaptcha(ctx, op.ID, key); err != nil {
		log.Printf("repark %s at captcha: %v", op.ID, err)
		return false
	}
	telemetry.CaptchaCheckpoint.Inc()
	w.tracker.Record(op.ID, "captcha_reissued", "previous solution rejected, new image at "+key)
	return true
}

func (w *Worker) resumePackage(ctx context.Context, p *parkedOp, op models.Operation) {
	if err := w.store.SetProcessing(ctx, op.ID, op.Attempts); err != nil {
		log.Printf("resume %s: %v", op.ID, err)
		return
	}
	w.tracker.Record(op.ID, "package_selected", "token="+op.SelectedToken)

	p.entry.Mu.Lock()
	out, err := p.wiz.SelectPackage(ctx, op.SelectedToken, op.PromoCode)
	p.entry.Mu.Unlock()

	if err != nil {
		w.unpark(op.ID)
		w.failOrRetry(ctx, op, err)
		return
	}

	if err := w.store.SetAwaitingFinalConfirm(ctx, op.ID, *out.Selected, out.Deadline); err != nil {
		log.Printf("park %s at final confirm: %v", op.ID, err)
		w.unpark(op.ID)
		return
	}
	w.tracker.Record(op.ID, "awaiting_final_confirm",
		out.Selected.Name+" reserved, deadline "+out.Deadline.UTC().Format(time.RFC3339))
	p.stage = stageFinalConfirm
}

func (w *Worker) resumeConfirm(ctx context.Context, p *parkedOp, op models.Operation) {
	// Only one of the confirming worker and the deadline sweeper may win.
	claimed, err := w.store.SetCompleting(ctx, op.ID)
	if err != nil {
		log.Printf("claim confirm %s: %v", op.ID, err)
		return
	}
	if !claimed {
		// The sweeper got there first; it handles cleanup.
		return
	}
	w.tracker.Record(op.ID, "confirming", "")

	p.entry.Mu.Lock()
	out, err := p.wiz.Confirm(ctx)
	p.entry.Mu.Unlock()

	w.unpark(op.ID)
	if err != nil {
		w.fail(ctx, op.ID, err.Error())
		return
	}
	w.complete(ctx, op.ID, out.Message, out.Data)
}

func (w *Worker) releaseFunds(ctx context.Context, p *parkedOp) {
	p.entry.Mu.Lock()
	err := p.wiz.ReleaseFunds(ctx)
	p.entry.Mu.Unlock()
	if err != nil {
		log.Printf("release funds for %s: %v", p.op.ID, err)
		return
	}
	w.tracker.Record(p.op.ID, "funds_released", "")
}
