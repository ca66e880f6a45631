package worker

import (
	"context"
	"log"
	"time"

	"portal-runner/internal/models"
	"portal-runner/internal/telemetry"
)

// RunSweeper auto-cancels operations whose final-confirmation window
// expired. The claim is atomic in the store, so a row is cancelled and its
// refund recorded exactly once even with several workers sweeping.
func (w *Worker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// RecoverOrphans reconciles checkpoint rows left behind by a previous
// process. The live page behind a checkpoint dies with the process, so a
// row with no parked entry can never be resumed. CAPTCHA and package
// checkpoints go back through the queue to be rebuilt from scratch; a
// reserved final confirmation cannot be replayed without risking a second
// reservation and is failed, with the portal's own deadline releasing the
// held funds.
func (w *Worker) RecoverOrphans(ctx context.Context) {
	ops, err := w.store.AwaitingOperations(ctx, 200)
	if err != nil {
		log.Printf("recover: list checkpoint rows: %v", err)
		return
	}
	for _, op := range ops {
		if w.lookupParked(op.ID) != nil {
			continue
		}
		switch op.Status {
		case models.StatusAwaitingFinalConfirm:
			w.fail(ctx, op.ID, "process restarted before the order was confirmed")
		default:
			if err := w.store.UpdateAttempts(ctx, op.ID, op.Attempts, "checkpoint state did not survive a restart"); err != nil {
				log.Printf("recover: requeue %s: %v", op.ID, err)
				continue
			}
			if err := w.queue.Enqueue(ctx, op.ID); err != nil {
				log.Printf("recover: enqueue %s: %v", op.ID, err)
				continue
			}
			w.tracker.Record(op.ID, "requeued", "checkpoint state did not survive a restart")
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := w.store.ExpiredFinalConfirms(ctx, now, 50)
	if err != nil {
		log.Printf("sweep: list expired confirms: %v", err)
		return
	}
	for _, id := range ids {
		claimed, err := w.store.ClaimExpiredCancel(ctx, id, now)
		if err != nil {
			log.Printf("sweep: claim %s: %v", id, err)
			continue
		}
		if !claimed {
			continue
		}
		telemetry.OperationsCancel.Inc()
		w.tracker.Record(id, "auto_cancelled", "final confirmation window expired")

		if p := w.lookupParked(id); p != nil && p.wiz != nil {
			w.releaseFunds(ctx, p)
			w.unpark(id)
		}
	}
}
