package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"portal-runner/internal/models"
)

// ErrNotFound is returned when an operation id has no row.
var ErrNotFound = errors.New("operation not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateOperationParams collects inputs required to insert an operation.
type CreateOperationParams struct {
	Type        string
	CardNumber  string
	AccountID   string
	MaxAttempts int
}

// CreateOperation inserts a pending operation row.
func (s *Store) CreateOperation(ctx context.Context, p CreateOperationParams) (models.Operation, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO operations (id, type, card_number, account_id, status, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, id, p.Type, p.CardNumber, p.AccountID, models.StatusPending, p.MaxAttempts, now)
	if err != nil {
		return models.Operation{}, fmt.Errorf("insert operation: %w", err)
	}

	return models.Operation{
		ID:          id,
		Type:        p.Type,
		CardNumber:  p.CardNumber,
		AccountID:   p.AccountID,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const operationColumns = `
	id, type, card_number, account_id, status, amount, response_message,
	response_data, packages, selected_package, final_confirm_expiry,
	captcha_image_key, captcha_solution, selected_token, promo_code,
	confirm_requested, refund_recorded, attempts, max_attempts, last_error,
	created_at, updated_at`

// GetOperation fetches an operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (models.Operation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = $1`, id)
	return scanOperation(row)
}

func scanOperation(row pgx.Row) (models.Operation, error) {
	var op models.Operation
	var responseData, packages, selected []byte
	var expiry pgtype.Timestamptz
	var respMsg, imageKey, solution, token, promo pgtype.Text
	var lastErr pgtype.Text

	err := row.Scan(
		&op.ID, &op.Type, &op.CardNumber, &op.AccountID, &op.Status, &op.Amount,
		&respMsg, &responseData, &packages, &selected, &expiry,
		&imageKey, &solution, &token, &promo,
		&op.ConfirmRequested, &op.RefundRecorded, &op.Attempts, &op.MaxAttempts,
		&lastErr, &op.CreatedAt, &op.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Operation{}, ErrNotFound
	}
	if err != nil {
		return models.Operation{}, fmt.Errorf("scan operation: %w", err)
	}

	op.ResponseMessage = respMsg.String
	op.CaptchaImageKey = imageKey.String
	op.CaptchaSolution = solution.String
	op.SelectedToken = token.String
	op.PromoCode = promo.String
	if lastErr.Valid {
		op.LastError = &lastErr.String
	}
	if expiry.Valid {
		t := expiry.Time
		op.FinalConfirmExpiry = &t
	}
	if len(responseData) > 0 {
		if err := json.Unmarshal(responseData, &op.ResponseData); err != nil {
			return models.Operation{}, fmt.Errorf("unmarshal response data: %w", err)
		}
	}
	if len(packages) > 0 {
		if err := json.Unmarshal(packages, &op.Packages); err != nil {
			return models.Operation{}, fmt.Errorf("unmarshal packages: %w", err)
		}
	}
	if len(selected) > 0 {
		if err := json.Unmarshal(selected, &op.SelectedPackage); err != nil {
			return models.Operation{}, fmt.Errorf("unmarshal selected package: %w", err)
		}
	}
	return op, nil
}

// SetProcessing moves a non-terminal operation into the processing state.
func (s *Store) SetProcessing(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE operations SET status = $2, attempts = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
	`, id, models.StatusProcessing, attempts,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	return err
}

// SetAwaitingCaptcha parks an operation at the CAPTCHA checkpoint and records
// where the published challenge image can be fetched.
func (s *Store) SetAwaitingCaptcha(ctx context.Context, id, imageKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, captcha_image_key = $3, captcha_solution = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusAwaitingCaptcha, imageKey, models.StatusProcessing)
	return err
}

// SetAwaitingPackage surfaces the extracted package list to polling clients.
// Any earlier token choice is cleared; it was made against a stale list.
func (s *Store) SetAwaitingPackage(ctx context.Context, id string, packages []models.Package) error {
	blob, err := json.Marshal(packages)
	if err != nil {
		return fmt.Errorf("marshal packages: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, packages = $3, selected_token = NULL, promo_code = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusAwaitingPackage, blob, models.StatusProcessing)
	return err
}

// SetAwaitingFinalConfirm records the selected package, the reserved amount,
// and the hard confirmation deadline.
func (s *Store) SetAwaitingFinalConfirm(ctx context.Context, id string, pkg models.Package, deadline time.Time) error {
	blob, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("marshal selected package: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, selected_package = $3, amount = $4,
		    final_confirm_expiry = $5, confirm_requested = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.StatusAwaitingFinalConfirm, blob, pkg.Price, deadline, models.StatusProcessing)
	return err
}

// SetCompleting marks the start of the irreversible commit step. It only
// succeeds from awaiting_final_confirm, which is what stops the deadline
// sweeper and a confirming worker from racing each other.
func (s *Store) SetCompleting(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCompleting, models.StatusAwaitingFinalConfirm)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted finishes an operation with a result message and data blob.
func (s *Store) MarkCompleted(ctx context.Context, id, message string, data map[string]any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal response data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, response_message = $3, response_data = $4, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, id, models.StatusCompleted, message, blob, models.StatusFailed, models.StatusCancelled)
	return err
}

// MarkFailed finishes an operation with a human-readable failure message.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, response_message = $3, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, models.StatusFailed, message, models.StatusCompleted, models.StatusCancelled)
	return err
}

// MarkCancelled cancels an operation if its current state permits it.
// It reports whether this call performed the transition.
func (s *Store) MarkCancelled(ctx context.Context, id, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, response_message = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5, $6, $7)
	`, id, models.StatusCancelled, message,
		models.StatusPending, models.StatusAwaitingCaptcha,
		models.StatusAwaitingPackage, models.StatusAwaitingFinalConfirm)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateAttempts re-queues a retryable failure with its error recorded.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE operations SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusPending, attempts, lastErr)
	return err
}

// SetCaptchaSolution stores an operator-supplied CAPTCHA answer. Only an
// operation parked at the CAPTCHA checkpoint accepts one.
func (s *Store) SetCaptchaSolution(ctx context.Context, id, solution string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations SET captcha_solution = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, solution, models.StatusAwaitingCaptcha)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetSelectedToken stores the operator's package choice and optional promo code.
func (s *Store) SetSelectedToken(ctx context.Context, id, token, promo string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations SET selected_token = $2, promo_code = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, token, promo, models.StatusAwaitingPackage)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RequestConfirm flags a pending final commit for execution if its deadline
// has not yet passed.
func (s *Store) RequestConfirm(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations SET confirm_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND final_confirm_expiry > NOW()
	`, id, models.StatusAwaitingFinalConfirm)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpiredFinalConfirms lists operations whose confirmation deadline has
// passed. A row with confirm_requested set is included too: if no live flow
// claimed it via SetCompleting before the deadline, the request is void and
// the sweep must still reach the row.
func (s *Store) ExpiredFinalConfirms(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM operations
		WHERE status = $1 AND final_confirm_expiry <= $2
		LIMIT $3
	`, models.StatusAwaitingFinalConfirm, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired confirms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired confirm id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AwaitingOperations lists every operation parked at a checkpoint. The
// worker uses it at startup to reconcile rows whose in-memory page state
// did not survive the restart.
func (s *Store) AwaitingOperations(ctx context.Context, limit int) ([]models.Operation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE status IN ($1, $2, $3)
		ORDER BY updated_at ASC LIMIT $4
	`, models.StatusAwaitingCaptcha, models.StatusAwaitingPackage,
		models.StatusAwaitingFinalConfirm, limit)
	if err != nil {
		return nil, fmt.Errorf("query awaiting operations: %w", err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ClaimExpiredCancel atomically auto-cancels one expired final confirm and
// records the refund in the same statement. At most one caller can win the
// claim, which is what makes the refund side effect exactly-once.
func (s *Store) ClaimExpiredCancel(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, refund_recorded = TRUE,
		    response_message = 'confirmation deadline passed, reserved funds released',
		    updated_at = NOW()
		WHERE id = $1 AND status = $3 AND final_confirm_expiry <= $4 AND refund_recorded = FALSE
	`, id, models.StatusCancelled, models.StatusAwaitingFinalConfirm, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendAudit adds an activity-tracker row.
func (s *Store) AppendAudit(ctx context.Context, operationID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (operation_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, operationID, event, detail)
	return err
}

// AuditTrail returns the recorded lifecycle events for an operation.
func (s *Store) AuditTrail(ctx context.Context, operationID string, limit int) ([]models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT operation_id, event, detail, ts FROM audit_logs
		WHERE operation_id = $1 ORDER BY ts ASC LIMIT $2
	`, operationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		if err := rows.Scan(&ev.OperationID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
