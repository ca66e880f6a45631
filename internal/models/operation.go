package models

import (
	"time"
)

// Operation types accepted at intake.
const (
	TypeRenew         = "renew"
	TypeCheckBalance  = "check_balance"
	TypeSignalRefresh = "signal_refresh"
)

// Operation lifecycle states persisted in Postgres.
const (
	StatusPending              = "pending"
	StatusProcessing           = "processing"
	StatusAwaitingCaptcha      = "awaiting_captcha"
	StatusAwaitingPackage      = "awaiting_package"
	StatusAwaitingFinalConfirm = "awaiting_final_confirm"
	StatusCompleting           = "completing"
	StatusCompleted            = "completed"
	StatusFailed               = "failed"
	StatusCancelled            = "cancelled"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether an operator may cancel an operation outright
// in the given state. Once the commit step starts there is no undo.
func Cancellable(status string) bool {
	switch status {
	case StatusPending, StatusAwaitingCaptcha, StatusAwaitingPackage, StatusAwaitingFinalConfirm:
		return true
	}
	return false
}

// Package is a purchase option extracted from the portal for one operation.
// The selector token, not the index, re-targets the row later: re-extraction
// does not guarantee identical ordering.
type Package struct {
	Index int     `json:"index"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Token string  `json:"token"`
}

// Operation is one customer-facing unit of work against the portal.
type Operation struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	CardNumber         string         `json:"card_number"`
	AccountID          string         `json:"account_id"`
	Status             string         `json:"status"`
	Amount             float64        `json:"amount"`
	ResponseMessage    string         `json:"response_message"`
	ResponseData       map[string]any `json:"response_data,omitempty"`
	Packages           []Package      `json:"packages,omitempty"`
	SelectedPackage    *Package       `json:"selected_package,omitempty"`
	FinalConfirmExpiry *time.Time     `json:"final_confirm_expiry,omitempty"`
	CaptchaImageKey    string         `json:"captcha_image_key,omitempty"`

	// Operator-supplied inputs, written by the API and consumed by the
	// worker when it resumes a parked operation.
	CaptchaSolution  string `json:"-"`
	SelectedToken    string `json:"-"`
	PromoCode        string `json:"-"`
	ConfirmRequested bool   `json:"-"`
	RefundRecorded   bool   `json:"-"`

	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Account is a pooled provider identity used to log in to the portal.
// Credentials come from admin configuration and are immutable during a run.
type Account struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	TOTPSecret string `json:"-"`
	Label      string `json:"label"`
}

// AuditEvent is a single activity-tracker row.
type AuditEvent struct {
	OperationID string    `json:"operation_id"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail"`
	Recorded    time.Time `json:"recorded_at"`
}

// StoredSession is a persisted browser session snapshot for an account.
type StoredSession struct {
	AccountID    string    `json:"account_id"`
	StorageState []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Valid        bool      `json:"valid"`
}
