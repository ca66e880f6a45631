// Package portalerr classifies failures from the destination portal so that
// callers can decide between retrying, paging an operator, and failing hard.
package portalerr

import (
	"errors"
	"fmt"
)

// Class buckets an error by what the caller should do about it.
type Class string

const (
	// ClassConnectivity covers navigation timeouts and DNS failures. Retryable.
	ClassConnectivity Class = "connectivity"
	// ClassAuthentication covers bad credentials and expired sessions.
	// Requires operator action, never auto-retried.
	ClassAuthentication Class = "authentication"
	// ClassChallengeMismatch covers a wrong CAPTCHA solution or a stale 2FA
	// code. Retryable once per operation with a fresh challenge.
	ClassChallengeMismatch Class = "challenge_mismatch"
	// ClassPriceIntegrity means the live price at commit time disagrees with
	// the price recorded at selection time. Always fatal to the operation.
	ClassPriceIntegrity Class = "price_integrity"
	// ClassAmbiguousResult means the portal returned neither a success nor an
	// error marker and the outcome had to be inferred.
	ClassAmbiguousResult Class = "ambiguous_result"
	// ClassTimeoutExpiry means the final-confirm deadline passed. The
	// operation is auto-cancelled with a refund, not surfaced as an error.
	ClassTimeoutExpiry Class = "timeout_expiry"
)

// Error carries the classification plus the wizard step that failed, so the
// terminal failure message tells the operator what to fix before retrying.
type Error struct {
	Class Class
	Step  string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at %s: %s: %v", e.Class, e.Step, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s at %s: %s", e.Class, e.Step, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Connectivity wraps a navigation or timeout failure.
func Connectivity(step string, err error) *Error {
	return &Error{Class: ClassConnectivity, Step: step, Msg: "portal unreachable", Err: err}
}

// Authentication wraps a credential or session failure.
func Authentication(step, msg string) *Error {
	return &Error{Class: ClassAuthentication, Step: step, Msg: msg}
}

// ChallengeMismatch wraps a rejected CAPTCHA or 2FA submission.
func ChallengeMismatch(step, msg string) *Error {
	return &Error{Class: ClassChallengeMismatch, Step: step, Msg: msg}
}

// PriceIntegrity reports a selection/commit price disagreement.
func PriceIntegrity(step string, want, got float64) *Error {
	return &Error{
		Class: ClassPriceIntegrity,
		Step:  step,
		Msg:   fmt.Sprintf("selected price %.2f but live price is %.2f", want, got),
	}
}

// Ambiguous reports a result the portal did not explicitly confirm or deny.
func Ambiguous(step, msg string) *Error {
	return &Error{Class: ClassAmbiguousResult, Step: step, Msg: msg}
}

// ClassOf extracts the class from err, or "" when err is not a portal error.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ""
}

// Retryable reports whether the worker may re-run the operation after err.
// Only connectivity failures are safe to retry without operator input.
func Retryable(err error) bool {
	return ClassOf(err) == ClassConnectivity
}
