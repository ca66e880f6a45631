// Package login drives the portal login flow for one account session:
// credential entry, CAPTCHA handoff, TOTP injection, and submit verification.
package login

import (
	"context"
	"strings"

	"portal-runner/internal/browser"
	"portal-runner/internal/config"
	"portal-runner/internal/portalerr"
	"portal-runner/internal/session"
	"portal-runner/internal/totp"
)

// State is the machine's position in the login flow.
type State string

const (
	StateNeedLogin         State = "need_login"
	StateCredentialsFilled State = "credentials_filled"
	StateCaptchaPending    State = "captcha_pending"
	StateTwoFAFilled       State = "twofa_filled"
	StateSubmitted         State = "submitted"
	StateLoggedIn          State = "logged_in"
	StateLoginFailed       State = "login_failed"
)

// Stamper records a successful login on the pool entry and persists the
// session snapshot.
type Stamper interface {
	MarkLoggedIn(ctx context.Context, entry *session.Entry) error
}

// Result is returned from each machine step. CaptchaImage is populated only
// when the machine paused at the CAPTCHA checkpoint.
type Result struct {
	State        State
	CaptchaImage []byte
}

// Machine runs the login flow for one account. It is not safe for
// concurrent use; the session entry's lock serializes callers.
type Machine struct {
	cfg     config.Config
	entry   *session.Entry
	stamper Stamper
	totp    *totp.Generator

	state            State
	challengeRetried bool
}

// NewMachine builds a machine positioned at NeedLogin.
func NewMachine(cfg config.Config, entry *session.Entry, stamper Stamper, gen *totp.Generator) *Machine {
	return &Machine{
		cfg:     cfg,
		entry:   entry,
		stamper: stamper,
		totp:    gen,
		state:   StateNeedLogin,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// Ensure makes the session authenticated. A pool entry still inside the
// session-timeout window short-circuits straight to LoggedIn with no
// navigation at all.
func (m *Machine) Ensure(ctx context.Context) (Result, error) {
	if m.state == StateLoggedIn {
		return Result{State: StateLoggedIn}, nil
	}
	if m.entry.Fresh(m.cfg.SessionTimeout) {
		m.state = StateLoggedIn
		return Result{State: StateLoggedIn}, nil
	}
	return m.begin(ctx)
}

func (m *Machine) begin(ctx context.Context) (Result, error) {
	surf := m.entry.Surface

	if err := surf.Navigate(ctx, m.cfg.PortalBaseURL+"/login"); err != nil {
		m.state = StateLoginFailed
		return Result{State: StateLoginFailed}, portalerr.Connectivity("login_navigation", err)
	}
	surf.Settle(ctx)

	// A restored persisted session may skip the form entirely: the portal
	// redirects an authenticated cookie holder away from /login.
	if !surf.Exists(browser.FieldLoginForm) && !urlLooksUnauthenticated(surf.URL()) {
		m.state = StateLoggedIn
		if err := m.stamper.MarkLoggedIn(ctx, m.entry); err != nil {
			return Result{State: StateLoggedIn}, err
		}
		return Result{State: StateLoggedIn}, nil
	}

	if err := surf.Fill(browser.FieldLoginUser, m.entry.Account.Username); err != nil {
		m.state = StateLoginFailed
		return Result{State: StateLoginFailed}, portalerr.Authentication("credentials", "could not fill username field")
	}
	if err := surf.Fill(browser.FieldLoginPass, m.entry.Account.Password); err != nil {
		m.state = StateLoginFailed
		return Result{State: StateLoginFailed}, portalerr.Authentication("credentials", "could not fill password field")
	}
	m.state = StateCredentialsFilled

	// CAPTCHA detection comes before 2FA on purpose: a TOTP code filled now
	// would expire while a human solves the challenge out-of-band.
	if surf.Exists(browser.FieldCaptchaImage) {
		img, err := surf.Screenshot(browser.FieldCaptchaImage)
		if err != nil {
			m.state = StateLoginFailed
			return Result{State: StateLoginFailed}, portalerr.Connectivity("captcha_capture", err)
		}
		m.state = StateCaptchaPending
		return Result{State: StateCaptchaPending, CaptchaImage: img}, nil
	}

	return m.submit(ctx, "")
}

// SubmitCaptcha resumes a machine paused at the CAPTCHA checkpoint. A TOTP
// code is generated fresh here, not reused from before the pause. Submitting
// a solution to an already logged-in machine is a no-op.
func (m *Machine) SubmitCaptcha(ctx context.Context, solution string) (Result, error) {
	if m.state == StateLoggedIn {
		return Result{State: StateLoggedIn}, nil
	}
	if m.state != StateCaptchaPending {
		return Result{State: m.state}, portalerr.ChallengeMismatch("captcha", "no captcha is pending for this session")
	}
	return m.submit(ctx, solution)
}

// RetryChallenge restarts the flow to fetch a fresh challenge after a
// CAPTCHA/2FA mismatch. Allowed once per machine.
func (m *Machine) RetryChallenge(ctx context.Context) (Result, error) {
	if m.challengeRetried {
		return Result{State: m.state}, portalerr.Authentication("login", "challenge retry budget exhausted")
	}
	m.challengeRetried = true
	m.state = StateNeedLogin
	return m.begin(ctx)
}

func (m *Machine) submit(ctx context.Context, captchaSolution string) (Result, error) {
	surf := m.entry.Surface

	if captchaSolution != "" {
		if err := surf.Fill(browser.FieldCaptchaInput, captchaSolution); err != nil {
			m.state = StateLoginFailed
			return Result{State: StateLoginFailed}, portalerr.ChallengeMismatch("captcha", "could not fill captcha field")
		}
	}

	if m.entry.Account.TOTPSecret != "" {
		code, err := m.totp.Code(m.entry.Account.TOTPSecret)
		if err != nil {
			m.state = StateLoginFailed
			return Result{State: StateLoginFailed}, portalerr.Authentication("totp", "could not derive one-time code")
		}
		if err := surf.Fill(browser.FieldTOTPInput, code); err != nil {
			m.state = StateLoginFailed
			return Result{State: StateLoginFailed}, portalerr.Authentication("totp", "could not fill one-time code field")
		}
		m.state = StateTwoFAFilled
	}

	if err := surf.Click(browser.FieldLoginSubmit); err != nil {
		m.state = StateLoginFailed
		return Result{State: StateLoginFailed}, portalerr.Connectivity("login_submit", err)
	}
	m.state = StateSubmitted
	surf.Settle(ctx)

	return m.verify(ctx, captchaSolution != "")
}

// verify decides the outcome negatively: success is the absence of login
// markers and of login/error tokens in the URL. The portal gives no
// structured success signal, so any ambiguity counts as failure.
func (m *Machine) verify(ctx context.Context, solvedCaptcha bool) (Result, error) {
	surf := m.entry.Surface

	if !surf.Exists(browser.FieldLoginForm) && !urlLooksUnauthenticated(surf.URL()) {
		m.state = StateLoggedIn
		if err := m.stamper.MarkLoggedIn(ctx, m.entry); err != nil {
			return Result{State: StateLoggedIn}, err
		}
		return Result{State: StateLoggedIn}, nil
	}

	m.state = StateLoginFailed
	if solvedCaptcha || m.entry.Account.TOTPSecret != "" {
		if msg, err := surf.Text(browser.FieldErrorMarker); err == nil {
			lower := strings.ToLower(msg)
			if strings.Contains(lower, "captcha") || strings.Contains(lower, "code") {
				return Result{State: StateLoginFailed},
					portalerr.ChallengeMismatch("login_verify", strings.TrimSpace(msg))
			}
		}
	}
	return Result{State: StateLoginFailed},
		portalerr.Authentication("login_verify", "portal still shows the login surface after submit")
}

func urlLooksUnauthenticated(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "login") || strings.Contains(lower, "error")
}
