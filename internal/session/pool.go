// Package session owns the per-account browser session pool. Callers borrow
// session handles; the pool alone creates and evicts them.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"portal-runner/internal/browser"
	"portal-runner/internal/config"
	"portal-runner/internal/models"
	"portal-runner/internal/telemetry"
)

// Factory creates browsing contexts. Implemented by browser.Controller.
type Factory interface {
	NewSession(ctx context.Context, accountID string, storedState []byte) (browser.Surface, error)
}

// Persistence is the slice of the store the pool uses for durable sessions.
type Persistence interface {
	LoadSession(ctx context.Context, accountID string) (models.StoredSession, bool, error)
	SaveSession(ctx context.Context, accountID string, state []byte, ttl time.Duration) error
	InvalidateSessions(ctx context.Context, accountID string) error
}

// Entry is one live account session. Mu serializes portal interactions for
// the account: concurrent operations on the same account share this handle
// and take turns, while different accounts proceed in parallel.
type Entry struct {
	Account  models.Account
	Surface  browser.Surface
	Restored bool

	Mu sync.Mutex

	// loginMu guards lastLogin, which dispatch goroutines read without
	// holding Mu.
	loginMu   sync.Mutex
	lastLogin time.Time
}

// StampLogin records the time of a successful login.
func (e *Entry) StampLogin(t time.Time) {
	e.loginMu.Lock()
	e.lastLogin = t
	e.loginMu.Unlock()
}

// LoginStamped reports whether the session has ever completed a login.
func (e *Entry) LoginStamped() bool {
	e.loginMu.Lock()
	defer e.loginMu.Unlock()
	return !e.lastLogin.IsZero()
}

// Fresh reports whether the session logged in recently enough to be reused
// without re-authenticating.
func (e *Entry) Fresh(timeout time.Duration) bool {
	e.loginMu.Lock()
	defer e.loginMu.Unlock()
	return !e.lastLogin.IsZero() && time.Since(e.lastLogin) < timeout
}

// Pool maps account id to its single live session.
type Pool struct {
	factory    Factory
	store      Persistence
	timeout    time.Duration
	persistTTL time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	// creating serializes session creation per account so two concurrent
	// acquirers never build two contexts for the same identity.
	creating map[string]*sync.Mutex
}

// NewPool builds an empty pool.
func NewPool(factory Factory, store Persistence, cfg config.Config) *Pool {
	return &Pool{
		factory:    factory,
		store:      store,
		timeout:    cfg.SessionTimeout,
		persistTTL: cfg.SessionPersistTTL,
		entries:    make(map[string]*Entry),
		creating:   make(map[string]*sync.Mutex),
	}
}

func (p *Pool) accountLock(accountID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.creating[accountID]
	if !ok {
		m = &sync.Mutex{}
		p.creating[accountID] = m
	}
	return m
}

// Acquire returns the account's live session, creating one on a miss. A
// cached entry that is fresh, or that is still mid-login (no login stamp
// yet, e.g. parked at a CAPTCHA), is returned as-is; a stale entry is
// replaced, never aliased.
func (p *Pool) Acquire(ctx context.Context, account models.Account) (*Entry, error) {
	lock := p.accountLock(account.ID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	existing := p.entries[account.ID]
	p.mu.Unlock()

	if existing != nil && (!existing.LoginStamped() || existing.Fresh(p.timeout)) {
		return existing, nil
	}

	// Miss or stale: restore persisted state if we have an unexpired row.
	var state []byte
	restored := false
	if stored, ok, err := p.store.LoadSession(ctx, account.ID); err == nil && ok {
		state = stored.StorageState
		restored = true
	}

	surf, err := p.factory.NewSession(ctx, account.ID, state)
	if err != nil {
		return nil, fmt.Errorf("create session for account %s: %w", account.ID, err)
	}

	entry := &Entry{Account: account, Surface: surf, Restored: restored}

	p.mu.Lock()
	if old := p.entries[account.ID]; old != nil {
		_ = old.Surface.Close()
	}
	p.entries[account.ID] = entry
	telemetry.LiveSessions.Set(float64(len(p.entries)))
	p.mu.Unlock()

	return entry, nil
}

// Lookup returns the account's live entry without creating one.
func (p *Pool) Lookup(accountID string) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[accountID]
	return entry, ok
}

// MarkLoggedIn stamps a successful login and persists the session snapshot,
// superseding all prior persisted rows for the account.
func (p *Pool) MarkLoggedIn(ctx context.Context, entry *Entry) error {
	entry.StampLogin(time.Now())
	state, err := entry.Surface.SnapshotState()
	if err != nil {
		return fmt.Errorf("snapshot session state: %w", err)
	}
	if err := p.store.SaveSession(ctx, entry.Account.ID, state, p.persistTTL); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Evict drops and closes an account's session, and invalidates its
// persisted rows. Used after authentication failures.
func (p *Pool) Evict(ctx context.Context, accountID string) {
	p.mu.Lock()
	entry := p.entries[accountID]
	delete(p.entries, accountID)
	telemetry.LiveSessions.Set(float64(len(p.entries)))
	p.mu.Unlock()

	if entry != nil {
		_ = entry.Surface.Close()
	}
	_ = p.store.InvalidateSessions(ctx, accountID)
}

// Shutdown closes every live session.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*Entry)
	telemetry.LiveSessions.Set(0)
	p.mu.Unlock()

	for _, e := range entries {
		_ = e.Surface.Close()
	}
}
