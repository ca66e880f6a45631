package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"portal-runner/internal/config"
)

// Controller owns the single shared browser process. It launches lazily on
// first use, hands out per-account incognito contexts, and shuts the whole
// process down after a configured idle period, but only while no account
// still holds a live session.
type Controller struct {
	cfg      config.Config
	locators Locators

	mu           sync.Mutex
	launcher     *launcher.Launcher
	browser      *rod.Browser
	holders      int
	lastActivity time.Time
}

// NewController builds a controller. The browser is not launched until the
// first session is requested.
func NewController(cfg config.Config, locators Locators) *Controller {
	return &Controller{
		cfg:          cfg,
		locators:     locators,
		lastActivity: time.Now(),
	}
}

// ensureBrowser launches the shared browser if needed. The mutex makes
// concurrent first callers wait on the one in-flight launch; a launch
// failure is returned to every caller that was waiting on it.
func (c *Controller) ensureBrowser() (*rod.Browser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browser != nil {
		return c.browser, nil
	}

	// Leakless deadlocks on Windows, see go-rod/rod#853.
	l := launcher.New().
		Headless(c.cfg.BrowserHeadless).
		Leakless(runtime.GOOS != "windows")
	if c.cfg.BrowserProfileDir != "" {
		l = l.UserDataDir(c.cfg.BrowserProfileDir)
	}
	if bin, found := launcher.LookPath(); found {
		l = l.Bin(bin)
	}

	url, err := l.Launch()
	if err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	c.launcher = l
	c.browser = b
	c.lastActivity = time.Now()
	return b, nil
}

// NewSession creates a fresh incognito browsing context for an account,
// pre-seeded with restored cookie state when present, and returns the page
// surface bound to it. Creation failures propagate to this caller only.
func (c *Controller) NewSession(ctx context.Context, accountID string, storedState []byte) (Surface, error) {
	b, err := c.ensureBrowser()
	if err != nil {
		return nil, err
	}

	incog, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create browsing context for %s: %w", accountID, err)
	}

	if len(storedState) > 0 {
		var cookies []*proto.NetworkCookie
		if err := json.Unmarshal(storedState, &cookies); err == nil && len(cookies) > 0 {
			if err := incog.SetCookies(proto.CookiesToParams(cookies)); err != nil {
				return nil, fmt.Errorf("restore cookies for %s: %w", accountID, err)
			}
		}
	}

	page, err := stealth.Page(incog)
	if err != nil {
		return nil, fmt.Errorf("create page for %s: %w", accountID, err)
	}

	c.mu.Lock()
	c.holders++
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return &portalPage{
		ctrl:     c,
		context:  incog,
		page:     page,
		locators: c.locators,
		cfg:      c.cfg,
	}, nil
}

// Touch records activity so the idle-shutdown clock restarts.
func (c *Controller) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Controller) releaseHolder() {
	c.mu.Lock()
	if c.holders > 0 {
		c.holders--
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// RunIdleLoop closes the browser after the idle timeout elapses with no
// held sessions. Shutdown is refused while any account holds a session.
func (c *Controller) RunIdleLoop(ctx context.Context) {
	interval := c.cfg.BrowserIdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := c.browser != nil && c.holders == 0 &&
				time.Since(c.lastActivity) >= c.cfg.BrowserIdleTimeout
			c.mu.Unlock()
			if idle {
				c.Close()
			}
		}
	}
}

// Close shuts the browser process down. The next session request relaunches.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		_ = c.browser.Close()
		c.browser = nil
	}
	if c.launcher != nil {
		c.launcher.Cleanup()
		c.launcher = nil
	}
}
