package browser

import (
	"context"
)

// Row is one structured package row scraped from the transactional page.
// PriceText is the raw displayed price; callers parse and verify it
// themselves rather than trusting any cached value.
type Row struct {
	Name      string
	PriceText string
	Token     string
}

// Surface is the page-level contract the login machine and operation wizard
// drive. The production implementation wraps a rod page; tests substitute a
// scripted fake so state machines run without a browser.
type Surface interface {
	// Navigate loads a portal URL and waits for the document to load.
	Navigate(ctx context.Context, url string) error
	// Fill locates a field and replaces its value.
	Fill(field Field, value string) error
	// Click locates a field and clicks it.
	Click(field Field) error
	// Exists reports whether any candidate selector for the field matches.
	Exists(field Field) bool
	// Text returns the visible text of the first matching element.
	Text(field Field) (string, error)
	// Screenshot captures the first matching element as a PNG.
	Screenshot(field Field) ([]byte, error)
	// PackageRows scans the structured result rows on the current page.
	PackageRows() ([]Row, error)
	// RowPrice re-reads the live displayed price of the row identified by
	// token. This is deliberately a fresh read, never a cached value.
	RowPrice(token string) (string, error)
	// ClickRow selects the row identified by token.
	ClickRow(token string) error
	// URL returns the current page URL.
	URL() string
	// HTML returns the full current document markup.
	HTML() (string, error)
	// Settle waits the configured delay for the portal to finish
	// server-side rendering after an action.
	Settle(ctx context.Context)
	// SnapshotState serializes the session's cookie state for persistence.
	SnapshotState() ([]byte, error)
	// Close tears down the browsing context behind the surface.
	Close() error
}
