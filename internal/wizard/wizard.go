// Package wizard drives the multi-page transaction flow for one in-flight
// operation: card check, package extraction, selection, and final commit.
package wizard

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"portal-runner/internal/browser"
	"portal-runner/internal/config"
	"portal-runner/internal/models"
	"portal-runner/internal/portalerr"
)

// Checkpoint identifies where the flow paused for human input.
type Checkpoint string

const (
	CheckpointNone         Checkpoint = ""
	CheckpointPackage      Checkpoint = "package"
	CheckpointFinalConfirm Checkpoint = "final_confirm"
)

// Confidence tags how a completion was determined. The portal does not
// guarantee an explicit result marker, so some completions are inferred
// from page content and must never be presented as verified.
type Confidence string

const (
	ConfidenceConfirmed Confidence = "confirmed"
	ConfidenceInferred  Confidence = "inferred"
)

// Outcome is the result of one wizard step.
type Outcome struct {
	Done       bool
	Checkpoint Checkpoint
	Packages   []models.Package
	Selected   *models.Package
	Deadline   time.Time
	Message    string
	Data       map[string]any
	Confidence Confidence
}

// Wizard holds the in-memory flow state for one operation. Callers serialize
// access through the account session's lock.
type Wizard struct {
	cfg  config.Config
	surf browser.Surface
	op   models.Operation

	packages []models.Package
	selected *models.Package
	stb      string
}

// New builds a wizard for an operation on an authenticated surface.
func New(cfg config.Config, surf browser.Surface, op models.Operation) *Wizard {
	return &Wizard{cfg: cfg, surf: surf, op: op}
}

// Run executes the flow up to the first human-input checkpoint, or to
// completion for read-only operation types.
func (w *Wizard) Run(ctx context.Context) (Outcome, error) {
	stb, balance, err := w.checkCard(ctx)
	if err != nil {
		return Outcome{}, err
	}
	w.stb = stb

	switch w.op.Type {
	case models.TypeCheckBalance:
		return Outcome{
			Done:       true,
			Message:    "balance check completed",
			Confidence: ConfidenceConfirmed,
			Data:       map[string]any{"balance": balance, "stb": stb},
		}, nil

	case models.TypeSignalRefresh:
		return w.sendRefreshSignal(ctx, stb)

	case models.TypeRenew:
		packages, err := w.extractPackages(ctx)
		if err != nil {
			return Outcome{}, err
		}
		w.packages = packages
		return Outcome{Checkpoint: CheckpointPackage, Packages: packages}, nil
	}

	return Outcome{}, fmt.Errorf("unsupported operation type %q", w.op.Type)
}

// checkCard validates the target card and extracts the STB identifier used
// for support correlation, plus the displayed balance.
func (w *Wizard) checkCard(ctx context.Context) (stb, balance string, err error) {
	if err := w.surf.Navigate(ctx, w.cfg.PortalBaseURL+"/account/check"); err != nil {
		return "", "", portalerr.Connectivity("card_check", err)
	}
	w.surf.Settle(ctx)

	if err := w.surf.Fill(browser.FieldCardInput, w.op.CardNumber); err != nil {
		return "", "", fmt.Errorf("card check: fill card number: %w", err)
	}
	if err := w.surf.Click(browser.FieldCheckSubmit); err != nil {
		return "", "", portalerr.Connectivity("card_check", err)
	}
	w.surf.Settle(ctx)

	if w.surf.Exists(browser.FieldErrorMarker) {
		msg, _ := w.surf.Text(browser.FieldErrorMarker)
		return "", "", fmt.Errorf("card check rejected: %s", strings.TrimSpace(msg))
	}

	stb, err = w.surf.Text(browser.FieldSTBValue)
	if err != nil {
		return "", "", portalerr.Ambiguous("card_check", "card accepted but no device identifier displayed")
	}
	balance, _ = w.surf.Text(browser.FieldBalanceValue)
	return strings.TrimSpace(stb), strings.TrimSpace(balance), nil
}

func (w *Wizard) sendRefreshSignal(ctx context.Context, stb string) (Outcome, error) {
	if err := w.surf.Click(browser.FieldRefreshSubmit); err != nil {
		return Outcome{}, portalerr.Connectivity("signal_refresh", err)
	}
	w.surf.Settle(ctx)

	if w.surf.Exists(browser.FieldErrorMarker) {
		msg, _ := w.surf.Text(browser.FieldErrorMarker)
		return Outcome{}, fmt.Errorf("signal refresh rejected: %s", strings.TrimSpace(msg))
	}
	return Outcome{
		Done:       true,
		Message:    "refresh signal sent",
		Confidence: ConfidenceConfirmed,
		Data:       map[string]any{"stb": stb},
	}, nil
}

// extractPackages scans the structured result rows and independently
// re-derives each displayed price. Rows whose price cannot be parsed are
// dropped; a package no price can be verified against must not be offered.
func (w *Wizard) extractPackages(ctx context.Context) ([]models.Package, error) {
	if err := w.surf.Navigate(ctx, w.cfg.PortalBaseURL+"/renew"); err != nil {
		return nil, portalerr.Connectivity("package_extraction", err)
	}
	w.surf.Settle(ctx)

	rows, err := w.surf.PackageRows()
	if err != nil {
		return nil, portalerr.Ambiguous("package_extraction", "no package rows found on the renewal page")
	}

	packages := make([]models.Package, 0, len(rows))
	for i, row := range rows {
		price, err := ParsePrice(row.PriceText)
		if err != nil {
			continue
		}
		packages = append(packages, models.Package{
			Index: i,
			Name:  strings.TrimSpace(row.Name),
			Price: price,
			Token: row.Token,
		})
	}
	if len(packages) == 0 {
		return nil, portalerr.Ambiguous("package_extraction", "no package row had a parseable price")
	}
	return packages, nil
}

// SelectPackage acts on the operator's choice. The live row price is
// re-read immediately before clicking; a disagreement with the extracted
// price aborts the operation rather than proceeding.
func (w *Wizard) SelectPackage(ctx context.Context, token, promoCode string) (Outcome, error) {
	var chosen *models.Package
	for i := range w.packages {
		if w.packages[i].Token == token {
			chosen = &w.packages[i]
			break
		}
	}
	if chosen == nil {
		return Outcome{}, fmt.Errorf("unknown package token %q", token)
	}

	liveText, err := w.surf.RowPrice(token)
	if err != nil {
		return Outcome{}, portalerr.Ambiguous("package_selection", "selected row no longer present")
	}
	live, err := ParsePrice(liveText)
	if err != nil {
		return Outcome{}, portalerr.Ambiguous("package_selection", "selected row price became unreadable")
	}
	if !priceEqual(live, chosen.Price) {
		return Outcome{}, portalerr.PriceIntegrity("package_selection", chosen.Price, live)
	}

	if err := w.surf.ClickRow(token); err != nil {
		return Outcome{}, portalerr.Connectivity("package_selection", err)
	}
	w.surf.Settle(ctx)

	if promoCode != "" {
		if err := w.surf.Fill(browser.FieldPromoInput, promoCode); err != nil {
			return Outcome{}, fmt.Errorf("apply promo code: %w", err)
		}
		if err := w.surf.Click(browser.FieldPromoApply); err != nil {
			return Outcome{}, fmt.Errorf("apply promo code: %w", err)
		}
		w.surf.Settle(ctx)
	}

	if err := w.surf.Click(browser.FieldAddToCart); err != nil {
		return Outcome{}, portalerr.Connectivity("add_to_cart", err)
	}
	w.surf.Settle(ctx)

	w.selected = chosen
	return Outcome{
		Checkpoint: CheckpointFinalConfirm,
		Selected:   chosen,
		Deadline:   time.Now().Add(w.cfg.FinalConfirmTTL),
	}, nil
}

// Confirm performs the irreversible commit. The displayed order total is
// re-read first: a purchase must never complete at a price that differs
// from the one decided at selection time.
func (w *Wizard) Confirm(ctx context.Context) (Outcome, error) {
	if w.selected == nil {
		return Outcome{}, fmt.Errorf("no package selected")
	}

	totalText, err := w.surf.Text(browser.FieldCommitPrice)
	if err != nil {
		return Outcome{}, portalerr.Ambiguous("final_confirm", "order total is not visible before commit")
	}
	total, err := ParsePrice(totalText)
	if err != nil {
		return Outcome{}, portalerr.Ambiguous("final_confirm", "order total is unreadable before commit")
	}
	if !priceEqual(total, w.selected.Price) {
		return Outcome{}, portalerr.PriceIntegrity("final_confirm", w.selected.Price, total)
	}

	// The commit is attempted exactly once; everything after classifies.
	if err := w.surf.Click(browser.FieldCommitSubmit); err != nil {
		return Outcome{}, portalerr.Connectivity("final_confirm", err)
	}
	w.surf.Settle(ctx)

	if w.surf.Exists(browser.FieldSuccessMarker) {
		msg, _ := w.surf.Text(browser.FieldSuccessMarker)
		return Outcome{
			Done:       true,
			Message:    strings.TrimSpace(msg),
			Confidence: ConfidenceConfirmed,
			Data: map[string]any{
				"package": w.selected.Name,
				"amount":  w.selected.Price,
				"stb":     w.stb,
			},
		}, nil
	}
	if w.surf.Exists(browser.FieldErrorMarker) {
		msg, _ := w.surf.Text(browser.FieldErrorMarker)
		return Outcome{}, fmt.Errorf("portal rejected the order: %s", strings.TrimSpace(msg))
	}

	// No marker either way. Fall back to content inference, tagged as a
	// lower-confidence success signal, never conflated with a verified one.
	html, err := w.surf.HTML()
	if err == nil && looksSuccessful(html) {
		return Outcome{
			Done:       true,
			Message:    "order appears completed (no explicit confirmation from portal)",
			Confidence: ConfidenceInferred,
			Data: map[string]any{
				"package":    w.selected.Name,
				"amount":     w.selected.Price,
				"stb":        w.stb,
				"confidence": string(ConfidenceInferred),
			},
		}, nil
	}
	return Outcome{}, portalerr.Ambiguous("final_confirm", "portal showed neither a success nor an error marker")
}

// ReleaseFunds backs out of a reserved but unconfirmed order. Best-effort:
// used when a final confirm is cancelled or times out.
func (w *Wizard) ReleaseFunds(ctx context.Context) error {
	if err := w.surf.Click(browser.FieldCancelOrder); err != nil {
		return fmt.Errorf("release reserved funds: %w", err)
	}
	w.surf.Settle(ctx)
	return nil
}

var priceRe = regexp.MustCompile(`[0-9]+(?:[.,][0-9]{1,2})?`)

// ParsePrice extracts a numeric amount from a displayed price string like
// "USD 174.00" or "$330".
func ParsePrice(text string) (float64, error) {
	match := priceRe.FindString(strings.ReplaceAll(text, ",", ""))
	if match == "" {
		return 0, fmt.Errorf("no numeric price in %q", text)
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", text, err)
	}
	return v, nil
}

func priceEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

var successWords = []string{"success", "completed", "thank you", "renewed", "activated"}

func looksSuccessful(html string) bool {
	lower := strings.ToLower(html)
	for _, w := range successWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
