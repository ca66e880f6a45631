package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"portal-runner/internal/config"
)

// portalPage implements Surface over a rod page inside a dedicated
// incognito context.
type portalPage struct {
	ctrl     *Controller
	context  *rod.Browser
	page     *rod.Page
	locators Locators
	cfg      config.Config
	closed   bool
}

// probeTimeout bounds how long a single candidate selector is tried before
// falling through to the next strategy.
const probeTimeout = 800 * time.Millisecond

func (s *portalPage) Navigate(ctx context.Context, url string) error {
	s.ctrl.Touch()
	page := s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// find evaluates the field's candidate selectors in priority order and
// returns the first match.
func (s *portalPage) find(field Field) (*rod.Element, error) {
	for _, sel := range s.locators.Candidates(field) {
		el, err := s.page.Timeout(probeTimeout).Element(sel)
		if err == nil {
			return el, nil
		}
	}
	return nil, fmt.Errorf("no candidate selector matched field %q", field)
}

func (s *portalPage) Fill(field Field, value string) error {
	s.ctrl.Touch()
	el, err := s.find(field)
	if err != nil {
		return err
	}
	// Select any prefilled value so the input replaces it.
	_ = el.SelectAllText()
	if err := el.Input(value); err != nil {
		return fmt.Errorf("fill %q: %w", field, err)
	}
	return nil
}

func (s *portalPage) Click(field Field) error {
	s.ctrl.Touch()
	el, err := s.find(field)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %q: %w", field, err)
	}
	return nil
}

func (s *portalPage) Exists(field Field) bool {
	for _, sel := range s.locators.Candidates(field) {
		if has, _, err := s.page.Has(sel); err == nil && has {
			return true
		}
	}
	return false
}

func (s *portalPage) Text(field Field) (string, error) {
	el, err := s.find(field)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("read %q: %w", field, err)
	}
	return text, nil
}

func (s *portalPage) Screenshot(field Field) ([]byte, error) {
	el, err := s.find(field)
	if err != nil {
		return nil, err
	}
	data, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return nil, fmt.Errorf("screenshot %q: %w", field, err)
	}
	return data, nil
}

func (s *portalPage) PackageRows() ([]Row, error) {
	var rowEls rod.Elements
	for _, sel := range s.locators.Candidates(FieldPackageRow) {
		els, err := s.page.Elements(sel)
		if err == nil && len(els) > 0 {
			rowEls = els
			break
		}
	}
	if len(rowEls) == 0 {
		return nil, fmt.Errorf("no package rows found")
	}

	rows := make([]Row, 0, len(rowEls))
	for i, el := range rowEls {
		row := Row{}
		if nameEl, err := childByCandidates(el, s.locators.Candidates(FieldPackageName)); err == nil {
			row.Name, _ = nameEl.Text()
		}
		if priceEl, err := childByCandidates(el, s.locators.Candidates(FieldPackagePrice)); err == nil {
			row.PriceText, _ = priceEl.Text()
		}
		if attr, err := el.Attribute(s.locators.RowTokenAttr); err == nil && attr != nil {
			row.Token = *attr
		}
		if row.Token == "" {
			// Rows without the token attribute cannot be safely re-targeted
			// later, so they are surfaced but never selectable.
			row.Token = fmt.Sprintf("unselectable-%d", i)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func childByCandidates(el *rod.Element, selectors []string) (*rod.Element, error) {
	for _, sel := range selectors {
		if child, err := el.Timeout(probeTimeout).Element(sel); err == nil {
			return child, nil
		}
	}
	return nil, fmt.Errorf("no child selector matched")
}

func (s *portalPage) rowByToken(token string) (*rod.Element, error) {
	for _, sel := range s.locators.Candidates(FieldPackageRow) {
		rowSel := fmt.Sprintf(`%s[%s=%q]`, sel, s.locators.RowTokenAttr, token)
		if el, err := s.page.Timeout(probeTimeout).Element(rowSel); err == nil {
			return el, nil
		}
	}
	return nil, fmt.Errorf("package row %q not found", token)
}

func (s *portalPage) RowPrice(token string) (string, error) {
	row, err := s.rowByToken(token)
	if err != nil {
		return "", err
	}
	priceEl, err := childByCandidates(row, s.locators.Candidates(FieldPackagePrice))
	if err != nil {
		return "", fmt.Errorf("row %q has no price cell: %w", token, err)
	}
	text, err := priceEl.Text()
	if err != nil {
		return "", fmt.Errorf("read price for row %q: %w", token, err)
	}
	return text, nil
}

func (s *portalPage) ClickRow(token string) error {
	s.ctrl.Touch()
	row, err := s.rowByToken(token)
	if err != nil {
		return err
	}
	if err := row.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click row %q: %w", token, err)
	}
	return nil
}

func (s *portalPage) URL() string {
	info, err := s.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (s *portalPage) HTML() (string, error) {
	return s.page.HTML()
}

func (s *portalPage) Settle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.SettleDelay):
	}
}

func (s *portalPage) SnapshotState() ([]byte, error) {
	cookies, err := s.context.GetCookies()
	if err != nil {
		return nil, fmt.Errorf("snapshot cookies: %w", err)
	}
	blob, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("marshal cookies: %w", err)
	}
	return blob, nil
}

func (s *portalPage) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.page.Close()
	_ = proto.TargetDisposeBrowserContext{
		BrowserContextID: s.context.BrowserContextID,
	}.Call(s.context)
	s.ctrl.releaseHolder()
	return err
}
