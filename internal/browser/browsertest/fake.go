// Package browsertest provides a scripted Surface implementation so the
// login machine and operation wizard can be exercised without a browser.
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"portal-runner/internal/browser"
)

// FakeSurface records every interaction and answers from scripted state.
// Tests mutate the exported fields, or install OnClick/OnNavigate hooks to
// change page state mid-flow the way a real portal would.
type FakeSurface struct {
	mu sync.Mutex

	Navigated   []string
	NavigateErr error

	Filled  map[browser.Field][]string
	FillErr map[browser.Field]error
	Clicked []browser.Field

	Present map[browser.Field]bool
	Texts   map[browser.Field]string

	ScreenshotData []byte

	Rows      []browser.Row
	RowPrices map[string]string

	CurrentURL string
	Content    string
	State      []byte
	Closed     bool

	OnNavigate func(url string)
	OnClick    func(field browser.Field)
}

// New returns an empty fake with initialized maps.
func New() *FakeSurface {
	return &FakeSurface{
		Filled:    make(map[browser.Field][]string),
		FillErr:   make(map[browser.Field]error),
		Present:   make(map[browser.Field]bool),
		Texts:     make(map[browser.Field]string),
		RowPrices: make(map[string]string),
	}
}

func (f *FakeSurface) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	f.Navigated = append(f.Navigated, url)
	err := f.NavigateErr
	hook := f.OnNavigate
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.CurrentURL = url
	if hook != nil {
		hook(url)
	}
	return nil
}

func (f *FakeSurface) Fill(field browser.Field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FillErr[field]; err != nil {
		return err
	}
	f.Filled[field] = append(f.Filled[field], value)
	return nil
}

func (f *FakeSurface) Click(field browser.Field) error {
	f.mu.Lock()
	f.Clicked = append(f.Clicked, field)
	hook := f.OnClick
	f.mu.Unlock()
	if hook != nil {
		hook(field)
	}
	return nil
}

func (f *FakeSurface) Exists(field browser.Field) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Present[field]
}

func (f *FakeSurface) Text(field browser.Field) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.Texts[field]
	if !ok {
		return "", fmt.Errorf("no text scripted for field %q", field)
	}
	return text, nil
}

func (f *FakeSurface) Screenshot(browser.Field) ([]byte, error) {
	if f.ScreenshotData == nil {
		return nil, fmt.Errorf("no screenshot scripted")
	}
	return f.ScreenshotData, nil
}

func (f *FakeSurface) PackageRows() ([]browser.Row, error) {
	if f.Rows == nil {
		return nil, fmt.Errorf("no package rows scripted")
	}
	return f.Rows, nil
}

func (f *FakeSurface) RowPrice(token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.RowPrices[token]
	if !ok {
		return "", fmt.Errorf("package row %q not found", token)
	}
	return price, nil
}

func (f *FakeSurface) ClickRow(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.RowPrices[token]; !ok {
		return fmt.Errorf("package row %q not found", token)
	}
	f.Clicked = append(f.Clicked, browser.Field("row:"+token))
	return nil
}

func (f *FakeSurface) URL() string { return f.CurrentURL }

func (f *FakeSurface) HTML() (string, error) { return f.Content, nil }

func (f *FakeSurface) Settle(context.Context) {}

func (f *FakeSurface) SnapshotState() ([]byte, error) {
	if f.State == nil {
		return []byte(`[]`), nil
	}
	return f.State, nil
}

func (f *FakeSurface) Close() error {
	f.Closed = true
	return nil
}

var _ browser.Surface = (*FakeSurface)(nil)
