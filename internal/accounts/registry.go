// Package accounts loads the pooled portal identities from admin
// configuration and assigns them to incoming operations.
package accounts

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"portal-runner/internal/models"
)

// Registry is an immutable set of portal accounts with round-robin
// assignment for operations that do not pin an account.
type Registry struct {
	list []models.Account
	byID map[string]models.Account
	next atomic.Uint64
}

// Load reads the credentials file. The file is a JSON array of accounts:
//
//	[{"id": "acct-1", "username": "u", "password": "p", "totp_secret": "..."}]
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return Parse(raw)
}

// Parse builds a registry from raw JSON.
func Parse(raw []byte) (*Registry, error) {
	var entries []struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		Password   string `json:"password"`
		TOTPSecret string `json:"totp_secret"`
		Label      string `json:"label"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("accounts file contains no accounts")
	}

	r := &Registry{byID: make(map[string]models.Account, len(entries))}
	for i, e := range entries {
		if e.ID == "" || e.Username == "" || e.Password == "" {
			return nil, fmt.Errorf("account %d: id, username and password are required", i)
		}
		if _, dup := r.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate account id %q", e.ID)
		}
		acct := models.Account{
			ID:         e.ID,
			Username:   e.Username,
			Password:   e.Password,
			TOTPSecret: e.TOTPSecret,
			Label:      e.Label,
		}
		r.list = append(r.list, acct)
		r.byID[e.ID] = acct
	}
	return r, nil
}

// Get looks up an account by id.
func (r *Registry) Get(id string) (models.Account, bool) {
	acct, ok := r.byID[id]
	return acct, ok
}

// Assign returns the account for id, or the next account in round-robin
// order when id is empty.
func (r *Registry) Assign(id string) (models.Account, error) {
	if id != "" {
		acct, ok := r.byID[id]
		if !ok {
			return models.Account{}, fmt.Errorf("unknown account id %q", id)
		}
		return acct, nil
	}
	n := r.next.Add(1) - 1
	return r.list[n%uint64(len(r.list))], nil
}

// Len reports how many accounts are pooled.
func (r *Registry) Len() int { return len(r.list) }
