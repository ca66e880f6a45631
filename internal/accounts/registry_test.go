package accounts

import "testing"

const sample = `[
	{"id": "acct-1", "username": "alpha", "password": "pw1", "totp_secret": "JBSWY3DPEHPK3PXP", "label": "primary"},
	{"id": "acct-2", "username": "beta", "password": "pw2"}
]`

func TestParseAndLookup(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d", r.Len())
	}
	acct, ok := r.Get("acct-1")
	if !ok || acct.Username != "alpha" || acct.TOTPSecret != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("acct-1 = %+v ok=%v", acct, ok)
	}
}

func TestAssignRoundRobin(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	first, _ := r.Assign("")
	second, _ := r.Assign("")
	third, _ := r.Assign("")
	if first.ID == second.ID {
		t.Errorf("consecutive assignments hit the same account: %s", first.ID)
	}
	if third.ID != first.ID {
		t.Errorf("rotation did not wrap: %s then %s", first.ID, third.ID)
	}
}

func TestAssignPinned(t *testing.T) {
	r, _ := Parse([]byte(sample))
	acct, err := r.Assign("acct-2")
	if err != nil || acct.Username != "beta" {
		t.Fatalf("acct = %+v err = %v", acct, err)
	}
	if _, err := r.Assign("acct-9"); err == nil {
		t.Error("expected an error for an unknown id")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, raw := range []string{
		`[]`,
		`[{"id": "a", "username": "u"}]`,
		`[{"id": "a", "username": "u", "password": "p"}, {"id": "a", "username": "v", "password": "q"}]`,
		`{not json`,
	} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse(%q): expected error", raw)
		}
	}
}
