package totp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func TestCodeIsValidForSameWindow(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 15, 0, time.UTC)
	g := NewWithClock(func() time.Time { return at })

	code, err := g.Code(testSecret)
	require.NoError(t, err)
	require.Len(t, code, 6)

	ok, err := g.Validate(testSecret, code)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCodeChangesAcrossWindows(t *testing.T) {
	g1 := NewWithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	g2 := NewWithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC) })

	c1, err := g1.Code(testSecret)
	require.NoError(t, err)
	c2, err := g2.Code(testSecret)
	require.NoError(t, err)
	require.NotEqual(t, c1, c2, "codes two minutes apart must differ")
}

func TestEmptySecretRejected(t *testing.T) {
	g := New()
	_, err := g.Code("  ")
	require.Error(t, err)
}
