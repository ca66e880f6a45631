package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultLocatorsCoverEveryField(t *testing.T) {
	loc := DefaultLocators()
	fields := []Field{
		FieldLoginUser, FieldLoginPass, FieldLoginForm, FieldLoginSubmit,
		FieldTOTPInput, FieldCaptchaImage, FieldCaptchaInput,
		FieldCardInput, FieldCheckSubmit, FieldSTBValue, FieldBalanceValue,
		FieldRefreshSubmit, FieldPackageRow, FieldPackageName,
		FieldPackagePrice, FieldPromoInput, FieldPromoApply, FieldAddToCart,
		FieldCommitPrice, FieldCommitSubmit, FieldCancelOrder,
		FieldSuccessMarker, FieldErrorMarker,
	}
	for _, f := range fields {
		require.NotEmpty(t, loc.Candidates(f), "field %s has no candidates", f)
	}
	require.NotEmpty(t, loc.RowTokenAttr)
}

func TestLoadLocatorsOverridesPartially(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locators.json")
	content := `{"row_token_attr":"data-offer","fields":{"login_user":["#user-field"]}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loc, err := LoadLocators(path)
	require.NoError(t, err)
	require.Equal(t, "data-offer", loc.RowTokenAttr)
	require.Equal(t, []string{"#user-field"}, loc.Candidates(FieldLoginUser))
	// Untouched fields keep the defaults.
	require.NotEmpty(t, loc.Candidates(FieldLoginPass))
}

func TestLoadLocatorsEmptyPathUsesDefaults(t *testing.T) {
	loc, err := LoadLocators("")
	require.NoError(t, err)
	require.Equal(t, DefaultLocators().RowTokenAttr, loc.RowTokenAttr)
}
