package browser

import (
	"encoding/json"
	"fmt"
	"os"
)

// Field names one logical element on the destination portal. The portal owns
// its markup, so the mapping from field to CSS selector is configuration.
type Field string

const (
	FieldLoginUser     Field = "login_user"
	FieldLoginPass     Field = "login_pass"
	FieldLoginForm     Field = "login_form"
	FieldLoginSubmit   Field = "login_submit"
	FieldTOTPInput     Field = "totp_input"
	FieldCaptchaImage  Field = "captcha_image"
	FieldCaptchaInput  Field = "captcha_input"
	FieldCardInput     Field = "card_input"
	FieldCheckSubmit   Field = "check_submit"
	FieldSTBValue      Field = "stb_value"
	FieldBalanceValue  Field = "balance_value"
	FieldRefreshSubmit Field = "refresh_submit"
	FieldPackageRow    Field = "package_row"
	FieldPackageName   Field = "package_name"
	FieldPackagePrice  Field = "package_price"
	FieldPromoInput    Field = "promo_input"
	FieldPromoApply    Field = "promo_apply"
	FieldAddToCart     Field = "add_to_cart"
	FieldCommitPrice   Field = "commit_price"
	FieldCommitSubmit  Field = "commit_submit"
	FieldCancelOrder   Field = "cancel_order"
	FieldSuccessMarker Field = "success_marker"
	FieldErrorMarker   Field = "error_marker"
)

// Locators maps each field to an ordered list of candidate selectors,
// evaluated in priority order until one matches. RowTokenAttr names the row
// attribute whose value re-targets an exact package row later.
type Locators struct {
	Fields       map[Field][]string `json:"fields"`
	RowTokenAttr string             `json:"row_token_attr"`
}

// DefaultLocators returns the built-in selector set. Deployments override it
// with a JSON file when the portal's markup shifts.
func DefaultLocators() Locators {
	return Locators{
		RowTokenAttr: "data-pkg-id",
		Fields: map[Field][]string{
			FieldLoginUser:     {`input[name="username"]`, `#username`, `input[type="text"][placeholder*="user" i]`},
			FieldLoginPass:     {`input[name="password"]`, `#password`, `input[type="password"]`},
			FieldLoginForm:     {`form#login`, `form[action*="login"]`},
			FieldLoginSubmit:   {`form#login button[type="submit"]`, `button#login-btn`, `input[type="submit"]`},
			FieldTOTPInput:     {`input[name="otp"]`, `#totp-code`, `input[autocomplete="one-time-code"]`},
			FieldCaptchaImage:  {`img#captcha`, `img.captcha-image`, `img[src*="captcha"]`},
			FieldCaptchaInput:  {`input[name="captcha"]`, `#captcha-input`},
			FieldCardInput:     {`input[name="cardNumber"]`, `#card-number`},
			FieldCheckSubmit:   {`button#check-card`, `button[name="check"]`},
			FieldSTBValue:      {`#stb-id`, `td.stb-value`, `[data-field="stb"]`},
			FieldBalanceValue:  {`#balance`, `td.balance-value`, `[data-field="balance"]`},
			FieldRefreshSubmit: {`button#send-signal`, `button[name="refresh"]`},
			FieldPackageRow:    {`table#packages tbody tr`, `.package-list .package-row`},
			FieldPackageName:   {`td.pkg-name`, `.package-name`},
			FieldPackagePrice:  {`td.pkg-price`, `.package-price`},
			FieldPromoInput:    {`input[name="promo"]`, `#promo-code`},
			FieldPromoApply:    {`button#apply-promo`, `button[name="apply_promo"]`},
			FieldAddToCart:     {`button#add-to-cart`, `button[name="add_cart"]`},
			FieldCommitPrice:   {`#order-total`, `.checkout-total`, `td.order-amount`},
			FieldCommitSubmit:  {`button#confirm-order`, `button[name="confirm"]`},
			FieldCancelOrder:   {`button#cancel-order`, `a.cancel-order`},
			FieldSuccessMarker: {`.alert-success`, `#order-success`, `[data-result="success"]`},
			FieldErrorMarker:   {`.alert-danger`, `#order-error`, `[data-result="error"]`},
		},
	}
}

// LoadLocators reads a locator override file, falling back to defaults for
// any field the file leaves out.
func LoadLocators(path string) (Locators, error) {
	loc := DefaultLocators()
	if path == "" {
		return loc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return loc, fmt.Errorf("read locator config: %w", err)
	}
	var override Locators
	if err := json.Unmarshal(raw, &override); err != nil {
		return loc, fmt.Errorf("parse locator config: %w", err)
	}
	if override.RowTokenAttr != "" {
		loc.RowTokenAttr = override.RowTokenAttr
	}
	for field, selectors := range override.Fields {
		if len(selectors) > 0 {
			loc.Fields[field] = selectors
		}
	}
	return loc, nil
}

// Candidates returns the ordered selector list for a field.
func (l Locators) Candidates(field Field) []string {
	return l.Fields[field]
}
