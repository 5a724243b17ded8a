// Package validate implements the field validators and input formatting helpers.
//
// Every function here is pure: validators return a message id (see the Msg constants)
// rather than translated text, so validity never depends on the active language.
package validate

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/SocialSupport/internal/models"
	"github.com/nyaruka/phonenumbers"
)

// Message ids returned by Field. They double as i18n message ids.
const (
	MsgRequired              = "validation.required"
	MsgInvalidDocumentNumber = "validation.invalidDocumentNumber"
	MsgInvalidEmail          = "validation.invalidEmail"
	MsgInvalidPhone          = "validation.invalidPhone"
)

// DefaultCountryCode is used for phone normalization when no country is selected.
const DefaultCountryCode = "AE"

// MaxNationalIDDigits caps the digits kept by FormatNationalID.
const MaxNationalIDDigits = 15

var (
	nonDigit        = regexp.MustCompile(`\D`)
	nonPhoneChar    = regexp.MustCompile(`[^\d+]`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	nationalIDRegex = regexp.MustCompile(`^\d{3}-\d{4}-\d{7}-\d$`)
)

// dialCodes maps ISO country codes to calling codes for local phone numbers.
var dialCodes = map[string]string{
	"AE": "971",
	"SA": "966",
	"EG": "20",
	"JO": "962",
	"KW": "965",
	"QA": "974",
	"BH": "973",
	"OM": "968",
}

// nationalIDGroups are the digit group lengths of a national id: 3-4-7-1.
var nationalIDGroups = []int{3, 4, 7, 1}

// Field validates one field value. It returns "" when the value is acceptable.
// countryCode is the currently selected country, used to infer the calling code of
// local phone numbers.
func Field(name string, value models.Value, required bool, countryCode string) string {
	if required && value.IsBlank() {
		return MsgRequired
	}
	if value.Kind() != models.KindString || value.Text() == "" {
		return ""
	}
	text := value.Text()
	switch name {
	case "nationalId":
		if !IsNationalIDValid(text) {
			return MsgInvalidDocumentNumber
		}
	case "email":
		if !IsEmailValid(text) {
			return MsgInvalidEmail
		}
	case "phone":
		if !IsPhoneValid(NormalizePhoneForValidation(text, countryCode)) {
			return MsgInvalidPhone
		}
	}
	return ""
}

// FormatNationalID strips non-digits, keeps at most 15 digits and inserts hyphens
// between the 3-4-7-1 groups. Formatting an already formatted id is a no-op.
func FormatNationalID(raw string) string {
	digits := nonDigit.ReplaceAllString(raw, "")
	if len(digits) > MaxNationalIDDigits {
		digits = digits[:MaxNationalIDDigits]
	}
	parts := make([]string, 0, len(nationalIDGroups))
	for _, size := range nationalIDGroups {
		if digits == "" {
			break
		}
		if size > len(digits) {
			size = len(digits)
		}
		parts = append(parts, digits[:size])
		digits = digits[size:]
	}
	return strings.Join(parts, "-")
}

// IsNationalIDValid accepts only the fully formatted DDD-DDDD-DDDDDDD-D shape.
func IsNationalIDValid(value string) bool {
	return nationalIDRegex.MatchString(value)
}

// IsEmailValid checks a basic local@domain.tld shape.
func IsEmailValid(value string) bool {
	return emailPattern.MatchString(value)
}

// NormalizePhone trims the value and drops everything but digits and '+'.
func NormalizePhone(value string) string {
	return nonPhoneChar.ReplaceAllString(strings.TrimSpace(value), "")
}

// NormalizePhoneForValidation converts a phone number to an E.164-like form:
// a leading '+' is kept, a leading "00" becomes '+', anything else is treated as a
// local number of countryCode (AE when empty or unknown).
func NormalizePhoneForValidation(value, countryCode string) string {
	cleaned := NormalizePhone(value)
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	if strings.HasPrefix(cleaned, "00") {
		return "+" + cleaned[2:]
	}
	return "+" + DialCode(countryCode) + cleaned
}

// DialCode returns the calling code for countryCode, falling back to the UAE.
func DialCode(countryCode string) string {
	if code, ok := dialCodes[strings.ToUpper(strings.TrimSpace(countryCode))]; ok {
		return code
	}
	return dialCodes[DefaultCountryCode]
}

// IsPhoneValid reports whether an E.164-like number is a valid phone number.
func IsPhoneValid(normalized string) bool {
	if normalized == "" || !strings.HasPrefix(normalized, "+") {
		return false
	}
	num, err := phonenumbers.Parse(normalized, "")
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumber(num)
}
