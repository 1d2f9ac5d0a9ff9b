package protocol

import "regexp"

// MinPhoneDigits is the shortest accepted identity
const MinPhoneDigits = 7

var nonDigitRegex = regexp.MustCompile(`\D`)

// NormalizePhone strips every non-digit character and returns the identity.
// ok is false when fewer than MinPhoneDigits digits remain.
func NormalizePhone(input string) (identity string, ok bool) {
	digits := nonDigitRegex.ReplaceAllString(input, "")
	if len(digits) < MinPhoneDigits {
		return "", false
	}
	return digits, true
}
