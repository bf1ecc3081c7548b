package format

import "strings"

// Mask kinds accepted by MaskData.
const (
	MaskNIK     = "nik"
	MaskPhone   = "phone"
	MaskEmail   = "email"
	MaskAccount = "account"
	MaskName    = "name"
)

// MaskData hides the sensitive middle of a value for display and logs.
//
//	nik      first 4 and last 4 characters
//	phone    first 4 and last 3
//	email    first character of the local part and the domain
//	account  last 4
//	name     first letter of each word
//
// Any other kind keeps the first and last 2 characters. Values too short to
// keep anything are fully starred.
func MaskData(value, kind string) string {
	if value == "" {
		return ""
	}
	switch kind {
	case MaskNIK:
		return keepEnds(value, 4, 4)
	case MaskPhone:
		return keepEnds(value, 4, 3)
	case MaskAccount:
		return keepEnds(value, 0, 4)
	case MaskEmail:
		at := strings.LastIndex(value, "@")
		if at <= 0 {
			return keepEnds(value, 1, 0)
		}
		return keepEnds(value[:at], 1, 0) + value[at:]
	case MaskName:
		words := strings.Fields(value)
		for i, w := range words {
			words[i] = keepEnds(w, 1, 0)
		}
		return strings.Join(words, " ")
	default:
		return keepEnds(value, 2, 2)
	}
}

func keepEnds(s string, head, tail int) string {
	r := []rune(s)
	if len(r) <= head+tail {
		return strings.Repeat("*", len(r))
	}
	return string(r[:head]) + strings.Repeat("*", len(r)-head-tail) + string(r[len(r)-tail:])
}
