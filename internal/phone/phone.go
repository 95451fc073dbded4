// Package phone normalises North American phone numbers and compares them
// loosely enough to survive formatting and country-code differences.
package phone

import "strings"

// digits strips everything but ASCII digits.
func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize returns the canonical "+1XXXXXXXXXX" form of a phone number, or
// "" when the input does not hold exactly ten digits (optionally prefixed by
// the country code 1).
func Normalize(raw string) string {
	d := digits(raw)
	switch {
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && d[0] == '1':
		return "+" + d
	default:
		return ""
	}
}

// last10 returns the trailing ten digits, or "" if there are fewer.
func last10(raw string) string {
	d := digits(raw)
	if len(d) < 10 {
		return ""
	}
	return d[len(d)-10:]
}

// Match reports whether two phone numbers share their last ten digits.
// Numbers with fewer than ten digits never match.
func Match(a, b string) bool {
	la := last10(a)
	if la == "" {
		return false
	}
	return la == last10(b)
}
