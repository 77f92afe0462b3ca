package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var trivial = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {},
	"12345678": {}, "123456789": {}, "qwerty123": {}, "11111111": {},
	"iloveyou": {}, "letmein1": {},
}

// Validate checks a candidate against the policy. Failures are *PolicyError.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)

	switch {
	case n < c.Policy.MinLength:
		return &PolicyError{Kind: ErrPasswordTooShort, Min: c.Policy.MinLength, Max: c.Policy.MaxLength}
	case n > c.Policy.MaxLength:
		return &PolicyError{Kind: ErrPasswordTooLong, Min: c.Policy.MinLength, Max: c.Policy.MaxLength}
	case c.Policy.RejectVeryWeak && veryWeak(password):
		return &PolicyError{Kind: ErrWeakPassword, Min: c.Policy.MinLength, Max: c.Policy.MaxLength}
	}
	return nil
}

// veryWeak is a minimal trivial-pattern check, not a strength estimator.
func veryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := trivial[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 && utf8.RuneCountInString(s) < 12
}
