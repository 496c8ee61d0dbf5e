package password

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	MinLength = 12
	symbolSet = `!@#$%^&*(),.?":{}|<>`
)

// PolicyError carries every complexity violation so clients can render
// the full checklist in one response.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("password policy: %d violations", len(e.Violations))
}

// CheckPolicy wraps ValidateComplexity in an error for service layers.
func CheckPolicy(password string) error {
	if violations := ValidateComplexity(password); len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	return nil
}

var commonPasswords = map[string]struct{}{
	"password123!":     {},
	"administrator1!":  {},
	"welcome123456!":   {},
	"qwerty123456!":    {},
	"letmein12345!":    {},
	"changemeplease1!": {},
	"p@ssw0rd12345":    {},
	"iloveyou12345!":   {},
}

// ValidateComplexity checks every policy rule and returns all violations,
// not just the first, so the client can display the full checklist.
func ValidateComplexity(password string) []string {
	var violations []string

	if len(password) < MinLength {
		violations = append(violations, "Password must be at least 12 characters long")
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(symbolSet, r):
			hasSymbol = true
		}
	}
	if !hasUpper {
		violations = append(violations, "Password must contain at least one uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "Password must contain at least one lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "Password must contain at least one number")
	}
	if !hasSymbol {
		violations = append(violations, `Password must contain at least one special character (!@#$%^&*(),.?":{}|<>)`)
	}
	if hasRepeatedRun(password, 3) {
		violations = append(violations, "Password must not contain repeated characters (3 or more in a row)")
	}
	if hasAscendingRun(password, 3) {
		violations = append(violations, "Password must not contain sequential characters (e.g. abc, 123)")
	}
	if IsCommon(password) {
		violations = append(violations, "Password is too common")
	}

	return violations
}

// IsCommon reports whether the password appears on the deny list.
func IsCommon(password string) bool {
	_, ok := commonPasswords[strings.ToLower(password)]
	return ok
}

// StrengthScore rates a password 0-100 with a human label. The score is
// advisory only; ValidateComplexity is the gate.
func StrengthScore(password string) (int, string) {
	score := 0

	if len(password) >= 12 {
		score += 10
	}
	if len(password) >= 16 {
		score += 15
	}
	if len(password) >= 20 {
		score += 10
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	unique := map[rune]struct{}{}
	for _, r := range password {
		unique[r] = struct{}{}
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(symbolSet, r):
			hasSymbol = true
		}
	}
	if hasUpper {
		score += 10
	}
	if hasLower {
		score += 10
	}
	if hasDigit {
		score += 10
	}
	if hasSymbol {
		score += 15
	}
	if len(password) > 0 && float64(len(unique))/float64(len(password)) > 0.7 {
		score += 10
	}
	if !hasAscendingRun(password, 3) && !hasRepeatedRun(password, 3) {
		score += 10
	}
	if !IsCommon(password) {
		score += 10
	}

	if score > 100 {
		score = 100
	}

	switch {
	case score < 20:
		return score, "Very Weak"
	case score < 40:
		return score, "Weak"
	case score < 60:
		return score, "Moderate"
	case score < 80:
		return score, "Strong"
	default:
		return score, "Very Strong"
	}
}

func hasRepeatedRun(s string, n int) bool {
	runes := []rune(s)
	run := 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// hasAscendingRun detects n consecutive ascending letters or digits,
// case-insensitively for letters.
func hasAscendingRun(s string, n int) bool {
	runes := []rune(strings.ToLower(s))
	run := 1
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		sameClass := (isLowerAlpha(prev) && isLowerAlpha(cur)) || (isDigitRune(prev) && isDigitRune(cur))
		if sameClass && cur == prev+1 {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

func isLowerAlpha(r rune) bool { return r >= 'a' && r <= 'z' }
func isDigitRune(r rune) bool  { return r >= '0' && r <= '9' }
