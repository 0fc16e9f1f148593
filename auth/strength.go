package auth

import (
	"github.com/nbutton23/zxcvbn-go"
)

// truncateLen bounds how much of a password zxcvbn actually scores: its
// running time and memory use grow sharply with input length, and scoring
// a password past this point buys nothing a user would notice.
const truncateLen = 100

// sanitizedInputs are fed to zxcvbn as "known" dictionary words specific
// to this product, so a password built around the product's own name
// doesn't score artificially high.
var sanitizedInputs = []string{"vaultcore", "cryptomator"}

// StrengthScore returns zxcvbn's 0-4 strength estimate for password, or -1
// if password is shorter than minLength. Advisory only: nothing in this
// package blocks on the result, callers decide whether to warn or refuse.
func StrengthScore(password string, minLength int) int {
	if len(password) < minLength {
		return -1
	}
	n := len(password)
	if n > truncateLen {
		n = truncateLen
	}
	result := zxcvbn.PasswordStrength(password[:n], sanitizedInputs)
	return result.Score
}

// StrengthDescription maps a StrengthScore result to a short human label,
// mirroring the five buckets zxcvbn itself defines.
func StrengthDescription(score int) string {
	switch score {
	case -1:
		return "too short"
	case 0:
		return "very weak"
	case 1:
		return "weak"
	case 2:
		return "fair"
	case 3:
		return "strong"
	case 4:
		return "very strong"
	default:
		return "unknown"
	}
}
