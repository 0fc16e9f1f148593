package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStrengthScoreTooShort(t *testing.T) {
	require.Equal(t, -1, StrengthScore("short", 12))
}

func TestStrengthScoreOrdersWeakBelowStrong(t *testing.T) {
	weak := StrengthScore("aaaaaaaaaaaa", 1)
	strong := StrengthScore("xK9$mQz!2wLp#4rT", 1)
	require.GreaterOrEqual(t, strong, weak)
}

func TestStrengthScoreTruncatesLongPasswords(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	require.NotPanics(t, func() {
		StrengthScore(string(long), 1)
	})
}

func TestStrengthDescriptionCoversAllScores(t *testing.T) {
	for score := -1; score <= 4; score++ {
		require.NotEqual(t, "unknown", StrengthDescription(score))
	}
}
