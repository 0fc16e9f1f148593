package krypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateDerivationTimeMSMonotonic(t *testing.T) {
	Recalibrate()

	small := EstimateDerivationTimeMS(50_000)
	large := EstimateDerivationTimeMS(1_000_000)

	assert.GreaterOrEqual(t, large, small)
}

func TestEstimateDerivationTimeMSDoublingRatio(t *testing.T) {
	Recalibrate()

	for _, n := range []int{50_000, 100_000, 500_000} {
		single := EstimateDerivationTimeMS(n)
		double := EstimateDerivationTimeMS(2 * n)
		if single <= 0 {
			continue
		}
		ratio := float64(double) / float64(single)
		assert.InDeltaf(t, 2.0, ratio, 0.6, "doubling n=%d should roughly double predicted time", n)
	}
}

func TestSecurityLevelThresholds(t *testing.T) {
	cases := map[int]string{
		1:         "Low",
		49_999:    "Low",
		50_000:    "Standard",
		99_999:    "Standard",
		100_000:   "High",
		499_999:   "High",
		500_000:   "Very High",
		999_999:   "Very High",
		1_000_000: "Maximum",
		5_000_000: "Maximum",
	}
	for iterations, want := range cases {
		require.Equal(t, want, SecurityLevel(iterations))
	}
}

func TestEstimateCrackTimeIsNonEmpty(t *testing.T) {
	Recalibrate()
	s := EstimateCrackTime(100_000)
	assert.NotEmpty(t, s)
}

func TestRecalibrateForcesRecompute(t *testing.T) {
	Recalibrate()
	first := EstimateDerivationTimeMS(50_000)
	model := cachedModel
	Recalibrate()
	require.Nil(t, cachedModel, "Recalibrate must discard the cached model")
	second := EstimateDerivationTimeMS(50_000)
	require.NotSame(t, model, cachedModel, "the next estimate must fit a fresh model")
	assert.GreaterOrEqual(t, first+second, int64(0))
}
