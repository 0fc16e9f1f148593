package krypto

import (
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// calibrationPoints are the iteration counts sampled to fit the timing
// model, chosen to span typical "fast" through "very high" settings.
var calibrationPoints = []int{5_000, 50_000, 250_000, 1_000_000}

// calibrationRepetitions is the number of measurements taken per
// calibration point; the median of these rejects scheduler-noise outliers.
const calibrationRepetitions = 3

// Password entropy references (bits) used by EstimateCrackTime.
const eightCharMixedEntropyBits = 52.56

// consumerGPUAttacksPerSecond is a canned attacker rate used for the
// brute-force estimate: a modern consumer GPU against PBKDF2-HMAC-SHA256.
const consumerGPUAttacksPerSecond = 100_000

// regressionModel is a fitted T(n) = alpha + beta*n line.
type regressionModel struct {
	alpha float64
	beta  float64
}

func (m regressionModel) predict(iterations int) float64 {
	return math.Max(0, m.alpha+m.beta*float64(iterations))
}

var (
	calibrationMu    sync.Mutex
	cachedModel      *regressionModel
)

// benchmarkIterations performs one PBKDF2-HMAC-SHA256 derivation at the
// given iteration count and returns the elapsed time in milliseconds.
func benchmarkIterations(iterations int) float64 {
	password := []byte("benchmark")
	salt := make([]byte, 32)

	start := time.Now()
	_ = pbkdf2.Key(password, salt, iterations, 32, sha256.New)
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// calibrateModel benchmarks each calibration point three times, takes the
// median to reject outliers, and fits an ordinary-least-squares line
// through the resulting (iterations, milliseconds) pairs.
func calibrateModel() *regressionModel {
	// Warm-up pass so JIT/allocator effects don't skew the first real reading.
	for _, n := range calibrationPoints {
		benchmarkIterations(n)
	}

	xs := make([]float64, len(calibrationPoints))
	ys := make([]float64, len(calibrationPoints))

	for i, n := range calibrationPoints {
		measurements := make([]float64, calibrationRepetitions)
		for r := 0; r < calibrationRepetitions; r++ {
			measurements[r] = benchmarkIterations(n)
		}
		sort.Float64s(measurements)
		median := measurements[calibrationRepetitions/2]

		xs[i] = float64(n)
		ys[i] = median
	}

	var xMean, yMean float64
	for i := range xs {
		xMean += xs[i]
		yMean += ys[i]
	}
	xMean /= float64(len(xs))
	yMean /= float64(len(ys))

	var sumXY, sumXX float64
	for i := range xs {
		xDev := xs[i] - xMean
		yDev := ys[i] - yMean
		sumXY += xDev * yDev
		sumXX += xDev * xDev
	}

	beta := sumXY / sumXX
	alpha := yMean - beta*xMean

	return &regressionModel{alpha: alpha, beta: beta}
}

// EstimateDerivationTimeMS predicts the wall-clock time, in milliseconds,
// of a PBKDF2-HMAC-SHA256 derivation at the given iteration count using a
// process-wide cached regression model. The model is computed lazily on
// first use and shared across all callers. Every call checks the cache
// while holding calibrationMu: there is no lock-free fast path, and
// callers arriving during the first calibration wait for it to finish.
func EstimateDerivationTimeMS(iterations int) int64 {
	calibrationMu.Lock()
	model := cachedModel
	if model == nil {
		model = calibrateModel()
		cachedModel = model
	}
	calibrationMu.Unlock()

	return int64(math.Round(model.predict(iterations)))
}

// Recalibrate discards the cached timing model, forcing the next call to
// EstimateDerivationTimeMS to re-benchmark. Rarely needed; the initial
// calibration is already robust to normal system jitter.
func Recalibrate() {
	calibrationMu.Lock()
	cachedModel = nil
	calibrationMu.Unlock()
}

// SecurityLevel returns a descriptive label for an iteration count.
func SecurityLevel(iterations int) string {
	switch {
	case iterations < 50_000:
		return "Low"
	case iterations < 100_000:
		return "Standard"
	case iterations < 500_000:
		return "High"
	case iterations < 1_000_000:
		return "Very High"
	default:
		return "Maximum"
	}
}

// EstimateBruteForceSeconds estimates the average wall-clock time an
// attacker at attacksPerSecond needs to exhaust a password space of
// passwordEntropyBits, given the per-attempt cost of iterations rounds of
// PBKDF2-HMAC-SHA256.
func EstimateBruteForceSeconds(iterations int, passwordEntropyBits float64, attacksPerSecond float64) float64 {
	totalAttempts := math.Pow(2, passwordEntropyBits)
	avgAttempts := totalAttempts / 2

	timePerAttempt := float64(EstimateDerivationTimeMS(iterations)) / 1000.0
	if timePerAttempt <= 0 {
		timePerAttempt = 1e-9
	}

	effectiveRate := math.Min(attacksPerSecond, 1.0/timePerAttempt)
	return avgAttempts / effectiveRate
}

// EstimateCrackTime returns a human-readable worst-case brute-force time
// against an 8-character reference password drawn from the 95 printable
// ASCII characters (52.56 bits), using a consumer-GPU attack rate.
func EstimateCrackTime(iterations int) string {
	seconds := EstimateBruteForceSeconds(iterations, eightCharMixedEntropyBits, consumerGPUAttacksPerSecond)
	return formatDuration(seconds)
}

// formatDuration renders a duration in seconds using the same ladder as the
// calibrator's diagnostic output: milliseconds through billions of years.
func formatDuration(seconds float64) string {
	switch {
	case seconds < 0.001:
		return "< 1 millisecond"
	case seconds < 1:
		return fmt.Sprintf("%.0f milliseconds", seconds*1000)
	case seconds < 60:
		return fmt.Sprintf("%.1f seconds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%.1f minutes", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%.1f hours", seconds/3600)
	case seconds < 31_536_000:
		return fmt.Sprintf("%.1f days", seconds/86400)
	case seconds < 31_536_000_000:
		return fmt.Sprintf("%.1f years", seconds/31_536_000)
	case seconds < 31_536_000_000_000:
		return fmt.Sprintf("%.1f thousand years", seconds/31_536_000_000)
	case seconds < 31_536_000_000_000_000:
		return fmt.Sprintf("%.1f million years", seconds/31_536_000_000_000)
	default:
		return fmt.Sprintf("%.1f billion years", seconds/31_536_000_000_000_000)
	}
}
