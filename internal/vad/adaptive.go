package vad

// AdaptiveThreshold tracks a rolling noise floor from non-speech frames and
// derives a dynamic energy threshold from it. Pure state, no I/O; callers
// own any locking.
type AdaptiveThreshold struct {
	base           int
	current        int
	adaptationRate float64
	maxSamples     int
	noiseSamples   []int
	noiseFloor     float64
}

const minNoiseSamples = 10

// NewAdaptiveThreshold creates an estimator starting at base. maxSamples
// bounds the noise buffer; once full, adaptation freezes until Reset.
func NewAdaptiveThreshold(base int, adaptationRate float64, maxSamples int) *AdaptiveThreshold {
	return &AdaptiveThreshold{
		base:           base,
		current:        base,
		adaptationRate: adaptationRate,
		maxSamples:     maxSamples,
		noiseSamples:   make([]int, 0, maxSamples),
	}
}

// Update feeds one frame's energy into the estimator. Speech frames never
// contribute to the noise floor. The current threshold is smoothed
// exponentially toward max(base, 2.5x noise floor) once enough samples have
// accumulated.
func (a *AdaptiveThreshold) Update(energy int, isSpeech bool) {
	if isSpeech {
		return
	}
	if len(a.noiseSamples) >= a.maxSamples {
		return
	}
	a.noiseSamples = append(a.noiseSamples, energy)
	if len(a.noiseSamples) < minNoiseSamples {
		return
	}

	var sum int
	for _, s := range a.noiseSamples {
		sum += s
	}
	a.noiseFloor = float64(sum) / float64(len(a.noiseSamples))

	target := int(a.noiseFloor * 2.5)
	if target < a.base {
		target = a.base
	}
	a.current = int(float64(a.current)*(1-a.adaptationRate) + float64(target)*a.adaptationRate)
}

// Threshold returns the active threshold, never below the base.
func (a *AdaptiveThreshold) Threshold() int {
	if a.current < a.base {
		return a.base
	}
	return a.current
}

// NoiseFloor returns the current rolling noise-floor estimate.
func (a *AdaptiveThreshold) NoiseFloor() float64 {
	return a.noiseFloor
}

// SampleCount returns how many non-speech samples have been collected.
func (a *AdaptiveThreshold) SampleCount() int {
	return len(a.noiseSamples)
}

// Reset drops the sample buffer and returns the threshold to its base.
func (a *AdaptiveThreshold) Reset() {
	a.current = a.base
	a.noiseSamples = a.noiseSamples[:0]
	a.noiseFloor = 0
}
