package regulator

// Control law constants. These are fixed properties of the regulator, not per-mode
// tuning knobs (those live in Config).
const (
	// rateEpsilon is the minimum rate difference worth a device command.
	// Requests closer than this to the current rate are suppressed.
	rateEpsilon = 0.01

	// Anti-spike behavior
	antiSpikeSeekFraction  = 0.8 // seek target is bufferedEnd - fraction*maxBufferThreshold
	antiSpikeReleaseMargin = 0.2 // clear once bufferMemory <= target + margin
	antiSpikeRate          = 2.0 // recovery rate while draining the spike

	// catchUpMargin gates the recovery rate and the proportional catch-up seek:
	// both only act while bufferMemory > target + catchUpMargin.
	catchUpMargin = 0.1

	// Proportional boost for large errors
	boostErrorThreshold = 0.8 // |error| above this (seconds) engages boost
	boostFactor         = 1.2

	normalRate = 1.0

	// defaultWindowSize is the trailing window visualizers are expected to keep.
	defaultWindowSize = 200
)
