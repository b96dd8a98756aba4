package state

// Alpha returns the EMA smoothing factor for a given window size
// (spec §4.4 "alpha = 2 / (N + 1)").
func Alpha(windowSize int) float64 {
	if windowSize < 1 {
		windowSize = 1
	}
	return 2.0 / (float64(windowSize) + 1.0)
}

// UpdateEMA applies one observation to an EMA aggregate and returns the
// updated aggregate alongside the value the threshold comparison must use.
//
// Per spec §4.4 / scenario B: the freshly blended value is both the new
// stored aggregate and the value the threshold comparison is run against;
// the first observation (count==0) has no prior average to blend with, so
// it compares against the raw current value.
func UpdateEMA(prev EMAState, current float64, windowSize int) (next EMAState, compareValue float64) {
	if prev.Count == 0 {
		next = EMAState{Value: current, Count: 1}
		return next, next.Value
	}

	alpha := Alpha(windowSize)
	next = EMAState{
		Value: alpha*current + (1-alpha)*prev.Value,
		Count: prev.Count + 1,
	}
	return next, next.Value
}
