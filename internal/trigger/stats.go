package trigger

import "math"

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the sample standard deviation (n-1 divisor) of values.
// Fewer than two points yields 0.
func StdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	mean := Mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// ZScore returns how many sample standard deviations value sits from the
// mean of values. A zero deviation (constant series) yields 0 so a flat
// history never looks anomalous.
func ZScore(value float64, values []float64) float64 {
	sd := StdDev(values)
	if sd == 0 {
		return 0
	}
	return math.Abs(value-Mean(values)) / sd
}
