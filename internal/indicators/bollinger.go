package indicators

import "math"

// Bollinger computes the upper band, middle (SMA), and lower band over the
// last period values using a population standard deviation.
func Bollinger(closes []float64, period int, stddev float64) (upper, mid, lower float64, ok bool) {
	if period <= 0 || len(closes) < period {
		return 0, 0, 0, false
	}

	window := closes[len(closes)-period:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(period)

	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(period)
	sd := math.Sqrt(variance)

	return mean + stddev*sd, mean, mean - stddev*sd, true
}
