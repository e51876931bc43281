package indicators

// RSI computes the Relative Strength Index over the last period changes.
// The second return value is false when the series is too short.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}

	gains := 0.0
	losses := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}

	if gains+losses == 0 {
		return 50, true
	}
	if losses == 0 {
		return 100, true
	}

	rs := gains / losses
	return 100 - (100 / (1 + rs)), true
}
