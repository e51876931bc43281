package indicators

// EMA computes the exponential moving average of values, seeded with the
// simple average of the first period values.
func EMA(values []float64, period int) (float64, bool) {
	if period <= 1 || len(values) < period {
		return 0, false
	}

	k := 2.0 / float64(period+1)
	ema := 0.0
	for _, v := range values[:period] {
		ema += v
	}
	ema /= float64(period)

	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema, true
}

// EMASeries returns the EMA value at every index from period-1 onward.
// The returned slice is aligned to the tail of values: element i corresponds
// to values[period-1+i].
func EMASeries(values []float64, period int) []float64 {
	if period <= 1 || len(values) < period {
		return nil
	}

	k := 2.0 / float64(period+1)
	ema := 0.0
	for _, v := range values[:period] {
		ema += v
	}
	ema /= float64(period)

	out := make([]float64, 0, len(values)-period+1)
	out = append(out, ema)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period), true
}
