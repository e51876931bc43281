package indicators

// MACD computes the MACD line, its signal line, and the histogram.
// The signal line is the EMA of the MACD series, so the input needs at
// least slow+signal-1 values for all three outputs to be available.
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist float64, ok bool) {
	fastSeries := EMASeries(closes, fast)
	slowSeries := EMASeries(closes, slow)
	if fastSeries == nil || slowSeries == nil {
		return 0, 0, 0, false
	}

	// Both series end at the last close; align them by their tails.
	n := len(slowSeries)
	fastSeries = fastSeries[len(fastSeries)-n:]

	macdSeries := make([]float64, n)
	for i := range slowSeries {
		macdSeries[i] = fastSeries[i] - slowSeries[i]
	}
	macd = macdSeries[n-1]

	sig, okSig := EMA(macdSeries, signal)
	if !okSig {
		return macd, 0, 0, false
	}
	return macd, sig, macd - sig, true
}
