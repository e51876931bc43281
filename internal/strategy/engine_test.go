package strategy

import (
	"testing"

	"github.com/rs/zerolog"

	"spot-core/internal/events"
	"spot-core/internal/market"
	"spot-core/pkg/config"
)

func testConfig() config.Strategy {
	return config.Default().Strategy
}

func newTestEngine() *Engine {
	return NewEngine(testConfig(), events.NewBus(), zerolog.Nop())
}

func candlesFromCloses(closes []float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     c,
			High:     c,
			Low:      c,
			Close:    c,
			Volume:   100,
			IsClosed: true,
		}
	}
	return out
}

func risingCloses(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestOnCandleUpdateInsufficientHistory(t *testing.T) {
	e := newTestEngine()
	e.OnCandleUpdate("BTCUSDT", "15m", candlesFromCloses(risingCloses(10, 100, 1)))

	if _, ok := e.Output("BTCUSDT"); ok {
		t.Fatal("expected no output below the minimum history")
	}
}

func TestOnCandleUpdateIgnoresOtherIntervals(t *testing.T) {
	e := newTestEngine()
	e.OnCandleUpdate("BTCUSDT", "5m", candlesFromCloses(risingCloses(60, 100, 1)))

	if _, ok := e.Output("BTCUSDT"); ok {
		t.Fatal("non-base intervals must not produce outputs")
	}
}

func TestOnCandleUpdateProducesOutput(t *testing.T) {
	e := newTestEngine()
	closes := risingCloses(60, 100, 0.5)
	e.OnCandleUpdate("btcusdt", "15m", candlesFromCloses(closes))

	out, ok := e.Output("BTCUSDT")
	if !ok {
		t.Fatal("expected an output for the base interval")
	}
	if out.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", out.Symbol)
	}
	if out.Score < 0 || out.Score > 100 {
		t.Fatalf("score %v outside [0,100]", out.Score)
	}
	// On a clean uptrend the trend sub-score must be maxed.
	if got := out.Details.Components.Trend; got != 75 {
		t.Fatalf("trend component = %v, want 75", got)
	}
	if out.Details.EMAState != "Bull Trend" {
		t.Fatalf("ema state = %q, want Bull Trend", out.Details.EMAState)
	}
	if out.Details.Trend1H != "--" {
		t.Fatalf("trend_1h = %q, want -- before any 1h window", out.Details.Trend1H)
	}
}

func TestOneHourWindowOnlyUpdatesTrend(t *testing.T) {
	e := newTestEngine()
	closes := risingCloses(60, 100, 0.5)

	e.OnCandleUpdate("BTCUSDT", "1h", candlesFromCloses(closes))
	if _, ok := e.Output("BTCUSDT"); ok {
		t.Fatal("1h window must not produce an output")
	}

	e.OnCandleUpdate("BTCUSDT", "15m", candlesFromCloses(closes))
	out, ok := e.Output("BTCUSDT")
	if !ok {
		t.Fatal("expected an output")
	}
	if out.Details.Trend1H != "UP" {
		t.Fatalf("trend_1h = %q, want UP", out.Details.Trend1H)
	}
}

func TestClearDropsOutputs(t *testing.T) {
	e := newTestEngine()
	e.OnCandleUpdate("BTCUSDT", "15m", candlesFromCloses(risingCloses(60, 100, 0.5)))
	if _, ok := e.Output("BTCUSDT"); !ok {
		t.Fatal("expected an output before Clear")
	}

	e.Clear()
	if _, ok := e.Output("BTCUSDT"); ok {
		t.Fatal("expected no output after Clear")
	}
	if len(e.Outputs()) != 0 {
		t.Fatal("expected empty outputs map after Clear")
	}
}

func TestScoreMomentum(t *testing.T) {
	tests := []struct {
		name     string
		rsi      float64
		rsiOK    bool
		macdHist float64
		macdOK   bool
		want     float64
	}{
		{"sweet spot rsi with positive macd", 58, true, 1, true, 85},
		{"stretched rsi with positive macd", 70, true, 1, true, 75},
		{"weak rsi with negative macd", 30, true, -1, true, 30},
		{"overbought rsi", 85, true, 1, true, 60},
		{"no indicators", 0, false, 0, false, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreMomentum(tt.rsi, tt.rsiOK, tt.macdHist, tt.macdOK)
			if got != tt.want {
				t.Fatalf("scoreMomentum = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreTrend(t *testing.T) {
	tests := []struct {
		name                  string
		price, emaF, emaS     float64
		ok                    bool
		want                  float64
	}{
		{"price above rising emas", 110, 105, 100, true, 75},
		{"rising emas price below fast", 103, 105, 100, true, 65},
		{"price below falling emas", 90, 95, 100, true, 30},
		{"mixed", 96, 95, 100, true, 40},
		{"missing emas", 100, 0, 0, false, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreTrend(tt.price, tt.emaF, tt.emaS, tt.ok)
			if got != tt.want {
				t.Fatalf("scoreTrend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreVolatility(t *testing.T) {
	tests := []struct {
		name         string
		price        float64
		upper, lower float64
		ok           bool
		want         float64
	}{
		{"mid band", 100, 110, 90, true, 70},
		{"approaching upper", 105, 110, 90, true, 55},
		{"at upper break", 110, 110, 90, true, 40},
		{"below lower", 85, 110, 90, true, 40},
		{"no bands", 100, 0, 0, false, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreVolatility(tt.price, tt.upper, tt.lower, tt.ok)
			if got != tt.want {
				t.Fatalf("scoreVolatility = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreVolume(t *testing.T) {
	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 100
	}
	if got := scoreVolume(flat); got != 50 {
		t.Fatalf("flat volume score = %v, want 50", got)
	}

	spike := append(append([]float64{}, flat...), 300)
	got := scoreVolume(spike)
	if got <= 50 {
		t.Fatalf("volume spike score = %v, want > 50", got)
	}
	if got > 100 {
		t.Fatalf("volume score %v outside [0,100]", got)
	}

	if got := scoreVolume(nil); got != 50 {
		t.Fatalf("empty volume score = %v, want 50", got)
	}
}
