package decision

import (
	"testing"
	"time"

	"spot-core/internal/strategy"
	"spot-core/pkg/config"
)

type stubSignals struct {
	outputs map[string]strategy.Output
}

func (s *stubSignals) Output(symbol string) (strategy.Output, bool) {
	out, ok := s.outputs[symbol]
	return out, ok
}

func (s *stubSignals) set(symbol string, signal strategy.Signal, score float64) {
	if s.outputs == nil {
		s.outputs = make(map[string]strategy.Output)
	}
	s.outputs[symbol] = strategy.Output{Symbol: symbol, Signal: signal, Score: score}
}

func testDecisionConfig() config.Decision {
	return config.Decision{
		MinScore:         60,
		MinValidSignals:  1,
		EvalCooldownSec:  2,
		WarmupRelaxSec:   300,
		WarmupScoreDelta: 10,

		DefaultSLPct:       2,
		DefaultTPPct:       3,
		DefaultTrailingPct: 1,

		TradeUSDT:    10,
		TradeUSDTMin: 2,
		TradeUSDTMax: 30,
	}
}

func newTestGate(cfg config.Decision, signals SignalSource) (*Gate, *time.Time) {
	g := NewGate(cfg, signals)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	g.now = func() time.Time { return *clock }
	g.ResetWarmup()
	return g, clock
}

func TestEvaluateNoOutputYet(t *testing.T) {
	g, _ := newTestGate(testDecisionConfig(), &stubSignals{})

	d := g.Evaluate("btcusdt")
	if d.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", d.Symbol)
	}
	if d.Action != ActionHold || d.RejectReason != ReasonNoStrategyOutput {
		t.Fatalf("decision = %+v, want HOLD/%s", d, ReasonNoStrategyOutput)
	}
}

func TestEvaluateEntry(t *testing.T) {
	sig := &stubSignals{}
	sig.set("BTCUSDT", strategy.SignalEntry, 72)
	g, clock := newTestGate(testDecisionConfig(), sig)
	*clock = clock.Add(time.Hour) // past warmup

	d := g.Evaluate("BTCUSDT")
	if d.Action != ActionEntry {
		t.Fatalf("decision = %+v, want ENTRY", d)
	}
	if d.Score != 72 || d.RejectReason != "" {
		t.Fatalf("score/reason = %v/%q", d.Score, d.RejectReason)
	}
	if d.RequestedTradeUSDT != 10 || d.SLPct != 2 || d.TPPct != 3 {
		t.Fatalf("sizing = %+v", d)
	}
	if !d.UseTrailing || d.TrailingSLPct != 1 {
		t.Fatalf("trailing = %v/%v, want true/1", d.UseTrailing, d.TrailingSLPct)
	}
}

func TestEvaluateScoreBelowMin(t *testing.T) {
	sig := &stubSignals{}
	sig.set("BTCUSDT", strategy.SignalEntry, 55)
	g, clock := newTestGate(testDecisionConfig(), sig)
	*clock = clock.Add(time.Hour)

	d := g.Evaluate("BTCUSDT")
	if d.Action != ActionHold || d.RejectReason != ReasonScoreBelowMin {
		t.Fatalf("decision = %+v, want HOLD/%s", d, ReasonScoreBelowMin)
	}
}

func TestWarmupRelaxesMinScore(t *testing.T) {
	sig := &stubSignals{}
	sig.set("BTCUSDT", strategy.SignalEntry, 55)
	g, clock := newTestGate(testDecisionConfig(), sig)

	// 55 clears the relaxed threshold (60-10) inside the warmup window.
	if d := g.Evaluate("BTCUSDT"); d.Action != ActionEntry {
		t.Fatalf("decision = %+v, want ENTRY during warmup", d)
	}

	// Same score fails once warmup has lapsed.
	*clock = clock.Add(301 * time.Second)
	if d := g.Evaluate("BTCUSDT"); d.RejectReason != ReasonScoreBelowMin {
		t.Fatalf("decision = %+v, want %s after warmup", d, ReasonScoreBelowMin)
	}
}

func TestEvaluateCooldownReturnsCached(t *testing.T) {
	sig := &stubSignals{}
	sig.set("BTCUSDT", strategy.SignalEntry, 80)
	g, clock := newTestGate(testDecisionConfig(), sig)

	first := g.Evaluate("BTCUSDT")
	if first.Action != ActionEntry {
		t.Fatalf("decision = %+v, want ENTRY", first)
	}

	// Output flips to HOLD but the cooldown still serves the cached decision.
	sig.set("BTCUSDT", strategy.SignalHold, 30)
	*clock = clock.Add(time.Second)
	if d := g.Evaluate("BTCUSDT"); d.Action != ActionEntry {
		t.Fatalf("decision = %+v, want cached ENTRY within cooldown", d)
	}

	*clock = clock.Add(2 * time.Second)
	if d := g.Evaluate("BTCUSDT"); d.Action != ActionHold || d.RejectReason != ReasonSignalNotEntry {
		t.Fatalf("decision = %+v, want fresh HOLD/%s", d, ReasonSignalNotEntry)
	}
}

func TestEvaluateExitPassthrough(t *testing.T) {
	sig := &stubSignals{}
	sig.set("BTCUSDT", strategy.SignalExit, 20)
	g, _ := newTestGate(testDecisionConfig(), sig)

	d := g.Evaluate("BTCUSDT")
	if d.Action != ActionExit || d.RejectReason != "" {
		t.Fatalf("decision = %+v, want EXIT regardless of score", d)
	}
}

func TestTradeSizeClamp(t *testing.T) {
	cases := []struct {
		name  string
		trade float64
		want  float64
	}{
		{"below min", 1, 2},
		{"in range", 10, 10},
		{"above max", 100, 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testDecisionConfig()
			cfg.TradeUSDT = tc.trade
			sig := &stubSignals{}
			sig.set("BTCUSDT", strategy.SignalEntry, 90)
			g, _ := newTestGate(cfg, sig)

			if d := g.Evaluate("BTCUSDT"); d.RequestedTradeUSDT != tc.want {
				t.Fatalf("trade = %v, want %v", d.RequestedTradeUSDT, tc.want)
			}
		})
	}
}

func TestMinValidSignalsThreshold(t *testing.T) {
	cfg := testDecisionConfig()
	cfg.MinValidSignals = 2
	sig := &stubSignals{}
	sig.set("BTCUSDT", strategy.SignalEntry, 90)
	g, _ := newTestGate(cfg, sig)

	if d := g.Evaluate("BTCUSDT"); d.RejectReason != ReasonNotEnoughSignals {
		t.Fatalf("decision = %+v, want %s", d, ReasonNotEnoughSignals)
	}
}
