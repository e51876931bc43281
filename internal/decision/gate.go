package decision

import (
	"strings"
	"sync"
	"time"

	"spot-core/internal/strategy"
	"spot-core/pkg/config"
)

// Action is the gate's verdict for a symbol.
type Action string

const (
	ActionEntry Action = "ENTRY"
	ActionExit  Action = "EXIT"
	ActionHold  Action = "HOLD"
)

// Reject codes explaining a HOLD verdict.
const (
	ReasonNoStrategyOutput = "NO_STRATEGY_OUTPUT_YET"
	ReasonSignalNotEntry   = "STRATEGY_SIGNAL_NOT_ENTRY"
	ReasonScoreBelowMin    = "SCORE_BELOW_MIN"
	ReasonNotEnoughSignals = "NOT_ENOUGH_VALID_SIGNALS"
)

// Decision is a fully sized, risk-parameterized trade intent. RejectReason
// is empty unless Action is HOLD.
type Decision struct {
	Symbol             string          `json:"symbol"`
	Action             Action          `json:"action"`
	Score              float64         `json:"score"`
	Signal             strategy.Signal `json:"signal"`
	RequestedTradeUSDT float64         `json:"requested_trade_usdt"`
	SLPct              float64         `json:"sl_pct"`
	TPPct              float64         `json:"tp_pct"`
	UseTrailing        bool            `json:"use_trailing"`
	TrailingSLPct      float64         `json:"trailing_sl_pct"`
	RejectReason       string          `json:"reject_reason,omitempty"`
}

// SignalSource exposes the latest scored output per symbol.
type SignalSource interface {
	Output(symbol string) (strategy.Output, bool)
}

// Gate turns scored signals into trade decisions: it applies a per-symbol
// evaluation cooldown, a minimum score that relaxes during warmup, and
// attaches sizing plus SL/TP defaults. It knows nothing about balances or
// open positions; that is the risk gate's job.
type Gate struct {
	cfg     config.Decision
	signals SignalSource
	now     func() time.Time

	mu       sync.Mutex
	bootTime time.Time
	lastEval map[string]time.Time
	cache    map[string]Decision
}

func NewGate(cfg config.Decision, signals SignalSource) *Gate {
	g := &Gate{
		cfg:      cfg,
		signals:  signals,
		now:      time.Now,
		lastEval: make(map[string]time.Time),
		cache:    make(map[string]Decision),
	}
	g.bootTime = g.now()
	return g
}

// ResetWarmup restarts the relaxed-threshold window, called on engine start.
func (g *Gate) ResetWarmup() {
	g.mu.Lock()
	g.bootTime = g.now()
	g.mu.Unlock()
}

// Evaluate produces the decision for a symbol. Within the evaluation
// cooldown the previous decision is returned unchanged.
func (g *Gate) Evaluate(symbol string) Decision {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	now := g.now()

	g.mu.Lock()
	cooldown := time.Duration(g.cfg.EvalCooldownSec * float64(time.Second))
	if last, ok := g.lastEval[sym]; ok && cooldown > 0 && now.Sub(last) < cooldown {
		if cached, ok := g.cache[sym]; ok {
			g.mu.Unlock()
			return cached
		}
	}
	g.lastEval[sym] = now
	boot := g.bootTime
	g.mu.Unlock()

	d := g.evaluate(sym, now, boot)

	g.mu.Lock()
	g.cache[sym] = d
	g.mu.Unlock()
	return d
}

func (g *Gate) evaluate(sym string, now, boot time.Time) Decision {
	out, ok := g.signals.Output(sym)
	if !ok {
		return Decision{
			Symbol:       sym,
			Action:       ActionHold,
			Signal:       strategy.SignalHold,
			RejectReason: ReasonNoStrategyOutput,
		}
	}

	tradeUSDT := g.cfg.TradeUSDT
	if tradeUSDT < g.cfg.TradeUSDTMin {
		tradeUSDT = g.cfg.TradeUSDTMin
	}
	if tradeUSDT > g.cfg.TradeUSDTMax {
		tradeUSDT = g.cfg.TradeUSDTMax
	}

	d := Decision{
		Symbol:             sym,
		Action:             ActionHold,
		Score:              out.Score,
		Signal:             out.Signal,
		RequestedTradeUSDT: tradeUSDT,
		SLPct:              g.cfg.DefaultSLPct,
		TPPct:              g.cfg.DefaultTPPct,
		TrailingSLPct:      g.cfg.DefaultTrailingPct,
	}
	d.UseTrailing = d.TrailingSLPct > 0

	if out.Signal == strategy.SignalExit {
		d.Action = ActionExit
		return d
	}
	if out.Signal != strategy.SignalEntry {
		d.RejectReason = ReasonSignalNotEntry
		return d
	}

	minScore := g.cfg.MinScore
	if warmup := time.Duration(g.cfg.WarmupRelaxSec * float64(time.Second)); now.Sub(boot) < warmup {
		minScore -= g.cfg.WarmupScoreDelta
		if minScore < 0 {
			minScore = 0
		}
	}
	if out.Score < minScore {
		d.RejectReason = ReasonScoreBelowMin
		return d
	}

	// Every output counts as one valid signal for now; the threshold is
	// kept configurable for multi-strategy setups.
	if 1 < g.cfg.MinValidSignals {
		d.RejectReason = ReasonNotEnoughSignals
		return d
	}

	d.Action = ActionEntry
	return d
}
