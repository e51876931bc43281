package risk

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-core/internal/position"
	"spot-core/internal/state"
	"spot-core/pkg/config"
)

// Reject codes returned when a new position is blocked.
const (
	ReasonLossCooldown    = "LOSS_COOLDOWN_ACTIVE"
	ReasonReentryDelay    = "REENTRY_DELAY_ACTIVE"
	ReasonMaxOpenTrades   = "MAX_OPEN_TRADES_REACHED"
	ReasonSymbolMaxTrades = "SYMBOL_MAX_TRADES_REACHED"
)

// Result is the outcome of a pre-trade check. Reason is empty when allowed.
type Result struct {
	Allowed bool
	Reason  string
}

func allow() Result { return Result{Allowed: true} }

func deny(reason string) Result { return Result{Reason: reason} }

// MetaStore persists the gate's memory between runs.
type MetaStore interface {
	SaveRiskMeta(meta state.RiskMeta) error
}

// Gate enforces the guard rails that sit between an approved decision and
// the order: account-wide loss cooldown, per-symbol reentry delay, and open
// trade caps. It never sizes or scores anything.
type Gate struct {
	cfg   config.Risk
	store MetaStore
	log   zerolog.Logger
	now   func() time.Time

	mu             sync.Mutex
	lastLossTime   float64
	lastClosedTime map[string]float64
}

func NewGate(cfg config.Risk, meta state.RiskMeta, store MetaStore, log zerolog.Logger) *Gate {
	closed := make(map[string]float64, len(meta.LastClosedTimePerSymbol))
	for k, v := range meta.LastClosedTimePerSymbol {
		closed[k] = v
	}
	return &Gate{
		cfg:            cfg,
		store:          store,
		log:            log.With().Str("comp", "risk").Logger(),
		now:            time.Now,
		lastLossTime:   meta.LastLossTime,
		lastClosedTime: closed,
	}
}

// CheckNewPosition runs every guard rail against a proposed entry. The open
// slice must contain only open bot positions.
func (g *Gate) CheckNewPosition(symbol string, open []position.Position) Result {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	now := float64(g.now().UnixMilli()) / 1e3

	g.mu.Lock()
	lastLoss := g.lastLossTime
	lastClose := g.lastClosedTime[sym]
	g.mu.Unlock()

	if g.cfg.LossCooldownMin > 0 && now-lastLoss < float64(g.cfg.LossCooldownMin)*60 {
		return deny(ReasonLossCooldown)
	}
	if g.cfg.ReentryDelayMin > 0 && lastClose > 0 && now-lastClose < float64(g.cfg.ReentryDelayMin)*60 {
		return deny(ReasonReentryDelay)
	}
	if g.cfg.MaxOpenTrades > 0 && len(open) >= g.cfg.MaxOpenTrades {
		return deny(ReasonMaxOpenTrades)
	}
	if g.cfg.MaxTradesPerSymbol > 0 {
		onSymbol := 0
		for _, p := range open {
			if strings.ToUpper(p.Symbol) == sym {
				onSymbol++
			}
		}
		if onSymbol >= g.cfg.MaxTradesPerSymbol {
			return deny(ReasonSymbolMaxTrades)
		}
	}
	return allow()
}

// OnPositionClosed records the close time for the symbol, and the loss time
// when pnl is negative, then persists the meta.
func (g *Gate) OnPositionClosed(symbol string, pnlUSDT float64) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	ts := float64(g.now().UnixMilli()) / 1e3

	g.mu.Lock()
	g.lastClosedTime[sym] = ts
	if pnlUSDT < 0 {
		g.lastLossTime = ts
	}
	meta := g.snapshotLocked()
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.SaveRiskMeta(meta); err != nil {
			g.log.Warn().Err(err).Msg("persist risk meta failed")
		}
	}
}

// Meta returns the gate's current persisted view.
func (g *Gate) Meta() state.RiskMeta {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Gate) snapshotLocked() state.RiskMeta {
	closed := make(map[string]float64, len(g.lastClosedTime))
	for k, v := range g.lastClosedTime {
		closed[k] = v
	}
	return state.RiskMeta{
		LastLossTime:            g.lastLossTime,
		LastClosedTimePerSymbol: closed,
	}
}
