package position

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spot-core/internal/events"
	"spot-core/pkg/config"
)

// ErrDuplicateSymbol is returned when the engine already holds an open bot
// position on a symbol.
var ErrDuplicateSymbol = errors.New("bot already has an open position on symbol")

// Store persists the ledger's slices. Implemented by the state store.
type Store interface {
	SavePositions(open, closed []Position) error
}

// OpenParams describes a position to open. Zero TP/SL/trailing values fall
// back to the configured risk limits.
type OpenParams struct {
	Symbol        string
	EntryPrice    float64
	Qty           float64
	Mode          string
	Source        string
	OpenedAt      time.Time
	TPPrice       float64
	SLPrice       float64
	UseTrailing   *bool
	TrailingSLPct float64
}

// Ledger owns every open and closed position. Opening and closing are the
// engine's calls; the ledger only tracks, marks to market, and recommends
// exits.
type Ledger struct {
	limits config.Risk
	store  Store
	bus    *events.Bus
	log    zerolog.Logger

	mu     sync.RWMutex
	open   map[string]*Position
	closed []Position
}

// NewLedger restores a ledger from previously persisted slices. Entries not
// in "open" status are dropped from the open set.
func NewLedger(open, closed []Position, limits config.Risk, store Store, bus *events.Bus, log zerolog.Logger) *Ledger {
	l := &Ledger{
		limits: limits,
		store:  store,
		bus:    bus,
		log:    log.With().Str("comp", "ledger").Logger(),
		open:   make(map[string]*Position, len(open)),
		closed: append([]Position(nil), closed...),
	}
	for i := range open {
		if open[i].Status != StatusOpen {
			continue
		}
		p := open[i]
		l.open[p.ID] = &p
	}
	return l
}

// Open records a new position. Bot positions are capped at one open position
// per symbol at the ledger level.
func (l *Ledger) Open(params OpenParams) (Position, error) {
	sym := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if sym == "" || params.EntryPrice <= 0 || params.Qty <= 0 {
		return Position{}, fmt.Errorf("invalid position parameters for %q", params.Symbol)
	}

	source := params.Source
	if source == "" {
		source = SourceBot
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if source == SourceBot && l.hasOpenBotLocked(sym) {
		return Position{}, fmt.Errorf("%w: %s", ErrDuplicateSymbol, sym)
	}

	tp := params.TPPrice
	sl := params.SLPrice
	if tp <= 0 && l.limits.TakeProfitPct > 0 {
		tp = params.EntryPrice * (1 + l.limits.TakeProfitPct/100)
	}
	if sl <= 0 && l.limits.StopLossPct > 0 {
		sl = params.EntryPrice * (1 - l.limits.StopLossPct/100)
	}
	useTrailing := l.limits.UseTrailing
	if params.UseTrailing != nil {
		useTrailing = *params.UseTrailing
	}
	if source != SourceBot {
		useTrailing = false
	}
	trailingPct := params.TrailingSLPct
	if trailingPct <= 0 {
		trailingPct = l.limits.TrailingSLPct
	}

	openedAt := params.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now()
	}

	pos := Position{
		ID:            uuid.NewString(),
		Symbol:        sym,
		Source:        source,
		EntryPrice:    params.EntryPrice,
		Qty:           params.Qty,
		CurrentPrice:  params.EntryPrice,
		TPPrice:       tp,
		SLPrice:       sl,
		UseTrailing:   useTrailing,
		TrailingSLPct: trailingPct,
		PeakPrice:     params.EntryPrice,
		Status:        StatusOpen,
		Mode:          params.Mode,
		OpenedAt:      float64(openedAt.UnixMilli()) / 1e3,
	}

	l.open[pos.ID] = &pos
	l.persistLocked()

	l.log.Info().Str("symbol", sym).Float64("qty", pos.Qty).
		Float64("entry", pos.EntryPrice).Str("source", source).
		Msg("position opened")
	l.bus.Publish(events.EventPositionOpened, pos)
	return pos, nil
}

// UpdatePrice marks every open position on the symbol to the given price and
// ratchets trailing stops. Trailing stops only ever move up.
func (l *Ledger) UpdatePrice(symbol string, price float64) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" || price <= 0 {
		return
	}

	var updated []Position

	l.mu.Lock()
	for _, pos := range l.open {
		if pos.Symbol != sym || pos.Status != StatusOpen {
			continue
		}
		pos.CurrentPrice = price
		pos.PnLUSDT = (price - pos.EntryPrice) * pos.Qty
		if pos.EntryPrice > 0 {
			pos.PnLPercent = (price - pos.EntryPrice) / pos.EntryPrice * 100
		}

		if pos.Source == SourceBot && pos.UseTrailing && pos.SLPrice > 0 && price > pos.PeakPrice {
			pos.PeakPrice = price
			if pos.TrailingSLPct > 0 {
				if newSL := price * (1 - pos.TrailingSLPct/100); newSL > pos.SLPrice {
					pos.SLPrice = newSL
				}
			}
		}
		updated = append(updated, *pos)
	}
	if len(updated) > 0 {
		l.persistLocked()
	}
	l.mu.Unlock()

	for _, pos := range updated {
		l.bus.Publish(events.EventPositionUpdated, pos)
	}
}

// CheckExitRecommendations reports which bot positions on the symbol have
// crossed TP or SL at the given price. TP wins when both are crossed.
func (l *Ledger) CheckExitRecommendations(symbol string, price float64, allowTrailing bool) []ExitRecommendation {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" || price <= 0 {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []ExitRecommendation
	for id, pos := range l.open {
		if pos.Status != StatusOpen || pos.Symbol != sym || pos.Source != SourceBot {
			continue
		}
		if pos.TPPrice > 0 && price >= pos.TPPrice {
			out = append(out, ExitRecommendation{PositionID: id, Reason: ExitTakeProfit})
			continue
		}
		if pos.SLPrice > 0 && price <= pos.SLPrice {
			reason := ExitStopLoss
			if pos.UseTrailing && allowTrailing {
				reason = ExitTrailing
			}
			out = append(out, ExitRecommendation{PositionID: id, Reason: reason})
		}
	}
	return out
}

// Close settles an open bot position at the exit price. Closing is terminal;
// closed and manual positions are left untouched and reported as not closed.
func (l *Ledger) Close(positionID string, exitPrice float64, reason string, closedAt time.Time) (Position, bool) {
	l.mu.Lock()
	pos, ok := l.open[positionID]
	if !ok || pos.Status != StatusOpen || pos.Source == SourceManual {
		l.mu.Unlock()
		return Position{}, false
	}

	pos.CurrentPrice = exitPrice
	pos.PnLUSDT = (exitPrice - pos.EntryPrice) * pos.Qty
	if pos.EntryPrice > 0 {
		pos.PnLPercent = (exitPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}
	pos.Status = StatusClosed
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	pos.ClosedAt = float64(closedAt.UnixMilli()) / 1e3
	pos.ExitReason = reason

	closed := *pos
	l.closed = append([]Position{closed}, l.closed...)
	delete(l.open, positionID)
	l.persistLocked()
	l.mu.Unlock()

	l.log.Info().Str("symbol", closed.Symbol).Str("reason", reason).
		Float64("pnl_usdt", closed.PnLUSDT).Msg("position closed")
	l.bus.Publish(events.EventPositionClosed, closed)
	return closed, true
}

// ---------------------------
// Views
// ---------------------------

func (l *Ledger) OpenPositions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, *p)
	}
	return out
}

func (l *Ledger) ClosedPositions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Position(nil), l.closed...)
}

func (l *Ledger) Get(positionID string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.open[positionID]; ok {
		return *p, true
	}
	return Position{}, false
}

func (l *Ledger) HasOpenBotPosition(symbol string) bool {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasOpenBotLocked(sym)
}

func (l *Ledger) hasOpenBotLocked(sym string) bool {
	for _, p := range l.open {
		if p.Symbol == sym && p.Status == StatusOpen && p.Source == SourceBot {
			return true
		}
	}
	return false
}

// OpenBotCount reports total open bot positions and how many are on the
// given symbol.
func (l *Ledger) OpenBotCount(symbol string) (total, onSymbol int) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.open {
		if p.Status != StatusOpen || p.Source != SourceBot {
			continue
		}
		total++
		if p.Symbol == sym {
			onSymbol++
		}
	}
	return total, onSymbol
}

// UnrealizedPnL sums pnl across open bot positions.
func (l *Ledger) UnrealizedPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, p := range l.open {
		if p.Status == StatusOpen && p.Source == SourceBot {
			total += p.PnLUSDT
		}
	}
	return total
}

// UsedBotBalance sums the entry notionals of open bot positions.
func (l *Ledger) UsedBotBalance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var used float64
	for _, p := range l.open {
		if p.Status == StatusOpen && p.Source == SourceBot {
			used += p.Notional()
		}
	}
	return used
}

func (l *Ledger) persistLocked() {
	if l.store == nil {
		return
	}
	open := make([]Position, 0, len(l.open))
	for _, p := range l.open {
		open = append(open, *p)
	}
	closed := append([]Position(nil), l.closed...)
	if err := l.store.SavePositions(open, closed); err != nil {
		l.log.Warn().Err(err).Msg("persist positions failed")
	}
}
