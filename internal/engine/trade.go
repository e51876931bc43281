package engine

import (
	"context"
	"math"
	"time"

	"spot-core/internal/decision"
	"spot-core/internal/position"
	"spot-core/internal/state"
	"spot-core/pkg/db"
)

// Entry reject codes logged when a decision cannot become an order.
const (
	rejectNoPrice           = "NO_PRICE"
	rejectProtected         = "PROTECTED_MODE"
	rejectRiskBlock         = "RISK_BLOCK"
	rejectDuplicateSymbol   = "DUPLICATE_SYMBOL"
	rejectReqUSDTZero       = "REQ_USDT_ZERO"
	rejectPaperBalZero      = "PAPER_BAL_ZERO"
	rejectMinTrade          = "MIN_TRADE_BLOCK"
	rejectQtyNormalizeZero  = "QTY_NORMALIZE_ZERO"
	rejectPaperInsufficient = "PAPER_INSUFFICIENT_BAL"
)

// applyDecision drives one symbol through the exit and entry paths. Exits
// are always processed, even while protected; entries pass the risk gate
// and sizing checks first.
func (c *Core) applyDecision(d decision.Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("symbol", d.Symbol).
				Msg("decision application recovered")
		}
	}()

	sym := d.Symbol
	if sym == "" {
		return
	}

	last, ok := c.mkt.Price(sym)
	if !ok || last <= 0 {
		c.logEntryReject(sym, rejectNoPrice, "")
		return
	}

	c.ledger.UpdatePrice(sym, last)

	// TP/SL/trailing exits come first so a crossed stop is never held
	// hostage to the entry path.
	for _, rec := range c.ledger.CheckExitRecommendations(sym, last, true) {
		c.executeClose(rec.PositionID, last, rec.Reason)
	}

	if d.Action == decision.ActionExit {
		for _, p := range c.ledger.OpenPositions() {
			if p.Symbol == sym && p.Source == position.SourceBot {
				c.executeClose(p.ID, last, position.ExitSignal)
			}
		}
		return
	}
	if d.Action != decision.ActionEntry {
		return
	}
	if c.Status() == StatusProtected {
		c.logEntryReject(sym, rejectProtected, "")
		return
	}

	openBot := c.openBotPositions()
	if res := c.riskG.CheckNewPosition(sym, openBot); !res.Allowed {
		c.logEntryReject(sym, rejectRiskBlock, res.Reason)
		return
	}
	if c.ledger.HasOpenBotPosition(sym) {
		c.logEntryReject(sym, rejectDuplicateSymbol, "")
		return
	}

	reqUSDT := d.RequestedTradeUSDT
	if reqUSDT <= 0 {
		c.logEntryReject(sym, rejectReqUSDTZero, "")
		return
	}

	if c.PaperMode() {
		paperBal := c.store.Snapshot().PaperBalanceUSDT
		if paperBal <= 0 {
			c.logEntryReject(sym, rejectPaperBalZero, "")
			return
		}
		// An overdrawing entry is rejected outright, never clipped down to
		// the remaining balance.
		if reqUSDT > paperBal {
			c.logEntryReject(sym, rejectPaperInsufficient, "")
			return
		}
	}
	if reqUSDT < c.cfg.Risk.MinTradeUSDT {
		c.logEntryReject(sym, rejectMinTrade, "")
		return
	}

	qty := reqUSDT / last
	if !c.PaperMode() && c.exch != nil {
		normalized, err := c.exch.NormalizeQuantity(sym, qty, last)
		if err != nil || normalized <= 0 {
			c.logEntryReject(sym, rejectQtyNormalizeZero, "")
			return
		}
		qty = normalized
	}

	var slPrice, tpPrice float64
	if d.SLPct > 0 {
		slPrice = last * (1 - d.SLPct/100)
	}
	if d.TPPct > 0 {
		tpPrice = last * (1 + d.TPPct/100)
	}

	c.executeEntry(sym, last, qty, tpPrice, slPrice, d.UseTrailing, d.TrailingSLPct)
}

// executeEntry opens the position. In live mode the exchange order goes
// first and the fill overrides price and quantity; in paper mode the debit
// and solvency check happen in one state update so a concurrent entry can
// never overspend the paper balance.
func (c *Core) executeEntry(symbol string, price, qty, tpPrice, slPrice float64, useTrailing bool, trailingPct float64) {
	paper := c.PaperMode()

	if !paper {
		if c.exch == nil {
			c.log.Error().Str("symbol", symbol).Msg("live entry without exchange client")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		fill, err := c.exch.MarketBuy(ctx, symbol, qty)
		cancel()
		if err != nil {
			c.log.Error().Err(err).Str("symbol", symbol).Msg("live buy failed")
			return
		}
		if fill.Qty > 0 && fill.QuoteQty > 0 {
			price = fill.Price
			qty = fill.Qty
		}
	}

	cost := price * qty
	if paper {
		debited := false
		_ = c.store.Update(func(doc *state.Document) {
			if cost <= doc.PaperBalanceUSDT+1e-9 {
				doc.PaperBalanceUSDT = math.Max(0, doc.PaperBalanceUSDT-cost)
				debited = true
			}
		})
		if !debited {
			c.logEntryReject(symbol, rejectPaperInsufficient, "")
			return
		}
	}

	mode := "live"
	if paper {
		mode = "paper"
	}
	useTr := useTrailing && trailingPct > 0

	_, err := c.ledger.Open(position.OpenParams{
		Symbol:        symbol,
		EntryPrice:    price,
		Qty:           qty,
		Mode:          mode,
		Source:        position.SourceBot,
		TPPrice:       tpPrice,
		SLPrice:       slPrice,
		UseTrailing:   &useTr,
		TrailingSLPct: trailingPct,
	})
	if err != nil {
		if paper {
			// Refund the debit, the position never existed.
			_ = c.store.Update(func(doc *state.Document) {
				doc.PaperBalanceUSDT += cost
			})
		}
		c.log.Error().Err(err).Str("symbol", symbol).Msg("open position failed")
		return
	}

	c.log.Info().Str("symbol", symbol).Str("mode", mode).
		Float64("price", price).Float64("qty", qty).Float64("value", cost).
		Msg("entry executed")
}

// executeClose settles one open bot position. In live mode the sell order
// must succeed before the ledger is touched; a failed sell leaves the
// position open for the next pass.
func (c *Core) executeClose(positionID string, price float64, reason string) {
	pos, ok := c.ledger.Get(positionID)
	if !ok || pos.Source != position.SourceBot || pos.Qty <= 0 {
		return
	}

	if !c.PaperMode() && pos.Mode == "live" {
		if c.exch == nil {
			c.log.Error().Str("symbol", pos.Symbol).Msg("live close without exchange client")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := c.exch.MarketSell(ctx, pos.Symbol, pos.Qty)
		cancel()
		if err != nil {
			c.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("live sell failed")
			return
		}
	}

	closed, ok := c.ledger.Close(positionID, price, reason, c.now())
	if !ok {
		return
	}

	proceeds := closed.Qty * price
	_ = c.store.Update(func(doc *state.Document) {
		doc.RealizedPnLToday += closed.PnLUSDT
		if closed.Mode == "paper" {
			doc.PaperBalanceUSDT += proceeds
		}
	})

	c.riskG.OnPositionClosed(closed.Symbol, closed.PnLUSDT)
	c.journalTrade(closed)

	c.log.Info().Str("symbol", closed.Symbol).Str("reason", reason).
		Float64("price", price).Float64("pnl_usdt", closed.PnLUSDT).
		Msg("close executed")
}

func (c *Core) journalTrade(p position.Position) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.journal.RecordTrade(ctx, db.TradeRecord{
		ID:         p.ID,
		Symbol:     p.Symbol,
		Mode:       p.Mode,
		EntryPrice: p.EntryPrice,
		ExitPrice:  p.CurrentPrice,
		Qty:        p.Qty,
		PnLUSDT:    p.PnLUSDT,
		PnLPercent: p.PnLPercent,
		ExitReason: p.ExitReason,
		OpenedAt:   time.Unix(int64(p.OpenedAt), 0),
		ClosedAt:   time.Unix(int64(p.ClosedAt), 0),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("journal trade failed")
	}
}

func (c *Core) openBotPositions() []position.Position {
	all := c.ledger.OpenPositions()
	out := all[:0]
	for _, p := range all {
		if p.Source == position.SourceBot && p.Status == position.StatusOpen {
			out = append(out, p)
		}
	}
	return out
}

func (c *Core) logEntryReject(symbol, code, extra string) {
	ev := c.log.Debug().Str("symbol", symbol).Str("code", code)
	if extra != "" {
		ev = ev.Str("detail", extra)
	}
	ev.Msg("entry rejected")
}
