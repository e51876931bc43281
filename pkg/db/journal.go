package db

import (
	"context"
	"fmt"
	"time"
)

// TradeRecord is one settled trade row.
type TradeRecord struct {
	ID         string
	Symbol     string
	Mode       string
	EntryPrice float64
	ExitPrice  float64
	Qty        float64
	PnLUSDT    float64
	PnLPercent float64
	ExitReason string
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// DailyLedgerRecord is one end-of-day capital snapshot.
type DailyLedgerRecord struct {
	Date            string
	StartEquity     float64
	RealizedPnL     float64
	CapitalUSDT     float64
	BotBalanceUSDT  float64
	ProfitSplitUSDT float64
}

// RecordTrade appends a settled trade to the journal.
func (d *Database) RecordTrade(ctx context.Context, t TradeRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades
			(id, symbol, mode, entry_price, exit_price, qty, pnl_usdt, pnl_percent, exit_reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Symbol, t.Mode, t.EntryPrice, t.ExitPrice, t.Qty, t.PnLUSDT, t.PnLPercent, t.ExitReason, t.OpenedAt, t.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecordDailyLedger upserts the capital snapshot for a date.
func (d *Database) RecordDailyLedger(ctx context.Context, r DailyLedgerRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO daily_ledger
			(date, start_equity, realized_pnl, capital_usdt, bot_balance_usdt, profit_split_usdt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			start_equity = excluded.start_equity,
			realized_pnl = excluded.realized_pnl,
			capital_usdt = excluded.capital_usdt,
			bot_balance_usdt = excluded.bot_balance_usdt,
			profit_split_usdt = excluded.profit_split_usdt
	`, r.Date, r.StartEquity, r.RealizedPnL, r.CapitalUSDT, r.BotBalanceUSDT, r.ProfitSplitUSDT)
	if err != nil {
		return fmt.Errorf("upsert daily ledger: %w", err)
	}
	return nil
}

// RecentTrades returns the most recently closed trades, newest first.
func (d *Database) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, mode, entry_price, exit_price, qty, pnl_usdt, pnl_percent, exit_reason, opened_at, closed_at
		FROM trades
		ORDER BY closed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Mode, &t.EntryPrice, &t.ExitPrice, &t.Qty,
			&t.PnLUSDT, &t.PnLPercent, &t.ExitReason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
