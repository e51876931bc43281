package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func sampleTrade(id string, closedAt time.Time) TradeRecord {
	return TradeRecord{
		ID:         id,
		Symbol:     "BTCUSDT",
		Mode:       "paper",
		EntryPrice: 100,
		ExitPrice:  103,
		Qty:        0.1,
		PnLUSDT:    0.3,
		PnLPercent: 3,
		ExitReason: "TP",
		OpenedAt:   closedAt.Add(-time.Hour),
		ClosedAt:   closedAt,
	}
}

func TestRecordAndListTrades(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"t1", "t2", "t3"} {
		trade := sampleTrade(id, base.Add(time.Duration(i)*time.Minute))
		if err := d.RecordTrade(ctx, trade); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	trades, err := d.RecentTrades(ctx, 2)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("len = %d, want 2", len(trades))
	}
	// Newest first.
	if trades[0].ID != "t3" || trades[1].ID != "t2" {
		t.Fatalf("order = %s,%s, want t3,t2", trades[0].ID, trades[1].ID)
	}
	if trades[0].Symbol != "BTCUSDT" || trades[0].ExitReason != "TP" {
		t.Fatalf("row = %+v", trades[0])
	}
	if got := trades[0].ClosedAt.UTC(); !got.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("closed_at = %v", got)
	}
}

func TestRecordTradeDuplicateIDFails(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	trade := sampleTrade("t1", time.Now().UTC())

	if err := d.RecordTrade(ctx, trade); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := d.RecordTrade(ctx, trade); err == nil {
		t.Fatal("duplicate id must fail")
	}
}

func TestRecordDailyLedgerUpserts(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	rec := DailyLedgerRecord{
		Date:           "2025-06-01",
		StartEquity:    1000,
		RealizedPnL:    10,
		CapitalUSDT:    105,
		BotBalanceUSDT: 55,
	}
	if err := d.RecordDailyLedger(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.RealizedPnL = 12
	rec.ProfitSplitUSDT = 6
	if err := d.RecordDailyLedger(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var pnl, split float64
	row := d.DB.QueryRowContext(ctx,
		`SELECT realized_pnl, profit_split_usdt FROM daily_ledger WHERE date = ?`, rec.Date)
	if err := row.Scan(&pnl, &split); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if pnl != 12 || split != 6 {
		t.Fatalf("row = %v/%v, want 12/6", pnl, split)
	}

	var count int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_ledger`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows = %d, want 1", count)
	}
}
