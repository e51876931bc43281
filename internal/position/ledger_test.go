package position

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spot-core/internal/events"
	"spot-core/pkg/config"
)

type memStore struct {
	mu     sync.Mutex
	open   []Position
	closed []Position
	saves  int
}

func (m *memStore) SavePositions(open, closed []Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = open
	m.closed = closed
	m.saves++
	return nil
}

func testLimits() config.Risk {
	return config.Risk{
		TakeProfitPct: 3,
		StopLossPct:   2,
		UseTrailing:   true,
		TrailingSLPct: 1,
	}
}

func newTestLedger(t *testing.T) (*Ledger, *memStore) {
	t.Helper()
	store := &memStore{}
	l := NewLedger(nil, nil, testLimits(), store, events.NewBus(), zerolog.Nop())
	return l, store
}

func TestOpenAppliesRiskDefaults(t *testing.T) {
	l, store := newTestLedger(t)

	pos, err := l.Open(OpenParams{Symbol: "btcusdt", EntryPrice: 100, Qty: 0.5, Mode: "paper"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", pos.Symbol)
	}
	if pos.TPPrice != 103 {
		t.Fatalf("tp = %v, want 103", pos.TPPrice)
	}
	if pos.SLPrice != 98 {
		t.Fatalf("sl = %v, want 98", pos.SLPrice)
	}
	if !pos.UseTrailing || pos.TrailingSLPct != 1 {
		t.Fatalf("trailing = %v/%v, want true/1", pos.UseTrailing, pos.TrailingSLPct)
	}
	if pos.PeakPrice != 100 || pos.CurrentPrice != 100 {
		t.Fatalf("peak/current = %v/%v, want 100/100", pos.PeakPrice, pos.CurrentPrice)
	}
	if pos.ID == "" {
		t.Fatal("expected a generated position id")
	}
	if store.saves == 0 {
		t.Fatal("open must persist")
	}
}

func TestOpenRejectsInvalidAndDuplicate(t *testing.T) {
	l, _ := newTestLedger(t)

	if _, err := l.Open(OpenParams{Symbol: "", EntryPrice: 100, Qty: 1}); err == nil {
		t.Fatal("expected error for empty symbol")
	}
	if _, err := l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 0, Qty: 1}); err == nil {
		t.Fatal("expected error for zero price")
	}

	if _, err := l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 100, Qty: 1}); err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err := l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 100, Qty: 1})
	if !errors.Is(err, ErrDuplicateSymbol) {
		t.Fatalf("err = %v, want ErrDuplicateSymbol", err)
	}

	// Manual positions are exempt from the bot duplicate rule.
	if _, err := l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 100, Qty: 1, Source: SourceManual}); err != nil {
		t.Fatalf("manual open: %v", err)
	}
}

func TestUpdatePriceComputesPnL(t *testing.T) {
	l, _ := newTestLedger(t)
	pos, _ := l.Open(OpenParams{Symbol: "ETHUSDT", EntryPrice: 2000, Qty: 0.25})

	l.UpdatePrice("ETHUSDT", 2100)

	got, ok := l.Get(pos.ID)
	if !ok {
		t.Fatal("position disappeared")
	}
	if got.PnLUSDT != 25 {
		t.Fatalf("pnl_usdt = %v, want 25", got.PnLUSDT)
	}
	if got.PnLPercent != 5 {
		t.Fatalf("pnl_percent = %v, want 5", got.PnLPercent)
	}
}

func TestTrailingStopRatchetsUpOnly(t *testing.T) {
	l, _ := newTestLedger(t)
	pos, _ := l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 100, Qty: 1})

	initial, _ := l.Get(pos.ID)
	if initial.SLPrice != 98 {
		t.Fatalf("initial sl = %v, want 98", initial.SLPrice)
	}

	// New peak lifts the stop to price*(1-1%).
	l.UpdatePrice("BTCUSDT", 110)
	lifted, _ := l.Get(pos.ID)
	if lifted.PeakPrice != 110 {
		t.Fatalf("peak = %v, want 110", lifted.PeakPrice)
	}
	if want := 110 * 0.99; lifted.SLPrice != want {
		t.Fatalf("sl = %v, want %v", lifted.SLPrice, want)
	}

	// A pullback must never lower the stop.
	l.UpdatePrice("BTCUSDT", 105)
	after, _ := l.Get(pos.ID)
	if after.SLPrice != lifted.SLPrice {
		t.Fatalf("sl moved down: %v -> %v", lifted.SLPrice, after.SLPrice)
	}
	if after.PeakPrice != 110 {
		t.Fatalf("peak = %v, want 110 after pullback", after.PeakPrice)
	}
}

func TestCheckExitRecommendations(t *testing.T) {
	l, _ := newTestLedger(t)
	pos, _ := l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 100, Qty: 1})

	if recs := l.CheckExitRecommendations("BTCUSDT", 101, true); len(recs) != 0 {
		t.Fatalf("unexpected recommendations: %v", recs)
	}

	// TP crossed.
	recs := l.CheckExitRecommendations("BTCUSDT", 103.5, true)
	if len(recs) != 1 || recs[0].Reason != ExitTakeProfit || recs[0].PositionID != pos.ID {
		t.Fatalf("recs = %v, want one TP for %s", recs, pos.ID)
	}

	// SL crossed reports TRAILING_SL while trailing is armed.
	recs = l.CheckExitRecommendations("BTCUSDT", 97, true)
	if len(recs) != 1 || recs[0].Reason != ExitTrailing {
		t.Fatalf("recs = %v, want one TRAILING_SL", recs)
	}
	recs = l.CheckExitRecommendations("BTCUSDT", 97, false)
	if len(recs) != 1 || recs[0].Reason != ExitStopLoss {
		t.Fatalf("recs = %v, want one SL with trailing disallowed", recs)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	l, store := newTestLedger(t)
	pos, _ := l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 100, Qty: 2})

	closed, ok := l.Close(pos.ID, 105, ExitTakeProfit, time.Now())
	if !ok {
		t.Fatal("close failed")
	}
	if closed.PnLUSDT != 10 {
		t.Fatalf("pnl = %v, want 10", closed.PnLUSDT)
	}
	if closed.Status != StatusClosed || closed.ExitReason != ExitTakeProfit {
		t.Fatalf("status/reason = %v/%v", closed.Status, closed.ExitReason)
	}

	if _, ok := l.Get(pos.ID); ok {
		t.Fatal("closed position still listed as open")
	}
	if got := l.ClosedPositions(); len(got) != 1 || got[0].ID != pos.ID {
		t.Fatalf("closed list = %v", got)
	}

	// Second close is a no-op.
	if _, ok := l.Close(pos.ID, 110, ExitManual, time.Now()); ok {
		t.Fatal("double close must fail")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.open) != 0 || len(store.closed) != 1 {
		t.Fatalf("persisted open/closed = %d/%d, want 0/1", len(store.open), len(store.closed))
	}
}

func TestManualPositionsNotClosable(t *testing.T) {
	l, _ := newTestLedger(t)
	pos, _ := l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 100, Qty: 1, Source: SourceManual})

	if _, ok := l.Close(pos.ID, 105, ExitManual, time.Now()); ok {
		t.Fatal("manual positions must not be closable")
	}
	if recs := l.CheckExitRecommendations("BTCUSDT", 200, true); len(recs) != 0 {
		t.Fatalf("manual positions must not get exit recommendations: %v", recs)
	}
}

func TestCounters(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 100, Qty: 1})
	l.Open(OpenParams{Symbol: "ETHUSDT", EntryPrice: 2000, Qty: 0.1})
	l.Open(OpenParams{Symbol: "BTCUSDT", EntryPrice: 100, Qty: 5, Source: SourceManual})

	total, onSymbol := l.OpenBotCount("BTCUSDT")
	if total != 2 || onSymbol != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", total, onSymbol)
	}
	if used := l.UsedBotBalance(); used != 300 {
		t.Fatalf("used balance = %v, want 300", used)
	}
	if !l.HasOpenBotPosition("ethusdt") {
		t.Fatal("expected open bot position on ETHUSDT")
	}
}
