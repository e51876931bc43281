package market

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spot-core/pkg/config"
)

func testMarketConfig() config.MarketData {
	return config.MarketData{
		KlineIntervals: []string{"15m", "1h"},
		HistoryLimit:   5,
		DataTimeoutSec: 60,
		WSBackoffSec:   []int{2, 5, 10, 15},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(testMarketConfig(), nil, false, zerolog.Nop())
}

func TestNormalizeSymbols(t *testing.T) {
	got := normalizeSymbols([]string{" btcusdt ", "ETHUSDT", "btcusdt", "", "solusdt"})
	want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestStreamsURLContainsAllStreams(t *testing.T) {
	m := newTestManager(t)
	m.UpdateSymbols([]string{"BTCUSDT", "ETHUSDT"})

	m.mu.Lock()
	url := m.streamsURL
	m.mu.Unlock()

	for _, want := range []string{
		"!ticker@arr",
		"btcusdt@kline_15m",
		"btcusdt@kline_1h",
		"ethusdt@kline_15m",
		"ethusdt@kline_1h",
	} {
		if !strings.Contains(url, want) {
			t.Fatalf("url %q missing %q", url, want)
		}
	}
	if !strings.HasPrefix(url, "wss://stream.binance.com:9443/stream?streams=") {
		t.Fatalf("unexpected base url: %q", url)
	}
}

func TestUpdateSymbolsNoopWhenUnchanged(t *testing.T) {
	m := newTestManager(t)
	m.UpdateSymbols([]string{"BTCUSDT"})

	m.mu.Lock()
	before := m.streamsURL
	m.mu.Unlock()

	m.UpdateSymbols([]string{"btcusdt "})

	m.mu.Lock()
	after := m.streamsURL
	forced := m.forceReopen
	m.mu.Unlock()

	if before != after || forced {
		t.Fatalf("unchanged watch set must be a no-op (forced=%v)", forced)
	}
}

func TestBackoffDelaySequence(t *testing.T) {
	m := newTestManager(t)
	cases := []struct {
		idx  int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 5 * time.Second},
		{3, 15 * time.Second},
		{7, 15 * time.Second}, // capped at the last entry
	}
	for _, tc := range cases {
		if got := m.backoffDelay(tc.idx); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tc.idx, got, tc.want)
		}
	}
}

func TestAdvanceAndResetBackoff(t *testing.T) {
	m := newTestManager(t)
	if got := m.advanceBackoff(); got != 0 {
		t.Fatalf("first advance = %d, want 0", got)
	}
	if got := m.advanceBackoff(); got != 1 {
		t.Fatalf("second advance = %d, want 1", got)
	}
	m.resetBackoff()
	if got := m.advanceBackoff(); got != 0 {
		t.Fatalf("advance after reset = %d, want 0", got)
	}
}

func TestApplyCandleReplaceAppendTrim(t *testing.T) {
	m := newTestManager(t)

	mk := func(openTime int64, close float64) Candle {
		return Candle{OpenTime: openTime, Close: close}
	}

	// In-progress candle updates replace the same bucket.
	m.applyCandle("BTCUSDT", "15m", mk(1000, 10))
	snapshot := m.applyCandle("BTCUSDT", "15m", mk(1000, 11))
	if len(snapshot) != 1 || snapshot[0].Close != 11 {
		t.Fatalf("snapshot = %v, want single candle closing 11", snapshot)
	}

	// A new bucket appends.
	snapshot = m.applyCandle("BTCUSDT", "15m", mk(2000, 12))
	if len(snapshot) != 2 {
		t.Fatalf("len = %d, want 2", len(snapshot))
	}

	// The window trims to the history limit.
	for i := int64(3); i <= 10; i++ {
		snapshot = m.applyCandle("BTCUSDT", "15m", mk(i*1000, float64(i)))
	}
	if len(snapshot) != 5 {
		t.Fatalf("len = %d, want history limit 5", len(snapshot))
	}
	if snapshot[0].OpenTime != 6000 || snapshot[4].OpenTime != 10000 {
		t.Fatalf("window = %v, want open times 6000..10000", snapshot)
	}

	// The listener snapshot is detached from the store.
	snapshot[0].Close = -1
	if stored := m.GetCandles("BTCUSDT", "15m"); stored[0].Close == -1 {
		t.Fatal("snapshot shares backing array with the store")
	}
}

func TestHandleTickerArrayFiltersWatchSet(t *testing.T) {
	m := newTestManager(t)
	m.UpdateSymbols([]string{"BTCUSDT"})

	var mu sync.Mutex
	var seen []string
	m.AddPriceListener("test", func(symbol string, price, changePct float64) {
		mu.Lock()
		seen = append(seen, symbol)
		mu.Unlock()
	})

	payload := `{"stream":"!ticker@arr","data":[` +
		`{"s":"BTCUSDT","c":"50123.4","P":"1.5"},` +
		`{"s":"ETHUSDT","c":"2500.0","P":"-0.3"},` +
		`{"s":"DOGEUSDT","c":"not-a-number","P":"0"}]}`
	m.handleMessage([]byte(payload))

	if price, ok := m.Price("BTCUSDT"); !ok || price != 50123.4 {
		t.Fatalf("price = %v/%v, want 50123.4", price, ok)
	}
	if change, ok := m.Change24h("btcusdt"); !ok || change != 1.5 {
		t.Fatalf("change = %v/%v, want 1.5", change, ok)
	}
	if _, ok := m.Price("ETHUSDT"); ok {
		t.Fatal("unwatched symbol must be ignored")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "BTCUSDT" {
		t.Fatalf("listener calls = %v, want [BTCUSDT]", seen)
	}
}

func TestHandleKline(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	var gotSymbol, gotInterval string
	var gotCandles []Candle
	m.AddCandleListener("test", func(symbol, interval string, candles []Candle) {
		mu.Lock()
		gotSymbol, gotInterval, gotCandles = symbol, interval, candles
		mu.Unlock()
	})

	payload := `{"stream":"btcusdt@kline_15m","data":{"k":{` +
		`"t":1700000000000,"T":1700000899999,` +
		`"o":"100.0","h":"105.0","l":"99.0","c":"104.0","v":"12.5","x":true}}}`
	m.handleMessage([]byte(payload))

	mu.Lock()
	defer mu.Unlock()
	if gotSymbol != "BTCUSDT" || gotInterval != "15m" {
		t.Fatalf("listener got %s/%s, want BTCUSDT/15m", gotSymbol, gotInterval)
	}
	if len(gotCandles) != 1 {
		t.Fatalf("candles = %v, want one", gotCandles)
	}
	c := gotCandles[0]
	if c.OpenTime != 1700000000000 || c.Open != 100 || c.High != 105 ||
		c.Low != 99 || c.Close != 104 || c.Volume != 12.5 || !c.IsClosed {
		t.Fatalf("candle = %+v", c)
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	m := newTestManager(t)
	for _, raw := range []string{
		"not json",
		`{"stream":"","data":{}}`,
		`{"stream":"btcusdt@depth","data":{}}`,
		`{"stream":"btcusdt@kline_15m","data":{"k":{"o":"bad"}}}`,
	} {
		m.handleMessage([]byte(raw))
	}
	if candles := m.GetCandles("BTCUSDT", "15m"); len(candles) != 0 {
		t.Fatalf("garbage produced candles: %v", candles)
	}
}

func TestWatchdogTick(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Before any data arrives the watchdog stays quiet.
	if stale := m.watchdogTick(false, now); stale {
		t.Fatal("watchdog must not trip before first message")
	}

	var mu sync.Mutex
	var transitions []ConnStatus
	m.AddConnListener("test", func(status ConnStatus) {
		mu.Lock()
		transitions = append(transitions, status)
		mu.Unlock()
	})

	m.lastData.Store(now.UnixNano())

	// Fresh data keeps the stream healthy.
	if stale := m.watchdogTick(false, now.Add(10*time.Second)); stale {
		t.Fatal("fresh data reported stale")
	}

	// Past the timeout the watchdog trips once.
	late := now.Add(61 * time.Second)
	if stale := m.watchdogTick(false, late); !stale {
		t.Fatal("stale data not detected")
	}
	if stale := m.watchdogTick(true, late.Add(time.Second)); !stale {
		t.Fatal("staleness must persist without new data")
	}

	// New data flips it back.
	m.lastData.Store(late.Add(2 * time.Second).UnixNano())
	if stale := m.watchdogTick(true, late.Add(3*time.Second)); stale {
		t.Fatal("recovery not detected")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []ConnStatus{StatusDisconnected, StatusConnected}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}
