package market

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spot-core/pkg/config"
)

// HistoryProvider fetches historical klines over REST. The live stream never
// replays history, so indicators must be seeded before the first tick.
type HistoryProvider interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// PriceListener receives last-price updates from the ticker stream.
type PriceListener func(symbol string, price, changePct float64)

// CandleListener receives the full candle window after every kline update.
type CandleListener func(symbol, interval string, candles []Candle)

// ConnListener receives connection-state transitions.
type ConnListener func(status ConnStatus)

type namedPriceListener struct {
	name string
	fn   PriceListener
}

type namedCandleListener struct {
	name string
	fn   CandleListener
}

type namedConnListener struct {
	name string
	fn   ConnListener
}

// Manager owns the exchange stream: REST history preload, a multiplexed
// websocket combining the ticker-array stream with per-symbol kline streams,
// reconnect with backoff, a data watchdog, and the in-memory price/candle
// store. Listeners are invoked outside the lock and are best-effort.
type Manager struct {
	cfg     config.MarketData
	log     zerolog.Logger
	history HistoryProvider
	dialer  *websocket.Dialer
	baseURL string

	mu           sync.Mutex
	running      bool
	symbols      []string
	streamsURL   string
	reconnectIdx int
	forceReopen  bool
	conn         *websocket.Conn
	stopCh       chan struct{}

	prices    map[string]float64
	change24h map[string]float64
	klines    map[string]map[string][]Candle

	lastData atomic.Int64 // unix nanos of last received message

	preloadMu       sync.Mutex
	preloadInflight bool

	lmu             sync.RWMutex
	priceListeners  []namedPriceListener
	candleListeners []namedCandleListener
	connListeners   []namedConnListener
}

// NewManager builds a market data manager. The testnet flag switches the
// stream host.
func NewManager(cfg config.MarketData, history HistoryProvider, testnet bool, log zerolog.Logger) *Manager {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &Manager{
		cfg:       cfg,
		log:       log.With().Str("comp", "market").Logger(),
		history:   history,
		dialer:    websocket.DefaultDialer,
		baseURL:   "wss://" + host + "/stream?streams=",
		prices:    make(map[string]float64),
		change24h: make(map[string]float64),
		klines:    make(map[string]map[string][]Candle),
	}
}

// AddPriceListener registers a named price listener.
func (m *Manager) AddPriceListener(name string, fn PriceListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.priceListeners = append(m.priceListeners, namedPriceListener{name: name, fn: fn})
}

// AddCandleListener registers a named kline listener.
func (m *Manager) AddCandleListener(name string, fn CandleListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.candleListeners = append(m.candleListeners, namedCandleListener{name: name, fn: fn})
}

// AddConnListener registers a named connection-state listener.
func (m *Manager) AddConnListener(name string, fn ConnListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.connListeners = append(m.connListeners, namedConnListener{name: name, fn: fn})
}

// Start preloads history and opens the stream. It returns immediately; the
// preload and connection run on their own goroutines.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.reconnectIdx = 0
	m.forceReopen = false
	m.stopCh = make(chan struct{})
	m.rebuildStreamsURLLocked()
	m.mu.Unlock()

	go func() {
		m.PreloadHistory()
		go m.wsLoop()
		go m.watchdogLoop()
	}()

	m.log.Info().Msg("market data manager starting")
}

// Stop shuts the stream down. Safe to call from any goroutine, idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.emitConn(StatusDisconnected)
	m.log.Info().Msg("market data manager stopped")
}

// UpdateSymbols replaces the watch set. The combined stream is torn down and
// reopened rather than patched, and history is preloaded for new symbols.
func (m *Manager) UpdateSymbols(symbols []string) {
	cleaned := normalizeSymbols(symbols)

	m.mu.Lock()
	if equalSymbols(cleaned, m.symbols) {
		m.mu.Unlock()
		return
	}
	m.symbols = cleaned
	m.rebuildStreamsURLLocked()
	running := m.running
	m.forceReopen = running
	conn := m.conn
	m.mu.Unlock()

	if !running {
		return
	}

	go m.PreloadHistory()

	m.log.Info().Int("symbols", len(cleaned)).Msg("watchlist updated, reopening stream")
	if conn != nil {
		_ = conn.Close()
	}
}

// Symbols returns a copy of the current watch set.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.symbols))
	copy(out, m.symbols)
	return out
}

// Price returns the last known price for a symbol.
func (m *Manager) Price(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[strings.ToUpper(symbol)]
	return p, ok
}

// Change24h returns the 24h price change percentage for a symbol.
func (m *Manager) Change24h(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.change24h[strings.ToUpper(symbol)]
	return c, ok
}

// GetCandles returns a copy of the stored candles for (symbol, interval).
func (m *Manager) GetCandles(symbol, interval string) []Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	byInterval, ok := m.klines[strings.ToUpper(symbol)]
	if !ok {
		return nil
	}
	src := byInterval[interval]
	if src == nil {
		return nil
	}
	out := make([]Candle, len(src))
	copy(out, src)
	return out
}

// PreloadHistory fetches REST klines for every (symbol, interval) so that
// indicators are warm before the first live tick. Guarded against overlap.
func (m *Manager) PreloadHistory() {
	if m.history == nil || !m.isRunning() {
		return
	}

	m.preloadMu.Lock()
	if m.preloadInflight {
		m.preloadMu.Unlock()
		return
	}
	m.preloadInflight = true
	m.preloadMu.Unlock()

	defer func() {
		m.preloadMu.Lock()
		m.preloadInflight = false
		m.preloadMu.Unlock()
	}()

	m.mu.Lock()
	symbols := make([]string, len(m.symbols))
	copy(symbols, m.symbols)
	intervals := make([]string, len(m.cfg.KlineIntervals))
	copy(intervals, m.cfg.KlineIntervals)
	limit := m.cfg.HistoryLimit
	m.mu.Unlock()

	for _, sym := range symbols {
		if !m.isRunning() {
			return
		}
		for _, iv := range intervals {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			candles, err := m.history.Klines(ctx, sym, iv, limit)
			cancel()
			if err != nil {
				m.log.Warn().Err(err).Str("symbol", sym).Str("interval", iv).
					Msg("history preload failed")
				continue
			}

			m.mu.Lock()
			if m.klines[sym] == nil {
				m.klines[sym] = make(map[string][]Candle)
			}
			m.klines[sym][iv] = candles
			snapshot := make([]Candle, len(candles))
			copy(snapshot, candles)
			m.mu.Unlock()

			m.emitCandles(sym, iv, snapshot)
		}
	}
}

func (m *Manager) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) rebuildStreamsURLLocked() {
	streams := []string{"!ticker@arr"}
	for _, sym := range m.symbols {
		s := strings.ToLower(sym)
		for _, iv := range m.cfg.KlineIntervals {
			streams = append(streams, s+"@kline_"+iv)
		}
	}
	m.streamsURL = m.baseURL + strings.Join(streams, "/")
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

func equalSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// emitPrice invokes price listeners outside the lock; a failing listener
// never breaks the pipeline.
func (m *Manager) emitPrice(symbol string, price, changePct float64) {
	m.lmu.RLock()
	listeners := make([]namedPriceListener, len(m.priceListeners))
	copy(listeners, m.priceListeners)
	m.lmu.RUnlock()

	for _, l := range listeners {
		m.safeInvoke(l.name, func() { l.fn(symbol, price, changePct) })
	}
}

func (m *Manager) emitCandles(symbol, interval string, candles []Candle) {
	m.lmu.RLock()
	listeners := make([]namedCandleListener, len(m.candleListeners))
	copy(listeners, m.candleListeners)
	m.lmu.RUnlock()

	for _, l := range listeners {
		m.safeInvoke(l.name, func() { l.fn(symbol, interval, candles) })
	}
}

func (m *Manager) emitConn(status ConnStatus) {
	m.lmu.RLock()
	listeners := make([]namedConnListener, len(m.connListeners))
	copy(listeners, m.connListeners)
	m.lmu.RUnlock()

	for _, l := range listeners {
		m.safeInvoke(l.name, func() { l.fn(status) })
	}
}

// safeInvoke isolates listener failures, logging the listener's identity
// instead of silently swallowing the panic.
func (m *Manager) safeInvoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("listener", name).Interface("panic", r).
				Msg("listener failed")
		}
	}()
	fn()
}
