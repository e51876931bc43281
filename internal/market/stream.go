package market

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	watchdogInterval   = 2 * time.Second
)

// wsLoop keeps the combined stream connected until Stop. Each failed
// connection advances the backoff index; a successful connection or an
// explicit watch-set change resets it to zero.
func (m *Manager) wsLoop() {
	for m.isRunning() {
		m.mu.Lock()
		url := m.streamsURL
		idx := m.reconnectIdx
		stopCh := m.stopCh
		m.mu.Unlock()

		if idx > 0 {
			m.emitConn(StatusReconnecting)
		}

		err := m.connectAndRead(url)
		if !m.isRunning() {
			break
		}

		if m.takeForceReopen() {
			// Watch-set change, not a failure.
			m.resetBackoff()
			continue
		}

		delay := m.backoffDelay(m.advanceBackoff())
		if err != nil {
			m.log.Warn().Err(err).Dur("retry_in", delay).Msg("stream disconnected")
		} else {
			m.log.Warn().Dur("retry_in", delay).Msg("stream closed")
		}
		m.emitConn(StatusReconnecting)

		select {
		case <-time.After(delay):
		case <-stopCh:
			return
		}
	}
}

// connectAndRead dials the combined stream and pumps messages until the
// connection dies or the manager stops.
func (m *Manager) connectAndRead(url string) error {
	dialer := *m.dialer
	dialer.HandshakeTimeout = wsHandshakeTimeout

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.mu.Unlock()

	m.markData()
	m.resetBackoff()
	m.emitConn(StatusConnected)
	m.log.Info().Msg("stream connected")

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		m.markData()
		m.handleMessage(msg)
	}
}

func (m *Manager) backoffDelay(idx int) time.Duration {
	seq := m.cfg.WSBackoffSec
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return time.Duration(seq[idx]) * time.Second
}

// advanceBackoff returns the current index and increments it.
func (m *Manager) advanceBackoff() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.reconnectIdx
	m.reconnectIdx++
	return idx
}

func (m *Manager) resetBackoff() {
	m.mu.Lock()
	m.reconnectIdx = 0
	m.mu.Unlock()
}

func (m *Manager) takeForceReopen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	forced := m.forceReopen
	m.forceReopen = false
	return forced
}

func (m *Manager) markData() {
	m.lastData.Store(time.Now().UnixNano())
}

// ---------------------------
// Wire decoding
// ---------------------------

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tickerEntry struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	ChangePct string `json:"P"`
}

type klineMessage struct {
	Kline struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

func (m *Manager) handleMessage(raw []byte) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Stream == "" || msg.Data == nil {
		return
	}

	switch {
	case msg.Stream == "!ticker@arr":
		m.handleTickerArray(msg.Data)
	case strings.Contains(msg.Stream, "@kline_"):
		m.handleKline(msg.Stream, msg.Data)
	}
}

func (m *Manager) handleTickerArray(data json.RawMessage) {
	var entries []tickerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}

	m.mu.Lock()
	watchset := make(map[string]struct{}, len(m.symbols))
	for _, s := range m.symbols {
		watchset[s] = struct{}{}
	}
	m.mu.Unlock()

	for _, t := range entries {
		if t.Symbol == "" {
			continue
		}
		if _, watched := watchset[t.Symbol]; !watched {
			continue
		}
		price, err := strconv.ParseFloat(t.LastPrice, 64)
		if err != nil {
			continue
		}
		changePct, _ := strconv.ParseFloat(t.ChangePct, 64)

		m.mu.Lock()
		m.prices[t.Symbol] = price
		m.change24h[t.Symbol] = changePct
		m.mu.Unlock()

		m.emitPrice(t.Symbol, price, changePct)
	}
}

func (m *Manager) handleKline(stream string, data json.RawMessage) {
	symPart, interval, found := strings.Cut(stream, "@kline_")
	if !found {
		return
	}
	symbol := strings.ToUpper(symPart)

	var msg klineMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	k := msg.Kline
	open, err1 := strconv.ParseFloat(k.Open, 64)
	high, err2 := strconv.ParseFloat(k.High, 64)
	low, err3 := strconv.ParseFloat(k.Low, 64)
	closePx, err4 := strconv.ParseFloat(k.Close, 64)
	volume, err5 := strconv.ParseFloat(k.Volume, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return
	}

	candle := Candle{
		OpenTime:  k.OpenTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
		CloseTime: k.CloseTime,
		IsClosed:  k.IsClosed,
	}

	snapshot := m.applyCandle(symbol, interval, candle)
	m.emitCandles(symbol, interval, snapshot)
}

// applyCandle merges a live kline into the store: the in-progress candle for
// an open_time bucket is replaced in place, a new bucket is appended, and the
// window is trimmed to the history limit. Returns a copy for listeners.
func (m *Manager) applyCandle(symbol, interval string, candle Candle) []Candle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.klines[symbol] == nil {
		m.klines[symbol] = make(map[string][]Candle)
	}
	candles := m.klines[symbol][interval]

	if n := len(candles); n > 0 && candles[n-1].OpenTime == candle.OpenTime {
		candles[n-1] = candle
	} else {
		candles = append(candles, candle)
	}
	if limit := m.cfg.HistoryLimit; limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	m.klines[symbol][interval] = candles

	out := make([]Candle, len(candles))
	copy(out, candles)
	return out
}

// ---------------------------
// Watchdog
// ---------------------------

// watchdogLoop reports "disconnected" when no message has arrived for the
// configured timeout, independent of socket state, and "connected" once
// fresh data resumes.
func (m *Manager) watchdogLoop() {
	m.mu.Lock()
	stopCh := m.stopCh
	m.mu.Unlock()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	stale := false
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			stale = m.watchdogTick(stale, time.Now())
		}
	}
}

// watchdogTick evaluates data freshness and emits transitions. It returns
// the new staleness state.
func (m *Manager) watchdogTick(stale bool, now time.Time) bool {
	last := m.lastData.Load()
	if last == 0 {
		return stale
	}

	age := now.Sub(time.Unix(0, last))
	timeout := time.Duration(m.cfg.DataTimeoutSec) * time.Second

	if age > timeout {
		if !stale {
			m.log.Error().Dur("age", age).
				Msg("no market data, suspending new entries until data returns")
			m.emitConn(StatusDisconnected)
		}
		return true
	}
	if stale {
		m.log.Info().Msg("market data restored")
		m.emitConn(StatusConnected)
	}
	return false
}
