package strategy

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"spot-core/internal/events"
	"spot-core/internal/indicators"
	"spot-core/internal/market"
	"spot-core/pkg/config"
)

// Signal is the discrete recommendation attached to a scored output.
type Signal string

const (
	SignalEntry Signal = "ENTRY"
	SignalExit  Signal = "EXIT"
	SignalHold  Signal = "HOLD"
)

// Components breaks the blended score down by sub-score.
type Components struct {
	Momentum   float64 `json:"momentum"`
	Trend      float64 `json:"trend"`
	Volatility float64 `json:"volatility"`
	Liquidity  float64 `json:"liquidity"`
}

// Details carries the indicator snapshot behind an output, for the API and
// for operators auditing why a signal fired.
type Details struct {
	RSI      float64 `json:"rsi"`
	RSIState string  `json:"rsi_state"`

	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	MACDState  string  `json:"macd_state"`

	EMAFast  float64 `json:"ema_fast"`
	EMASlow  float64 `json:"ema_slow"`
	EMAState string  `json:"ema_state"`

	BBUpper float64 `json:"bb_upper"`
	BBMid   float64 `json:"bb_mid"`
	BBLower float64 `json:"bb_lower"`
	BBState string  `json:"bb_state"`

	Trend1H    string     `json:"trend_1h"`
	Components Components `json:"score_components"`
}

// Output is one scored evaluation of a symbol on the base interval.
type Output struct {
	Symbol  string  `json:"symbol"`
	Score   float64 `json:"score"`
	Signal  Signal  `json:"signal"`
	Details Details `json:"details"`
}

// Engine converts candle windows into scored outputs. It is driven by the
// market manager's candle callbacks and keeps only the latest output per
// symbol.
type Engine struct {
	cfg config.Strategy
	bus *events.Bus
	log zerolog.Logger

	minHistory int

	mu      sync.RWMutex
	outputs map[string]Output
	trend1h map[string]string
}

func NewEngine(cfg config.Strategy, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		bus:        bus,
		log:        log.With().Str("comp", "strategy").Logger(),
		minHistory: minHistory(cfg),
		outputs:    make(map[string]Output),
		trend1h:    make(map[string]string),
	}
}

// minHistory is the shortest candle window every indicator can be computed
// from, floored at 40 so volume and trend context stay meaningful.
func minHistory(cfg config.Strategy) int {
	n := cfg.RSIPeriod + 1
	for _, v := range []int{
		cfg.BBPeriod,
		cfg.MACDSlow + cfg.MACDSignal + 5,
		cfg.EMASlow,
		40,
	} {
		if v > n {
			n = v
		}
	}
	return n
}

// OnCandleUpdate scores a symbol from its candle window. A 1h window only
// refreshes the higher-timeframe trend label; intervals other than the base
// interval are ignored.
func (e *Engine) OnCandleUpdate(symbol, interval string, candles []market.Candle) {
	if !e.cfg.Enabled || len(candles) == 0 {
		return
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.ToLower(interval)

	closes := make([]float64, len(candles))
	vols := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		vols[i] = c.Volume
	}

	if len(closes) < e.minHistory {
		return
	}

	lastClose := closes[len(closes)-1]

	rsi, rsiOK := indicators.RSI(closes, e.cfg.RSIPeriod)
	emaFast, emaFastOK := indicators.EMA(closes, e.cfg.EMAFast)
	emaSlow, emaSlowOK := indicators.EMA(closes, e.cfg.EMASlow)
	macd, macdSig, macdHist, macdOK := indicators.MACD(closes, e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
	bbUpper, bbMid, bbLower, bbOK := indicators.Bollinger(closes, e.cfg.BBPeriod, e.cfg.BBStdDev)

	if interval == "1h" || interval == "60m" {
		ref := lastClose
		if emaFastOK {
			ref = emaFast
		}
		e.mu.Lock()
		e.trend1h[symbol] = describeTrend(lastClose, ref)
		e.mu.Unlock()
		return
	}
	if interval != strings.ToLower(e.cfg.BaseInterval) {
		return
	}

	comp := Components{
		Momentum:   scoreMomentum(rsi, rsiOK, macdHist, macdOK),
		Trend:      scoreTrend(lastClose, emaFast, emaSlow, emaFastOK && emaSlowOK),
		Volatility: scoreVolatility(lastClose, bbUpper, bbLower, bbOK),
		Liquidity:  scoreVolume(vols),
	}

	w := e.cfg.Weights
	wSum := w.Momentum + w.Trend + w.Volatility + w.Liquidity
	if wSum <= 0 {
		wSum = 1
	}
	score := comp.Momentum*(w.Momentum/wSum) +
		comp.Trend*(w.Trend/wSum) +
		comp.Volatility*(w.Volatility/wSum) +
		comp.Liquidity*(w.Liquidity/wSum)
	score = clamp(score, 0, 100)

	signal := SignalHold
	switch {
	case score >= e.cfg.EntryThreshold:
		signal = SignalEntry
	case score <= e.cfg.ExitThreshold && e.cfg.SmartExit:
		signal = SignalExit
	}

	e.mu.Lock()
	trend1h, ok := e.trend1h[symbol]
	if !ok {
		trend1h = "--"
	}
	out := Output{
		Symbol: symbol,
		Score:  score,
		Signal: signal,
		Details: Details{
			RSI:        rsi,
			RSIState:   describeRSI(rsi, rsiOK),
			MACD:       macd,
			MACDSignal: macdSig,
			MACDHist:   macdHist,
			MACDState:  describeMACD(macd, macdSig, macdHist, macdOK),
			EMAFast:    emaFast,
			EMASlow:    emaSlow,
			EMAState:   describeEMA(lastClose, emaFast, emaSlow, emaFastOK && emaSlowOK),
			BBUpper:    bbUpper,
			BBMid:      bbMid,
			BBLower:    bbLower,
			BBState:    describeBB(lastClose, bbUpper, bbLower, bbOK),
			Trend1H:    trend1h,
			Components: comp,
		},
	}
	e.outputs[symbol] = out
	e.mu.Unlock()

	e.bus.Publish(events.EventSignal, out)
}

// Outputs returns a copy of the latest output per symbol.
func (e *Engine) Outputs() map[string]Output {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Output, len(e.outputs))
	for k, v := range e.outputs {
		out[k] = v
	}
	return out
}

// Output returns the latest output for a symbol, if any.
func (e *Engine) Output(symbol string) (Output, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out, ok := e.outputs[strings.ToUpper(strings.TrimSpace(symbol))]
	return out, ok
}

// Clear drops all cached outputs and trend labels, used when the watch set
// changes wholesale.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.outputs = make(map[string]Output)
	e.trend1h = make(map[string]string)
	e.mu.Unlock()
}

// ---------------------------
// Scoring
// ---------------------------

func scoreMomentum(rsi float64, rsiOK bool, macdHist float64, macdOK bool) float64 {
	base := 50.0
	if rsiOK {
		switch {
		case rsi >= 50 && rsi <= 65:
			base += 20
		case rsi > 65 && rsi <= 75:
			base += 10
		case rsi < 35:
			base -= 10
		case rsi > 80:
			base -= 5
		}
	}
	if macdOK {
		if macdHist > 0 {
			base += 15
		} else {
			base -= 10
		}
	}
	return clamp(base, 0, 100)
}

func scoreTrend(price, emaFast, emaSlow float64, ok bool) float64 {
	if !ok || emaFast == 0 || emaSlow == 0 {
		return 50
	}
	base := 50.0
	switch {
	case emaFast > emaSlow && price > emaFast:
		base += 25
	case emaFast > emaSlow:
		base += 15
	case emaFast < emaSlow && price < emaFast:
		base -= 20
	default:
		base -= 10
	}
	return clamp(base, 0, 100)
}

func scoreVolatility(price, bbUpper, bbLower float64, ok bool) float64 {
	if !ok || bbUpper <= bbLower {
		return 50
	}
	pos := (price - bbLower) / (bbUpper - bbLower)
	switch {
	case pos >= 0.35 && pos <= 0.65:
		return 70
	case (pos >= 0.2 && pos < 0.35) || (pos > 0.65 && pos <= 0.8):
		return 55
	default:
		return 40
	}
}

// scoreVolume rates the last candle's volume against its 20-candle average.
func scoreVolume(vols []float64) float64 {
	if len(vols) == 0 {
		return 50
	}
	last := vols[len(vols)-1]
	window := vols
	if len(vols) > 20 {
		window = vols[len(vols)-20:]
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	avg := sum / float64(len(window))
	if avg <= 0 {
		return 50
	}
	ratio := last / avg
	return clamp(50+(ratio-1)*40, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ---------------------------
// State labels
// ---------------------------

func describeRSI(rsi float64, ok bool) string {
	switch {
	case !ok:
		return "--"
	case rsi >= 70:
		return "Overbought"
	case rsi <= 30:
		return "Oversold"
	case rsi >= 55:
		return "Bullish"
	case rsi <= 45:
		return "Bearish"
	default:
		return "Neutral"
	}
}

func describeMACD(macd, sig, hist float64, ok bool) string {
	switch {
	case !ok:
		return "--"
	case hist > 0 && macd > sig:
		return "Bullish"
	case hist < 0 && macd < sig:
		return "Bearish"
	default:
		return "Neutral"
	}
}

func describeEMA(price, emaFast, emaSlow float64, ok bool) string {
	switch {
	case !ok:
		return "--"
	case price > emaFast && emaFast > emaSlow:
		return "Bull Trend"
	case price < emaFast && emaFast < emaSlow:
		return "Bear Trend"
	case emaFast > emaSlow:
		return "Rising"
	default:
		return "Falling"
	}
}

func describeBB(price, upper, lower float64, ok bool) string {
	switch {
	case !ok:
		return "--"
	case price >= upper:
		return "Upper Break"
	case price <= lower:
		return "Lower Break"
	default:
		return "Inside"
	}
}

func describeTrend(price, ema float64) string {
	if price >= ema {
		return "UP"
	}
	return "DOWN"
}
