// Package exchange wraps the Binance spot REST API. Keyless clients serve
// the public market data endpoints only; account and order calls require a
// signed client.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spot-core/internal/market"
)

// BotOrderPrefix tags every client order ID this engine sends, so bot orders
// are distinguishable from manual ones in the account history.
const BotOrderPrefix = "BADR_BOT_"

// ErrNoAPIKeys is returned when a signed endpoint is called without keys.
var ErrNoAPIKeys = errors.New("binance api keys not configured")

var retryDelays = []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}

// Fill is the settled outcome of a market order.
type Fill struct {
	OrderID       int64
	ClientOrderID string
	Price         float64
	Qty           float64
	QuoteQty      float64
}

type symbolRules struct {
	stepSize    float64
	minQty      float64
	minNotional float64
}

// Client is the spot REST wrapper. All calls retry transient failures up to
// three times; API-level errors abort immediately since Binance will reject
// the same request again.
type Client struct {
	api     *binance.Client
	signed  bool
	timeout time.Duration
	log     zerolog.Logger

	mu    sync.RWMutex
	rules map[string]symbolRules
}

// NewClient builds a signed spot client. Testnet mode switches the global
// endpoint before the client is created.
func NewClient(apiKey, apiSecret string, useTestnet bool, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrNoAPIKeys
	}
	c := newClient(apiKey, apiSecret, useTestnet, timeout, log)
	c.signed = true
	return c, nil
}

// NewPublicClient builds an unsigned client for the public market data
// endpoints (klines, exchange info, ping). Signed calls return ErrNoAPIKeys
// without touching the network.
func NewPublicClient(useTestnet bool, timeout time.Duration, log zerolog.Logger) *Client {
	return newClient("", "", useTestnet, timeout, log)
}

func newClient(apiKey, apiSecret string, useTestnet bool, timeout time.Duration, log zerolog.Logger) *Client {
	binance.UseTestnet = useTestnet

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		api:     binance.NewClient(apiKey, apiSecret),
		timeout: timeout,
		log:     log.With().Str("comp", "exchange").Logger(),
		rules:   make(map[string]symbolRules),
	}
}

// Signed reports whether the client carries API keys for account and order
// endpoints.
func (c *Client) Signed() bool { return c.signed }

// Ping checks connectivity, and key validity via the signed account endpoint
// when keys are configured.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.api.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if !c.signed {
		return nil
	}
	if _, err := c.api.NewGetAccountService().Do(ctx); err != nil {
		return fmt.Errorf("account check: %w", err)
	}
	return nil
}

// Klines fetches historical candles. Implements market.HistoryProvider.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	var klines []*binance.Kline
	err := c.withRetry(ctx, "klines "+symbol, func(ctx context.Context) error {
		var err error
		klines, err = c.api.NewKlinesService().
			Symbol(strings.ToUpper(symbol)).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePx, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)
		out = append(out, market.Candle{
			OpenTime:  k.OpenTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    volume,
			CloseTime: k.CloseTime,
			IsClosed:  true,
		})
	}
	return out, nil
}

// FreeUSDT returns the free USDT balance on the spot account.
func (c *Client) FreeUSDT(ctx context.Context) (float64, error) {
	if !c.signed {
		return 0, ErrNoAPIKeys
	}
	var free float64
	err := c.withRetry(ctx, "account balance", func(ctx context.Context) error {
		acct, err := c.api.NewGetAccountService().Do(ctx)
		if err != nil {
			return err
		}
		for _, b := range acct.Balances {
			if b.Asset == "USDT" {
				free, _ = strconv.ParseFloat(b.Free, 64)
				return nil
			}
		}
		free = 0
		return nil
	})
	return free, err
}

// MarketBuy sends a market buy for the given base quantity and returns the
// average fill.
func (c *Client) MarketBuy(ctx context.Context, symbol string, qty float64) (Fill, error) {
	return c.marketOrder(ctx, symbol, binance.SideTypeBuy, qty)
}

// MarketSell sends a market sell for the given base quantity and returns
// the average fill.
func (c *Client) MarketSell(ctx context.Context, symbol string, qty float64) (Fill, error) {
	return c.marketOrder(ctx, symbol, binance.SideTypeSell, qty)
}

func (c *Client) marketOrder(ctx context.Context, symbol string, side binance.SideType, qty float64) (Fill, error) {
	if !c.signed {
		return Fill{}, ErrNoAPIKeys
	}
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" || qty <= 0 {
		return Fill{}, fmt.Errorf("invalid order %s qty=%f", symbol, qty)
	}
	cid := BotOrderPrefix + uuid.NewString()

	var resp *binance.CreateOrderResponse
	err := c.withRetry(ctx, fmt.Sprintf("order %s %s", sym, side), func(ctx context.Context) error {
		var err error
		resp, err = c.api.NewCreateOrderService().
			Symbol(sym).
			Side(side).
			Type(binance.OrderTypeMarket).
			Quantity(c.FormatQuantity(sym, qty)).
			NewClientOrderID(cid).
			Do(ctx)
		return err
	})
	if err != nil {
		return Fill{}, err
	}

	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)
	fill := Fill{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Qty:           executed,
		QuoteQty:      quote,
	}
	if executed > 0 {
		fill.Price = quote / executed
	}

	c.log.Info().Str("symbol", sym).Str("side", string(side)).
		Float64("qty", fill.Qty).Float64("avg_price", fill.Price).
		Str("client_order_id", fill.ClientOrderID).
		Msg("order filled")
	return fill, nil
}

// LoadExchangeInfo caches the LOT_SIZE and NOTIONAL filters so quantities
// can be normalized without a round trip per order.
func (c *Client) LoadExchangeInfo(ctx context.Context) error {
	var info *binance.ExchangeInfo
	err := c.withRetry(ctx, "exchange info", func(ctx context.Context) error {
		var err error
		info, err = c.api.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		r := symbolRules{}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				r.stepSize = filterFloat(f, "stepSize")
				r.minQty = filterFloat(f, "minQty")
			case "NOTIONAL", "MIN_NOTIONAL":
				r.minNotional = filterFloat(f, "minNotional")
			}
		}
		c.rules[s.Symbol] = r
	}
	c.log.Info().Int("symbols", len(c.rules)).Msg("exchange info loaded")
	return nil
}

func filterFloat(f map[string]interface{}, key string) float64 {
	s, ok := f[key].(string)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// NormalizeQuantity floors qty to the symbol's lot step and validates the
// exchange minimums. Returns an error when the resulting order would be
// rejected.
func (c *Client) NormalizeQuantity(symbol string, qty, price float64) (float64, error) {
	c.mu.RLock()
	r, ok := c.rules[strings.ToUpper(symbol)]
	c.mu.RUnlock()
	if !ok {
		return qty, nil
	}

	if r.stepSize > 0 {
		qty = math.Floor(qty/r.stepSize) * r.stepSize
	}
	if r.minQty > 0 && qty < r.minQty {
		return 0, fmt.Errorf("%s qty %.8f below exchange minimum %.8f", symbol, qty, r.minQty)
	}
	if r.minNotional > 0 && qty*price < r.minNotional {
		return 0, fmt.Errorf("%s notional %.2f below exchange minimum %.2f", symbol, qty*price, r.minNotional)
	}
	return qty, nil
}

// FormatQuantity renders qty with the precision implied by the lot step.
func (c *Client) FormatQuantity(symbol string, qty float64) string {
	c.mu.RLock()
	r, ok := c.rules[strings.ToUpper(symbol)]
	c.mu.RUnlock()

	decimals := 8
	if ok && r.stepSize > 0 {
		decimals = 0
		for step := r.stepSize; step < 1 && decimals < 8; step *= 10 {
			decimals++
		}
	}
	return strconv.FormatFloat(qty, 'f', decimals, 64)
}

// withRetry runs fn up to three times with increasing delays. A Binance API
// error aborts immediately: the exchange rejected the request and a replay
// would fail the same way.
func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < len(retryDelays); attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			c.log.Error().Int64("code", apiErr.Code).Str("op", op).
				Msg(apiErr.Message)
			return fmt.Errorf("%s: %w", op, err)
		}
		c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("request failed")

		if attempt < len(retryDelays)-1 {
			select {
			case <-time.After(retryDelays[attempt]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}
