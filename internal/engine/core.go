package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"spot-core/internal/decision"
	"spot-core/internal/events"
	"spot-core/internal/exchange"
	"spot-core/internal/market"
	"spot-core/internal/position"
	"spot-core/internal/risk"
	"spot-core/internal/state"
	"spot-core/internal/strategy"
	"spot-core/pkg/config"
	"spot-core/pkg/db"
)

// Status is the engine's lifecycle state. PROTECTED means the engine is
// running but market data has gone stale, so new entries are suppressed
// while exits keep working against the last known prices.
type Status string

const (
	StatusStopped   Status = "STOPPED"
	StatusRunning   Status = "RUNNING"
	StatusProtected Status = "PROTECTED"
)

// RuntimeStats is the periodic snapshot published on the bus.
type RuntimeStats struct {
	Status           Status  `json:"status"`
	PaperMode        bool    `json:"paper_mode"`
	Equity           float64 `json:"equity"`
	DailyPnLUSDT     float64 `json:"daily_pnl_usdt"`
	DailyPnLPct      float64 `json:"daily_pnl_pct"`
	Protected        bool    `json:"protected"`
	AccountUSDTFree  float64 `json:"account_usdt_free"`
	AccountTotalUSDT float64 `json:"account_total_usdt"`
	MaxBotBalance    float64 `json:"max_bot_balance"`
	PaperBalanceUSDT float64 `json:"paper_balance_usdt"`
	CapitalUSDT      float64 `json:"capital_usdt"`
	BotBalanceUSDT   float64 `json:"bot_balance_usdt"`
	OpenPositions    int     `json:"open_positions"`
}

// MarketData is the slice of the market manager the engine drives: stream
// lifecycle, the watch set, and last prices.
type MarketData interface {
	Start()
	Stop()
	UpdateSymbols(symbols []string)
	Price(symbol string) (float64, bool)
}

// Core drives the trading loop: rollover, balance refresh, decision
// evaluation, and order execution. Everything else only advises; Core is
// the single writer of trades.
type Core struct {
	cfg     *config.Config
	log     zerolog.Logger
	bus     *events.Bus
	store   *state.Store
	ledger  *position.Ledger
	riskG   *risk.Gate
	decider *decision.Gate
	signals *strategy.Engine
	mkt     MarketData
	exch    *exchange.Client
	journal *db.Database

	acctLimiter *rate.Limiter
	now         func() time.Time

	mu           sync.Mutex
	status       Status
	paperMode    bool
	stopCh       chan struct{}
	accountFree  float64
	accountTotal float64
}

func NewCore(
	cfg *config.Config,
	store *state.Store,
	ledger *position.Ledger,
	riskG *risk.Gate,
	decider *decision.Gate,
	signals *strategy.Engine,
	mkt MarketData,
	exch *exchange.Client,
	journal *db.Database,
	bus *events.Bus,
	log zerolog.Logger,
) *Core {
	refresh := time.Duration(cfg.Binance.AccountRefreshSec) * time.Second
	if refresh <= 0 {
		refresh = 150 * time.Second
	}
	return &Core{
		cfg:         cfg,
		log:         log.With().Str("comp", "engine").Logger(),
		bus:         bus,
		store:       store,
		ledger:      ledger,
		riskG:       riskG,
		decider:     decider,
		signals:     signals,
		mkt:         mkt,
		exch:        exch,
		journal:     journal,
		acctLimiter: rate.NewLimiter(rate.Every(refresh), 1),
		now:         time.Now,
		status:      StatusStopped,
		paperMode:   cfg.PaperMode(),
	}
}

// Status returns the current lifecycle state.
func (c *Core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// PaperMode reports whether trades settle against the paper balance.
func (c *Core) PaperMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paperMode
}

// Start launches the polling loop and the market stream for the persisted
// watchlist. Calling Start on a running engine is a no-op.
func (c *Core) Start() {
	c.mu.Lock()
	if c.status != StatusStopped {
		c.mu.Unlock()
		return
	}
	c.status = StatusRunning
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.decider.ResetWarmup()

	doc := c.store.Snapshot()
	c.mkt.UpdateSymbols(doc.Watchlist)
	c.mkt.Start()

	_ = c.store.Update(func(d *state.Document) { d.BotStatus = string(StatusRunning) })
	c.publishStatus()
	c.log.Info().Strs("watchlist", doc.Watchlist).Msg("engine started")

	go c.run(stopCh)
}

// Stop halts the loop and the market stream. Open positions stay open.
func (c *Core) Stop() {
	c.mu.Lock()
	if c.status == StatusStopped {
		c.mu.Unlock()
		return
	}
	c.status = StatusStopped
	close(c.stopCh)
	c.mu.Unlock()

	c.mkt.Stop()
	_ = c.store.Update(func(d *state.Document) { d.BotStatus = string(StatusStopped) })
	c.publishStatus()
	c.log.Info().Msg("engine stopped")
}

// SetPaperMode switches settlement mode and refreshes balances. Switching
// while positions are open is allowed; existing positions keep the mode
// they were opened with.
func (c *Core) SetPaperMode(paper bool) {
	c.mu.Lock()
	c.paperMode = paper
	c.mu.Unlock()

	c.refreshBalances(true)
	c.publishStatus()
	c.log.Info().Bool("paper", paper).Msg("trading mode changed")
}

// OnConnState reacts to the market watchdog: stale data flips a running
// engine into PROTECTED, fresh data flips it back.
func (c *Core) OnConnState(status market.ConnStatus) {
	c.mu.Lock()
	switch {
	case status == market.StatusDisconnected && c.status == StatusRunning:
		c.status = StatusProtected
	case status == market.StatusConnected && c.status == StatusProtected:
		c.status = StatusRunning
	default:
		c.mu.Unlock()
		return
	}
	newStatus := c.status
	c.mu.Unlock()

	_ = c.store.Update(func(d *state.Document) { d.BotStatus = string(newStatus) })
	c.publishStatus()
	c.log.Warn().Str("status", string(newStatus)).Msg("engine protection state changed")
}

func (c *Core) run(stopCh chan struct{}) {
	poll := time.Duration(c.cfg.Engine.PollIntervalSec * float64(time.Second))
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick is one loop pass. Rollover runs first so a day boundary is settled
// before any new trade can touch today's PnL.
func (c *Core) tick() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("engine tick recovered")
		}
	}()

	c.ensureDailyRollover()

	if st := c.Status(); st != StatusRunning && st != StatusProtected {
		return
	}

	c.refreshBalances(false)

	for sym := range c.signals.Outputs() {
		c.applyDecision(c.decider.Evaluate(sym))
	}

	c.publishRuntimeStats()
}

// ---------------- Daily rollover + profit split ----------------

// ensureDailyRollover settles the previous day exactly once when the date
// changes, then resets the daily counters.
func (c *Core) ensureDailyRollover() {
	today := c.now().Format("2006-01-02")
	doc := c.store.Snapshot()

	if doc.DailyDate == "" {
		_ = c.store.Update(func(d *state.Document) {
			d.DailyDate = today
			d.DailyStartEquity = c.cfg.Risk.MaxBotBalance
		})
		return
	}
	if doc.DailyDate == today {
		return
	}

	c.applyDailyProfitSplit(doc)

	_ = c.store.Update(func(d *state.Document) {
		d.RealizedPnLToday = 0
		d.DailyDate = today
		d.DailyStartEquity = c.cfg.Risk.MaxBotBalance
	})
}

// applyDailyProfitSplit distributes the closed day's realized PnL: half of
// a profit goes to the bot balance and half to capital, a loss is absorbed
// entirely by capital. last_profit_split_date makes the split idempotent
// across restarts.
func (c *Core) applyDailyProfitSplit(doc state.Document) {
	prevDate := doc.DailyDate
	if prevDate == "" || doc.LastProfitSplitDate == prevDate {
		return
	}

	pnl := doc.RealizedPnLToday
	capital := doc.CapitalUSDT
	botBal := doc.BotBalanceUSDT
	var split float64

	if pnl > 0 {
		split = pnl * 0.5
		botBal += split
		capital += split
	} else if pnl < 0 {
		capital += pnl
	}

	_ = c.store.Update(func(d *state.Document) {
		d.CapitalUSDT = capital
		d.BotBalanceUSDT = botBal
		d.LastProfitSplitDate = prevDate
	})

	if c.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.journal.RecordDailyLedger(ctx, db.DailyLedgerRecord{
			Date:            prevDate,
			StartEquity:     doc.DailyStartEquity,
			RealizedPnL:     pnl,
			CapitalUSDT:     capital,
			BotBalanceUSDT:  botBal,
			ProfitSplitUSDT: split,
		})
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Msg("journal daily ledger failed")
		}
	}

	c.log.Info().Str("date", prevDate).Float64("pnl", pnl).
		Float64("capital", capital).Float64("bot_balance", botBal).
		Msg("daily profit split applied")
	c.bus.Publish(events.EventNotification, events.Notification{
		Text: "Daily close " + prevDate + ": realized PnL settled, balances updated.",
	})
}

// ---------------- Balances ----------------

// refreshBalances updates the cached USDT view. Live account fetches are
// rate limited; force bypasses the limiter for mode switches.
func (c *Core) refreshBalances(force bool) {
	if c.PaperMode() {
		doc := c.store.Snapshot()
		c.mu.Lock()
		c.accountFree = doc.PaperBalanceUSDT
		c.accountTotal = doc.PaperBalanceUSDT
		c.mu.Unlock()
		return
	}

	if c.exch == nil {
		c.mu.Lock()
		c.accountFree, c.accountTotal = 0, 0
		c.mu.Unlock()
		return
	}
	if !force && !c.acctLimiter.Allow() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	free, err := c.exch.FreeUSDT(ctx)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("account balance refresh failed")
		return
	}
	c.mu.Lock()
	c.accountFree = free
	c.accountTotal = free
	c.mu.Unlock()
}

// ---------------- Watchlist ----------------

// SetWatchlist replaces the watched symbols; the stream reopens and stale
// strategy outputs are dropped.
func (c *Core) SetWatchlist(symbols []string) []string {
	cleaned := make([]string, 0, len(symbols))
	seen := make(map[string]struct{})
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		cleaned = append(cleaned, sym)
	}

	_ = c.store.Update(func(d *state.Document) { d.Watchlist = cleaned })
	c.mkt.UpdateSymbols(cleaned)
	c.signals.Clear()
	c.log.Info().Strs("watchlist", cleaned).Msg("watchlist updated")
	return cleaned
}

// AddSymbol appends one symbol to the watchlist.
func (c *Core) AddSymbol(symbol string) []string {
	doc := c.store.Snapshot()
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return doc.Watchlist
	}
	for _, s := range doc.Watchlist {
		if s == sym {
			return doc.Watchlist
		}
	}
	return c.SetWatchlist(append(doc.Watchlist, sym))
}

// RemoveSymbol drops one symbol from the watchlist.
func (c *Core) RemoveSymbol(symbol string) []string {
	doc := c.store.Snapshot()
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	out := make([]string, 0, len(doc.Watchlist))
	for _, s := range doc.Watchlist {
		if s != sym {
			out = append(out, s)
		}
	}
	return c.SetWatchlist(out)
}

// Watchlist returns the persisted watch set.
func (c *Core) Watchlist() []string {
	return c.store.Snapshot().Watchlist
}

// ---------------- Emitters ----------------

func (c *Core) publishStatus() {
	c.mu.Lock()
	status, paper := c.status, c.paperMode
	c.mu.Unlock()
	c.bus.Publish(events.EventStatusChange, events.StatusChange{
		Status:    string(status),
		PaperMode: paper,
	})
}

func (c *Core) publishRuntimeStats() {
	c.bus.Publish(events.EventRuntimeStats, c.RuntimeStats())
}

// RuntimeStats assembles the current snapshot.
func (c *Core) RuntimeStats() RuntimeStats {
	doc := c.store.Snapshot()

	c.mu.Lock()
	status, paper := c.status, c.paperMode
	free, total := c.accountFree, c.accountTotal
	c.mu.Unlock()

	equity := total
	if paper {
		equity = doc.PaperBalanceUSDT
	}
	maxBal := c.cfg.Risk.MaxBotBalance
	pnlPct := 0.0
	if maxBal > 0 {
		pnlPct = doc.RealizedPnLToday / maxBal * 100
	}

	return RuntimeStats{
		Status:           status,
		PaperMode:        paper,
		Equity:           equity,
		DailyPnLUSDT:     doc.RealizedPnLToday,
		DailyPnLPct:      pnlPct,
		Protected:        status == StatusProtected,
		AccountUSDTFree:  free,
		AccountTotalUSDT: total,
		MaxBotBalance:    maxBal,
		PaperBalanceUSDT: doc.PaperBalanceUSDT,
		CapitalUSDT:      doc.CapitalUSDT,
		BotBalanceUSDT:   doc.BotBalanceUSDT,
		OpenPositions:    len(c.ledger.OpenPositions()),
	}
}
