package position

// Source marks who opened a position. Manual positions mirror holdings the
// operator bought outside the engine and are display-only.
const (
	SourceBot    = "bot"
	SourceManual = "manual"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Exit reasons attached to closed positions.
const (
	ExitTakeProfit = "TP"
	ExitStopLoss   = "SL"
	ExitTrailing   = "TRAILING_SL"
	ExitSignal     = "STRATEGY_EXIT"
	ExitManual     = "MANUAL"
)

// Position is a single long spot holding. Prices and PnL are quoted in USDT.
type Position struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Source        string  `json:"source"`
	EntryPrice    float64 `json:"entry_price"`
	Qty           float64 `json:"qty"`
	CurrentPrice  float64 `json:"current_price"`
	PnLUSDT       float64 `json:"pnl_usdt"`
	PnLPercent    float64 `json:"pnl_percent"`
	TPPrice       float64 `json:"tp_price,omitempty"`
	SLPrice       float64 `json:"sl_price,omitempty"`
	UseTrailing   bool    `json:"use_trailing"`
	TrailingSLPct float64 `json:"trailing_sl_pct"`
	PeakPrice     float64 `json:"peak_price"`
	Status        string  `json:"status"`
	Mode          string  `json:"mode"`
	OpenedAt      float64 `json:"opened_at"`
	ClosedAt      float64 `json:"closed_at,omitempty"`
	ExitReason    string  `json:"exit_reason,omitempty"`
}

// Notional is the position's entry cost in USDT.
func (p Position) Notional() float64 {
	return p.EntryPrice * p.Qty
}

// ExitRecommendation asks the execution layer to close a position for the
// stated reason. The ledger never closes anything on its own.
type ExitRecommendation struct {
	PositionID string
	Reason     string
}
