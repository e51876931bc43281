package market

// Candle is a fixed-duration OHLCV price bar. Closed candles are immutable;
// the in-progress candle for a bucket is replaced in place until it closes.
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
	IsClosed  bool    `json:"is_closed"`
}

// ConnStatus describes the health of the market data connection.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusReconnecting ConnStatus = "reconnecting"
	StatusDisconnected ConnStatus = "disconnected"
)
