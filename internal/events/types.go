package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventPriceTick       Event = "price_tick"
	EventSignal          Event = "signal"
	EventConnectionState Event = "connection_state"
	EventPositionOpened  Event = "position.opened"
	EventPositionUpdated Event = "position.updated"
	EventPositionClosed  Event = "position.closed"
	EventStatusChange    Event = "status_change"
	EventRuntimeStats    Event = "runtime_stats"
	EventNotification    Event = "notification"
)

// PriceTick is the payload of EventPriceTick.
type PriceTick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change_24h"`
}

// StatusChange is the payload of EventStatusChange.
type StatusChange struct {
	Status    string `json:"status"`
	PaperMode bool   `json:"paper_mode"`
}

// Notification is a single-line human-readable event description, consumed
// by the UI and any remote messaging channel.
type Notification struct {
	Text string `json:"text"`
}
