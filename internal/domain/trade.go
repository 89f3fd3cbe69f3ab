package domain

import "time"

// TradeRecord is the persisted record of one entry or exit execution, with
// enough context to support offline audit of terminal orders and abandoned
// positions.
type TradeRecord struct {
	TradeID   string // deterministic hash
	OrderID   string
	Strategy  string
	Symbol    string
	WindowKey string
	TokenID   string

	Kind    TradeKind
	Side    Side
	Outcome OutcomeSide

	Price      float64
	Shares     float64
	Size       float64 // quote currency
	Fees       float64
	TxRef      string
	Slippage   float64
	ExecutedAt time.Time

	// Exit-only fields
	ExitReason  string
	EntryPrice  float64
	PeakPrice   float64
	RealizedPnL float64
}

// TradeKind distinguishes entry and exit records.
type TradeKind string

const (
	TradeEntry TradeKind = "ENTRY"
	TradeExit  TradeKind = "EXIT"
)

// Exit reason codes, in evaluation priority order.
const (
	ExitReasonStopLoss  = "stop_loss"
	ExitReasonFloor     = "profit_floor"
	ExitReasonTrailing  = "trailing"
	ExitReasonExpiry    = "window_expiry"
	ExitReasonAbandoned = "abandoned"
	ExitReasonManual    = "manual"
)
