package core

import "time"

// AdapterEventType tags events emitted on an adapter's event channel.
type AdapterEventType string

const (
	AdapterEventFundingRate      AdapterEventType = "fundingRate"
	AdapterEventFundingRateBatch AdapterEventType = "fundingRateBatch"
	AdapterEventMarkPrice        AdapterEventType = "markPrice"
	AdapterEventOrderUpdate      AdapterEventType = "orderUpdate"
	AdapterEventConnected        AdapterEventType = "connected"
	AdapterEventDisconnected     AdapterEventType = "disconnected"
	AdapterEventError            AdapterEventType = "error"

	// AdapterEventConnectionCount is emitted by the connection pool, not by
	// adapters, whenever the pool's member count changes.
	AdapterEventConnectionCount AdapterEventType = "connectionCountChanged"
)

// AdapterEvent is the single envelope adapters emit. Exactly one payload
// field is set, chosen by Type. ConnIndex is stamped by the connection pool
// when it re-emits events from its member connections.
type AdapterEvent struct {
	Type      AdapterEventType
	Venue     string
	ConnIndex int
	Rate      *FundingRate
	Rates     []*FundingRate
	Mark      *MarkPrice
	Order     *Order
	Err       error
	// Count carries the new connection total on connectionCountChanged.
	Count int
	At    time.Time
}

// TriggerKind classifies a detected conditional-order fill.
type TriggerKind string

const (
	TriggerLongSL  TriggerKind = "LONG_SL"
	TriggerLongTP  TriggerKind = "LONG_TP"
	TriggerShortSL TriggerKind = "SHORT_SL"
	TriggerShortTP TriggerKind = "SHORT_TP"
)

// CloseReasonForTrigger maps a trigger classification to the trade close reason.
func CloseReasonForTrigger(k TriggerKind) CloseReason {
	switch k {
	case TriggerLongSL:
		return CloseLongSL
	case TriggerLongTP:
		return CloseLongTP
	case TriggerShortSL:
		return CloseShortSL
	case TriggerShortTP:
		return CloseShortTP
	}
	return CloseManual
}

// CloseStage is a phase of an automatic hedge-leg close.
type CloseStage string

const (
	CloseStageDetecting  CloseStage = "detecting"
	CloseStageClosingLeg CloseStage = "closing_hedge_leg"
	CloseStageCompleted  CloseStage = "completed"
	CloseStageFailed     CloseStage = "failed"
)

// ExitReason classifies an exit suggestion.
type ExitReason string

const (
	ExitAPYNegative    ExitReason = "APY_NEGATIVE"
	ExitProfitLockable ExitReason = "PROFIT_LOCKABLE"
)
