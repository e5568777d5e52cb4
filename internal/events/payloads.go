package events

import (
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// Band is the aggregator's strength grade for a best pair.
type Band string

const (
	BandGreen  Band = "green"
	BandYellow Band = "yellow"
)

// RateUpdated is published once per accepted funding-rate update.
type RateUpdated struct {
	Snapshot *core.RateSnapshot
}

// OpportunityBand is published when a symbol's best pair crosses into a band.
type OpportunityBand struct {
	Symbol string
	Band   Band
	Pair   core.BestPair
}

// OpportunityChange carries an opportunity lifecycle transition.
type OpportunityChange struct {
	Opportunity *core.ArbitrageOpportunity
}

// ExitSuggestion is published when the exit monitor recommends closing.
type ExitSuggestion struct {
	Position      *core.Position
	Reason        core.ExitReason
	CurrentAPY    decimal.Decimal
	FundingPnL    decimal.Decimal
	PriceDiffLoss decimal.Decimal
}

// ExitCancel is published when a previously suggested exit no longer applies.
type ExitCancel struct {
	PositionID string
	Reason     string
}

// TriggerDetected is published when a conditional-order fill is classified.
type TriggerDetected struct {
	Position *core.Position
	Kind     core.TriggerKind
	Order    *core.Order
}

// CloseProgress reports a stage of an automatic hedge-leg close.
type CloseProgress struct {
	PositionID string
	Stage      core.CloseStage
	Detail     string
}

// CloseResult is the terminal outcome of a close attempt. Trade is set on
// success. RequiresManualIntervention is set when one leg remains open; the
// Remaining fields then identify it.
type CloseResult struct {
	Position                   *core.Position
	Trade                      *core.Trade
	Reason                     core.CloseReason
	Error                      string
	RequiresManualIntervention bool
	RemainingVenue             string
	RemainingSide              core.PositionSide
}

// DataSourceSwitched reports a transport change for a (venue, dataType) feed.
type DataSourceSwitched struct {
	State  core.DataSourceState
	From   core.SourceMode
	To     core.SourceMode
	Reason string
}

// DataSourceStale reports a feed that has delivered nothing for too long.
type DataSourceStale struct {
	State    core.DataSourceState
	StaleFor time.Duration
}
