// Package events provides the pub/sub bus that decouples session
// lifecycle, data quality and provisioning from their observers.
package events

// EventType identifies a class of system event
type EventType string

// Session lifecycle events
const (
	SessionStarted EventType = "SessionStarted"
	SessionEnded   EventType = "SessionEnded"
	SessionPaused  EventType = "SessionPaused"
	SessionResumed EventType = "SessionResumed"
	SessionOverrun EventType = "SessionOverrun"
	ModeChanged    EventType = "ModeChanged"
)

// Data quality events
const (
	GapDetected   EventType = "GapDetected"
	GapFilled     EventType = "GapFilled"
	GapFillFailed EventType = "GapFillFailed"
	QualityReport EventType = "QualityReport"
)

// Symbol provisioning events
const (
	SymbolAdded      EventType = "SymbolAdded"
	SymbolUpgraded   EventType = "SymbolUpgraded"
	SymbolRemoved    EventType = "SymbolRemoved"
	IndicatorAdded   EventType = "IndicatorAdded"
	ProvisionFailed  EventType = "ProvisionFailed"
	CatchupStarted   EventType = "CatchupStarted"
	CatchupFinished  EventType = "CatchupFinished"
	CatchupAbandoned EventType = "CatchupAbandoned"
)

// Feed and strategy events
const (
	FeedStatusChanged EventType = "FeedStatusChanged"
	StrategyOverrun   EventType = "StrategyOverrun"
)

// Job lifecycle events emitted by scheduled maintenance jobs
const (
	JobStarted   EventType = "JobStarted"
	JobProgress  EventType = "JobProgress"
	JobCompleted EventType = "JobCompleted"
	JobFailed    EventType = "JobFailed"
)

// Operational events
const (
	ArchiveUploaded EventType = "ArchiveUploaded"
	ErrorOccurred   EventType = "ErrorOccurred"
)

// AllTypes lists every event type the stream endpoint may subscribe to
func AllTypes() []EventType {
	return []EventType{
		SessionStarted, SessionEnded, SessionPaused, SessionResumed,
		SessionOverrun, ModeChanged,
		GapDetected, GapFilled, GapFillFailed, QualityReport,
		SymbolAdded, SymbolUpgraded, SymbolRemoved, IndicatorAdded, ProvisionFailed,
		CatchupStarted, CatchupFinished, CatchupAbandoned,
		FeedStatusChanged, StrategyOverrun,
		JobStarted, JobProgress, JobCompleted, JobFailed,
		ArchiveUploaded, ErrorOccurred,
	}
}
