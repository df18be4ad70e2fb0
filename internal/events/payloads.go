package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all typed event payloads implement
type EventData interface {
	// EventType returns the event type this payload belongs to
	EventType() EventType
}

// SessionStartedData contains data for SessionStarted events
type SessionStartedData struct {
	SessionID string  `json:"session_id"`
	Exchange  string  `json:"exchange"`
	Date      string  `json:"date"`
	Mode      string  `json:"mode"`
	Speed     float64 `json:"speed,omitempty"`
	Streams   int     `json:"streams"`
}

// EventType returns the event type for SessionStartedData
func (d *SessionStartedData) EventType() EventType { return SessionStarted }

// SessionEndedData contains data for SessionEnded events
type SessionEndedData struct {
	SessionID string  `json:"session_id"`
	Reason    string  `json:"reason"` // "completed", "stopped", "overrun"
	Bars      int     `json:"bars"`
	Duration  float64 `json:"duration_seconds"`
}

// EventType returns the event type for SessionEndedData
func (d *SessionEndedData) EventType() EventType { return SessionEnded }

// SessionClockData contains data for SessionPaused and SessionResumed events
type SessionClockData struct {
	SessionID string    `json:"session_id"`
	Clock     time.Time `json:"clock"`
	Paused    bool      `json:"paused"`
}

// EventType returns the event type for SessionClockData
func (d *SessionClockData) EventType() EventType {
	if d.Paused {
		return SessionPaused
	}
	return SessionResumed
}

// SessionOverrunData contains data for SessionOverrun events
type SessionOverrunData struct {
	SessionID string  `json:"session_id"`
	Stream    string  `json:"stream"`
	Budget    float64 `json:"budget_seconds"`
}

// EventType returns the event type for SessionOverrunData
func (d *SessionOverrunData) EventType() EventType { return SessionOverrun }

// ModeChangedData contains data for ModeChanged events
type ModeChangedData struct {
	OldMode string `json:"old_mode"`
	NewMode string `json:"new_mode"`
}

// EventType returns the event type for ModeChangedData
func (d *ModeChangedData) EventType() EventType { return ModeChanged }

// GapDetectedData contains data for GapDetected events
type GapDetectedData struct {
	Stream string    `json:"stream"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Bars   int       `json:"bars"`
}

// EventType returns the event type for GapDetectedData
func (d *GapDetectedData) EventType() EventType { return GapDetected }

// GapFilledData contains data for GapFilled and GapFillFailed events
// A fill that recovers nothing after exhausting retries is a failure.
type GapFilledData struct {
	Stream    string `json:"stream"`
	Recovered int    `json:"recovered"`
	Remaining int    `json:"remaining"`
	Attempts  int    `json:"attempts"`
}

// EventType returns the event type for GapFilledData
func (d *GapFilledData) EventType() EventType {
	if d.Recovered == 0 && d.Remaining > 0 {
		return GapFillFailed
	}
	return GapFilled
}

// QualityReportData contains data for QualityReport events
type QualityReportData struct {
	Stream     string  `json:"stream"`
	Score      float64 `json:"score"`
	Expected   int     `json:"expected"`
	Received   int     `json:"received"`
	Duplicates int     `json:"duplicates"`
}

// EventType returns the event type for QualityReportData
func (d *QualityReportData) EventType() EventType { return QualityReport }

// SymbolAddedData contains data for SymbolAdded events
type SymbolAddedData struct {
	Symbol          string `json:"symbol"`
	Exchange        string `json:"exchange"`
	Scope           string `json:"scope"`
	AutoProvisioned bool   `json:"auto_provisioned"`
}

// EventType returns the event type for SymbolAddedData
func (d *SymbolAddedData) EventType() EventType { return SymbolAdded }

// SymbolUpgradedData contains data for SymbolUpgraded events
type SymbolUpgradedData struct {
	Symbol   string `json:"symbol"`
	OldScope string `json:"old_scope"`
	NewScope string `json:"new_scope"`
}

// EventType returns the event type for SymbolUpgradedData
func (d *SymbolUpgradedData) EventType() EventType { return SymbolUpgraded }

// SymbolRemovedData contains data for SymbolRemoved events
type SymbolRemovedData struct {
	Symbol string `json:"symbol"`
}

// EventType returns the event type for SymbolRemovedData
func (d *SymbolRemovedData) EventType() EventType { return SymbolRemoved }

// IndicatorAddedData contains data for IndicatorAdded events
type IndicatorAddedData struct {
	Symbol    string `json:"symbol"`
	Indicator string `json:"indicator"`
	Source    string `json:"source,omitempty"`
}

// EventType returns the event type for IndicatorAddedData
func (d *IndicatorAddedData) EventType() EventType { return IndicatorAdded }

// ProvisionFailedData contains data for ProvisionFailed events
type ProvisionFailedData struct {
	Symbol string `json:"symbol"`
	Phase  string `json:"phase"` // "analyze", "validate", "provision"
	Reason string `json:"reason"`
}

// EventType returns the event type for ProvisionFailedData
func (d *ProvisionFailedData) EventType() EventType { return ProvisionFailed }

// CatchupData contains data for catchup lifecycle events
type CatchupData struct {
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"` // "started", "finished", "abandoned"
	BehindSeconds float64 `json:"behind_seconds"`
	Bars          int     `json:"bars,omitempty"`
}

// EventType returns the event type for CatchupData
func (d *CatchupData) EventType() EventType {
	switch d.Status {
	case "finished":
		return CatchupFinished
	case "abandoned":
		return CatchupAbandoned
	default:
		return CatchupStarted
	}
}

// FeedStatusData contains data for FeedStatusChanged events
type FeedStatusData struct {
	Connected bool   `json:"connected"`
	URL       string `json:"url,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EventType returns the event type for FeedStatusData
func (d *FeedStatusData) EventType() EventType { return FeedStatusChanged }

// StrategyOverrunData contains data for StrategyOverrun events
type StrategyOverrunData struct {
	Strategy string `json:"strategy"`
	Stream   string `json:"stream"`
	Overruns uint64 `json:"overruns"`
}

// EventType returns the event type for StrategyOverrunData
func (d *StrategyOverrunData) EventType() EventType { return StrategyOverrun }

// ArchiveUploadedData contains data for ArchiveUploaded events
type ArchiveUploadedData struct {
	Key   string `json:"key"`
	Bytes int64  `json:"bytes"`
	Bars  int    `json:"bars"`
}

// EventType returns the event type for ArchiveUploadedData
func (d *ArchiveUploadedData) EventType() EventType { return ArchiveUploaded }

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }

// JobProgressInfo contains progress information for a scheduled job
type JobProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`

	// Details contains arbitrary key-value metrics for the current phase
	Details map[string]interface{} `json:"details,omitempty"`
}

// JobStatusData contains data for job lifecycle events
type JobStatusData struct {
	JobID       string           `json:"job_id"`
	JobType     string           `json:"job_type"`
	Status      string           `json:"status"` // "started", "progress", "completed", "failed"
	Description string           `json:"description"`
	Progress    *JobProgressInfo `json:"progress,omitempty"`
	Error       string           `json:"error,omitempty"`
	Duration    float64          `json:"duration,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// EventType returns the event type for JobStatusData
// Note: The actual event type is determined by the Status field
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "progress":
		return JobProgress
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}

// GetTypedData attempts to convert the event's Data map to its typed payload.
// Returns nil when the event type has no registered payload or conversion fails.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	data := payloadFor(e.Type)
	if data == nil {
		return nil
	}
	if err := convertMapToStruct(e.Data, data); err != nil {
		return nil
	}
	return data
}

// payloadFor returns a zero payload value for an event type
func payloadFor(eventType EventType) EventData {
	switch eventType {
	case SessionStarted:
		return &SessionStartedData{}
	case SessionEnded:
		return &SessionEndedData{}
	case SessionPaused, SessionResumed:
		return &SessionClockData{}
	case SessionOverrun:
		return &SessionOverrunData{}
	case ModeChanged:
		return &ModeChangedData{}
	case GapDetected:
		return &GapDetectedData{}
	case GapFilled, GapFillFailed:
		return &GapFilledData{}
	case QualityReport:
		return &QualityReportData{}
	case SymbolAdded:
		return &SymbolAddedData{}
	case SymbolUpgraded:
		return &SymbolUpgradedData{}
	case SymbolRemoved:
		return &SymbolRemovedData{}
	case IndicatorAdded:
		return &IndicatorAddedData{}
	case ProvisionFailed:
		return &ProvisionFailedData{}
	case CatchupStarted, CatchupFinished, CatchupAbandoned:
		return &CatchupData{}
	case FeedStatusChanged:
		return &FeedStatusData{}
	case StrategyOverrun:
		return &StrategyOverrunData{}
	case ArchiveUploaded:
		return &ArchiveUploadedData{}
	case ErrorOccurred:
		return &ErrorEventData{}
	case JobStarted, JobProgress, JobCompleted, JobFailed:
		return &JobStatusData{}
	}
	return nil
}

// convertMapToStruct converts a map[string]interface{} to a struct
func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, v)
}
