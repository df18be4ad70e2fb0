// Package session provides the shared in-memory store for one trading
// session. Every worker reads from it; each field has a single
// documented mutator.
package session

import (
	"time"

	"github.com/aristath/tape/internal/domain"
)

// AddedBy identifies which path introduced a symbol into the session
type AddedBy string

const (
	AddedByConfig   AddedBy = "config"
	AddedByScanner  AddedBy = "scanner"
	AddedByStrategy AddedBy = "strategy"
	AddedByAdhoc    AddedBy = "adhoc"
)

// Provenance records how and when a symbol entered the session
type Provenance struct {
	MeetsRequirements bool      `json:"meets_requirements" msgpack:"meets_requirements"`
	AddedBy           AddedBy   `json:"added_by" msgpack:"added_by"`
	AutoProvisioned   bool      `json:"auto_provisioned" msgpack:"auto_provisioned"`
	UpgradedFromAdhoc bool      `json:"upgraded_from_adhoc" msgpack:"upgraded_from_adhoc"`
	AddedAt           time.Time `json:"added_at" msgpack:"added_at"`
}

// Metrics aggregates session-wide figures for one symbol.
// Only base-interval bars contribute, derived bars would double count.
type Metrics struct {
	Volume     float64   `json:"volume" msgpack:"volume"`
	High       float64   `json:"high" msgpack:"high"`
	Low        float64   `json:"low" msgpack:"low"`
	LastUpdate time.Time `json:"last_update" msgpack:"last_update"`
}

// IndicatorValue is the published result of one indicator computation.
// Multi-output indicators fill Values; Value carries the primary output.
type IndicatorValue struct {
	Value     float64            `json:"value" msgpack:"value"`
	Values    map[string]float64 `json:"values,omitempty" msgpack:"values,omitempty"`
	Ready     bool               `json:"ready" msgpack:"ready"`
	UpdatedAt time.Time          `json:"updated_at" msgpack:"updated_at"`
}

// intervalData holds the bar series and bookkeeping for one
// (symbol, interval) pair. Guarded by the store lock.
type intervalData struct {
	bars       []domain.Bar
	derived    bool
	base       domain.Interval
	updated    bool
	quality    float64
	gaps       []domain.Gap
	duplicates int
}

// symbolData is the per-symbol aggregate. Guarded by the store lock.
type symbolData struct {
	base       domain.Interval
	intervals  map[domain.Interval]*intervalData
	indicators map[string]IndicatorValue
	metrics    Metrics
	provenance Provenance
}

// IntervalSnapshot is a deep copy of one interval series
type IntervalSnapshot struct {
	Derived    bool         `json:"derived" msgpack:"derived"`
	Base       string       `json:"base,omitempty" msgpack:"base,omitempty"`
	Quality    float64      `json:"quality" msgpack:"quality"`
	Duplicates int          `json:"duplicates" msgpack:"duplicates"`
	Bars       []domain.Bar `json:"bars" msgpack:"bars"`
	Gaps       []domain.Gap `json:"gaps,omitempty" msgpack:"gaps,omitempty"`
}

// SymbolSnapshot is a deep copy of one symbol's session state
type SymbolSnapshot struct {
	Symbol     string                      `json:"symbol" msgpack:"symbol"`
	Base       string                      `json:"base" msgpack:"base"`
	Provenance Provenance                  `json:"provenance" msgpack:"provenance"`
	Metrics    Metrics                     `json:"metrics" msgpack:"metrics"`
	Intervals  map[string]IntervalSnapshot `json:"intervals" msgpack:"intervals"`
	Indicators map[string]IndicatorValue   `json:"indicators,omitempty" msgpack:"indicators,omitempty"`
}

// Snapshot is a point-in-time deep copy of the whole store, safe to
// encode and ship after the session has moved on.
type Snapshot struct {
	TakenAt time.Time                 `json:"taken_at" msgpack:"taken_at"`
	Symbols map[string]SymbolSnapshot `json:"symbols" msgpack:"symbols"`
}

// BatchMode selects how AddBatch places bars into a series
type BatchMode int

const (
	// BatchAppend treats each bar as a fresh append with dedup
	BatchAppend BatchMode = iota
	// BatchGapFill inserts bars in chronological position, skipping
	// timestamps already present, without touching session metrics
	BatchGapFill
)

// AppendResult reports what AppendBar did with a bar
type AppendResult int

const (
	// Appended means the bar extended the series
	Appended AppendResult = iota
	// Replaced means an equal-timestamp bar was overwritten in place
	Replaced
	// Inserted means an out-of-order bar was placed mid-series
	Inserted
)
