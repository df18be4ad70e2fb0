// Package calendar resolves exchange trading sessions: hours, holidays,
// lunch breaks and early closes, per exchange timezone.
package calendar

import "time"

// CalendarType represents the calendar system used for Easter calculation
type CalendarType int

const (
	// Gregorian calendar (Western/Catholic)
	Gregorian CalendarType = iota
	// Julian calendar (Orthodox)
	Julian
)

// TradingHours represents regular trading hours for an exchange
type TradingHours struct {
	OpenHour    int // Hour (0-23)
	OpenMinute  int // Minute (0-59)
	CloseHour   int // Hour (0-23)
	CloseMinute int // Minute (0-59)
}

// LunchBreak represents a midday trading break
type LunchBreak struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

// EarlyCloseRule shortens the session when its date pattern matches.
// The pattern receives an exchange-local time and compares date parts only.
type EarlyCloseRule struct {
	Name        string
	CloseHour   int
	CloseMinute int
	DatePattern func(time.Time) bool
}

// HolidayRuleSet defines holidays for an exchange
type HolidayRuleSet struct {
	FixedDateHolidays   []FixedDateHoliday
	RuleBasedHolidays   []RuleBasedHoliday
	EasterBasedHolidays []EasterBasedHoliday
}

// FixedDateHoliday represents a holiday on a fixed date
type FixedDateHoliday struct {
	Month int // 1-12
	Day   int // 1-31
	// If true, observe on nearest weekday if falls on weekend
	ObserveOnWeekday bool
}

// RuleBasedHoliday represents a holiday calculated by rule (nth weekday)
type RuleBasedHoliday struct {
	Month   int
	Weekday time.Weekday
	N       int // Nth occurrence (1 = first, -1 = last)
}

// EasterBasedHoliday represents a holiday relative to Easter Sunday
type EasterBasedHoliday struct {
	DaysOffset int // negative = before, positive = after
}

// ExchangeConfig represents configuration for a single exchange
type ExchangeConfig struct {
	Code            string
	Name            string
	TradingHours    TradingHours
	Timezone        *time.Location
	EasterType      CalendarType
	LunchBreak      *LunchBreak
	EarlyCloseRules []EarlyCloseRule
	HolidayRules    HolidayRuleSet
}

// Status describes whether an exchange is open at a point in time
type Status struct {
	Open      bool   `json:"open"`
	Exchange  string `json:"exchange"`
	Timezone  string `json:"timezone"`
	ClosesAt  string `json:"closes_at,omitempty"` // when open
	OpensAt   string `json:"opens_at,omitempty"`   // when closed
	OpensDate string `json:"opens_date,omitempty"` // if next open is a later date
}
