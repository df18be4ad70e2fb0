package calendar

import (
	"strings"
	"time"
)

// Exchange name aliases accepted in configuration documents
var exchangeNameToCode = map[string]string{
	"NYSE":      "XNYS",
	"New York":  "XNYS",
	"NASDAQ":    "XNAS",
	"NasdaqCM":  "XNAS",
	"NasdaqGS":  "XNAS",
	"XETRA":     "XETR",
	"Frankfurt": "XETR",
	"LSE":       "XLON",
	"London":    "XLON",
	"Athens":    "ASEX",
	"ASE":       "ASEX",
	"Tokyo":     "XTSE",
	"TSE":       "XTSE",
	"HKSE":      "XHKG",
	"HKEX":      "XHKG",
	"Hong Kong": "XHKG",
}

// ExchangeCode normalizes an exchange name or code to a known code.
// Returns false when the exchange is not configured.
func ExchangeCode(name string) (string, bool) {
	normalized := strings.TrimSpace(name)

	if _, exists := exchangeConfigs[normalized]; exists {
		return normalized, true
	}
	if code, ok := exchangeNameToCode[normalized]; ok {
		return code, true
	}
	for alias, code := range exchangeNameToCode {
		if strings.EqualFold(normalized, alias) {
			return code, true
		}
	}
	return "", false
}

// usEarlyCloses are the NYSE/NASDAQ 13:00 half-days
var usEarlyCloses = []EarlyCloseRule{
	{
		Name:        "Day before Thanksgiving",
		CloseHour:   13,
		CloseMinute: 0,
		DatePattern: func(t time.Time) bool {
			thanksgiving := nthWeekday(t.Year(), 11, time.Thursday, 4)
			dayBefore := thanksgiving.AddDate(0, 0, -1)
			return t.Month() == dayBefore.Month() && t.Day() == dayBefore.Day()
		},
	},
	{
		Name:        "Christmas Eve",
		CloseHour:   13,
		CloseMinute: 0,
		DatePattern: func(t time.Time) bool {
			return t.Month() == 12 && t.Day() == 24
		},
	},
	{
		Name:        "July 3rd",
		CloseHour:   13,
		CloseMinute: 0,
		DatePattern: func(t time.Time) bool {
			if t.Month() == 7 && t.Day() == 3 {
				july4 := time.Date(t.Year(), 7, 4, 0, 0, 0, 0, t.Location())
				return july4.Weekday() == time.Friday
			}
			return false
		},
	},
}

// usHolidays is the NYSE/NASDAQ holiday rule set
var usHolidays = HolidayRuleSet{
	FixedDateHolidays: []FixedDateHoliday{
		{Month: 1, Day: 1, ObserveOnWeekday: true},   // New Year's Day
		{Month: 6, Day: 19, ObserveOnWeekday: true},  // Juneteenth
		{Month: 7, Day: 4, ObserveOnWeekday: true},   // Independence Day
		{Month: 12, Day: 25, ObserveOnWeekday: true}, // Christmas
	},
	RuleBasedHolidays: []RuleBasedHoliday{
		{Month: 1, Weekday: time.Monday, N: 3},    // MLK Day
		{Month: 2, Weekday: time.Monday, N: 3},    // Presidents Day
		{Month: 5, Weekday: time.Monday, N: -1},   // Memorial Day (last)
		{Month: 9, Weekday: time.Monday, N: 1},    // Labor Day
		{Month: 11, Weekday: time.Thursday, N: 4}, // Thanksgiving
	},
	EasterBasedHolidays: []EasterBasedHoliday{
		{DaysOffset: -2}, // Good Friday
	},
}

// exchangeConfigs contains the built-in exchange configurations
var exchangeConfigs = map[string]ExchangeConfig{
	"XNYS": {
		Code: "XNYS",
		Name: "New York Stock Exchange",
		TradingHours: TradingHours{
			OpenHour:    9,
			OpenMinute:  30,
			CloseHour:   16,
			CloseMinute: 0,
		},
		Timezone:        mustLoadLocation("America/New_York"),
		EasterType:      Gregorian,
		LunchBreak:      nil,
		EarlyCloseRules: usEarlyCloses,
		HolidayRules:    usHolidays,
	},
	"XNAS": {
		Code: "XNAS",
		Name: "NASDAQ",
		TradingHours: TradingHours{
			OpenHour:    9,
			OpenMinute:  30,
			CloseHour:   16,
			CloseMinute: 0,
		},
		Timezone:        mustLoadLocation("America/New_York"),
		EasterType:      Gregorian,
		LunchBreak:      nil,
		EarlyCloseRules: usEarlyCloses,
		HolidayRules:    usHolidays,
	},
	"XETR": {
		Code: "XETR",
		Name: "XETRA (Frankfurt)",
		TradingHours: TradingHours{
			OpenHour:    9,
			OpenMinute:  0,
			CloseHour:   17,
			CloseMinute: 30,
		},
		Timezone:        mustLoadLocation("Europe/Berlin"),
		EasterType:      Gregorian,
		LunchBreak:      nil,
		EarlyCloseRules: []EarlyCloseRule{},
		HolidayRules: HolidayRuleSet{
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1, ObserveOnWeekday: false},   // New Year's Day
				{Month: 5, Day: 1, ObserveOnWeekday: false},   // Labor Day
				{Month: 10, Day: 3, ObserveOnWeekday: false},  // German Unity Day
				{Month: 12, Day: 25, ObserveOnWeekday: false}, // Christmas
				{Month: 12, Day: 26, ObserveOnWeekday: false}, // Boxing Day
			},
			RuleBasedHolidays: []RuleBasedHoliday{},
			EasterBasedHolidays: []EasterBasedHoliday{
				{DaysOffset: -2}, // Good Friday
				{DaysOffset: 1},  // Easter Monday
			},
		},
	},
	"XLON": {
		Code: "XLON",
		Name: "London Stock Exchange",
		TradingHours: TradingHours{
			OpenHour:    8,
			OpenMinute:  0,
			CloseHour:   16,
			CloseMinute: 30,
		},
		Timezone:   mustLoadLocation("Europe/London"),
		EasterType: Gregorian,
		LunchBreak: nil,
		EarlyCloseRules: []EarlyCloseRule{
			{
				Name:        "Christmas Eve",
				CloseHour:   12,
				CloseMinute: 30,
				DatePattern: func(t time.Time) bool {
					return t.Month() == 12 && t.Day() == 24
				},
			},
			{
				Name:        "New Year's Eve",
				CloseHour:   12,
				CloseMinute: 30,
				DatePattern: func(t time.Time) bool {
					return t.Month() == 12 && t.Day() == 31
				},
			},
		},
		HolidayRules: HolidayRuleSet{
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1, ObserveOnWeekday: true},    // New Year's Day
				{Month: 12, Day: 25, ObserveOnWeekday: false}, // Christmas
				{Month: 12, Day: 26, ObserveOnWeekday: false}, // Boxing Day
			},
			RuleBasedHolidays: []RuleBasedHoliday{
				{Month: 5, Weekday: time.Monday, N: 1},  // Early May Bank Holiday
				{Month: 5, Weekday: time.Monday, N: -1}, // Spring Bank Holiday
				{Month: 8, Weekday: time.Monday, N: -1}, // Summer Bank Holiday
			},
			EasterBasedHolidays: []EasterBasedHoliday{
				{DaysOffset: -2}, // Good Friday
				{DaysOffset: 1},  // Easter Monday
			},
		},
	},
	"ASEX": {
		Code: "ASEX",
		Name: "Athens Stock Exchange",
		TradingHours: TradingHours{
			OpenHour:    10,
			OpenMinute:  0,
			CloseHour:   17,
			CloseMinute: 20,
		},
		Timezone:        mustLoadLocation("Europe/Athens"),
		EasterType:      Julian, // Orthodox Easter
		LunchBreak:      nil,
		EarlyCloseRules: []EarlyCloseRule{},
		HolidayRules: HolidayRuleSet{
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1, ObserveOnWeekday: false},   // New Year's Day
				{Month: 1, Day: 6, ObserveOnWeekday: false},   // Epiphany
				{Month: 3, Day: 25, ObserveOnWeekday: false},  // Independence Day
				{Month: 5, Day: 1, ObserveOnWeekday: false},   // Labor Day
				{Month: 8, Day: 15, ObserveOnWeekday: false},  // Assumption
				{Month: 10, Day: 28, ObserveOnWeekday: false}, // Ochi Day
				{Month: 12, Day: 25, ObserveOnWeekday: false}, // Christmas
				{Month: 12, Day: 26, ObserveOnWeekday: false}, // Boxing Day
			},
			RuleBasedHolidays: []RuleBasedHoliday{},
			EasterBasedHolidays: []EasterBasedHoliday{
				{DaysOffset: -2}, // Good Friday (Orthodox)
				{DaysOffset: 1},  // Easter Monday (Orthodox)
			},
		},
	},
	"XTSE": {
		Code: "XTSE",
		Name: "Tokyo Stock Exchange",
		TradingHours: TradingHours{
			OpenHour:    9,
			OpenMinute:  0,
			CloseHour:   15,
			CloseMinute: 0,
		},
		Timezone:   mustLoadLocation("Asia/Tokyo"),
		EasterType: Gregorian,
		LunchBreak: &LunchBreak{
			StartHour:   11,
			StartMinute: 30,
			EndHour:     12,
			EndMinute:   30,
		},
		EarlyCloseRules: []EarlyCloseRule{},
		HolidayRules: HolidayRuleSet{
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1, ObserveOnWeekday: false},  // New Year's Day
				{Month: 1, Day: 2, ObserveOnWeekday: false},  // Market holiday
				{Month: 1, Day: 3, ObserveOnWeekday: false},  // Market holiday
				{Month: 2, Day: 11, ObserveOnWeekday: false}, // National Foundation Day
				{Month: 2, Day: 23, ObserveOnWeekday: false}, // Emperor's Birthday
				{Month: 4, Day: 29, ObserveOnWeekday: false}, // Showa Day
				{Month: 5, Day: 3, ObserveOnWeekday: false},  // Constitution Day
				{Month: 5, Day: 4, ObserveOnWeekday: false},  // Greenery Day
				{Month: 5, Day: 5, ObserveOnWeekday: false},  // Children's Day
				{Month: 12, Day: 31, ObserveOnWeekday: false}, // Market holiday
			},
			RuleBasedHolidays: []RuleBasedHoliday{
				{Month: 1, Weekday: time.Monday, N: 2}, // Coming of Age Day
				{Month: 7, Weekday: time.Monday, N: 3}, // Marine Day
				{Month: 9, Weekday: time.Monday, N: 3}, // Respect for the Aged Day
			},
			EasterBasedHolidays: []EasterBasedHoliday{},
		},
	},
	"XHKG": {
		Code: "XHKG",
		Name: "Hong Kong Stock Exchange",
		TradingHours: TradingHours{
			OpenHour:    9,
			OpenMinute:  30,
			CloseHour:   16,
			CloseMinute: 0,
		},
		Timezone:   mustLoadLocation("Asia/Hong_Kong"),
		EasterType: Gregorian,
		LunchBreak: &LunchBreak{
			StartHour:   12,
			StartMinute: 0,
			EndHour:     13,
			EndMinute:   0,
		},
		EarlyCloseRules: []EarlyCloseRule{
			{
				Name:        "Christmas Eve",
				CloseHour:   12,
				CloseMinute: 0,
				DatePattern: func(t time.Time) bool {
					return t.Month() == 12 && t.Day() == 24
				},
			},
			{
				Name:        "New Year's Eve",
				CloseHour:   12,
				CloseMinute: 0,
				DatePattern: func(t time.Time) bool {
					return t.Month() == 12 && t.Day() == 31
				},
			},
		},
		HolidayRules: HolidayRuleSet{
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1, ObserveOnWeekday: true},    // New Year's Day
				{Month: 7, Day: 1, ObserveOnWeekday: true},    // HKSAR Establishment Day
				{Month: 10, Day: 1, ObserveOnWeekday: true},   // National Day
				{Month: 12, Day: 25, ObserveOnWeekday: false}, // Christmas
				{Month: 12, Day: 26, ObserveOnWeekday: false}, // Boxing Day
			},
			RuleBasedHolidays: []RuleBasedHoliday{},
			EasterBasedHolidays: []EasterBasedHoliday{
				{DaysOffset: -2}, // Good Friday
				{DaysOffset: 1},  // Easter Monday
			},
		},
	},
}

// mustLoadLocation loads a timezone location, panicking if it fails
func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("failed to load timezone: " + name + ": " + err.Error())
	}
	return loc
}
