package calendar

import "time"

// EasterSunday calculates the date of Easter for a given year and
// calendar type. Julian dates are returned converted to Gregorian.
func EasterSunday(year int, calendarType CalendarType) time.Time {
	if calendarType == Julian {
		return julianEaster(year)
	}
	return gregorianEaster(year)
}

// gregorianEaster implements the Gregorian computus
func gregorianEaster(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451

	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// julianEaster implements the Julian computus and converts the result
// to the Gregorian calendar. The 13-day offset holds for 1900-2099.
func julianEaster(year int) time.Time {
	a := year % 19
	b := year % 4
	c := year % 7
	d := (19*a + 15) % 30
	e := (2*b + 4*c + 6*d + 6) % 7

	day := 22 + d + e
	month := time.March
	if day > 31 {
		day -= 31
		month = time.April
	}

	julianDate := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return julianDate.AddDate(0, 0, 13)
}

// nthWeekday finds the nth occurrence of a weekday in a month.
// n is 1-based; use lastWeekday for the final occurrence.
func nthWeekday(year, month int, weekday time.Weekday, n int) time.Time {
	date := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	daysToAdd := int(weekday - date.Weekday())
	if daysToAdd < 0 {
		daysToAdd += 7
	}
	return date.AddDate(0, 0, daysToAdd+(n-1)*7)
}

// lastWeekday finds the last occurrence of a weekday in a month
func lastWeekday(year, month int, weekday time.Weekday) time.Time {
	date := time.Date(year, time.Month(month+1), 0, 0, 0, 0, 0, time.UTC)
	daysToSubtract := int(date.Weekday() - weekday)
	if daysToSubtract < 0 {
		daysToSubtract += 7
	}
	return date.AddDate(0, 0, -daysToSubtract)
}

// observedOnWeekday shifts weekend holidays to the nearest weekday:
// Saturday observes Friday, Sunday observes Monday.
func observedOnWeekday(date time.Time) time.Time {
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, -1)
	case time.Sunday:
		return date.AddDate(0, 0, 1)
	default:
		return date
	}
}

// holidaysForYear expands an exchange's holiday rules for one year.
// Results are exchange-local midnights.
func holidaysForYear(cfg *ExchangeConfig, year int) []time.Time {
	holidays := make([]time.Time, 0,
		len(cfg.HolidayRules.FixedDateHolidays)+
			len(cfg.HolidayRules.RuleBasedHolidays)+
			len(cfg.HolidayRules.EasterBasedHolidays))

	for _, h := range cfg.HolidayRules.FixedDateHolidays {
		date := time.Date(year, time.Month(h.Month), h.Day, 0, 0, 0, 0, cfg.Timezone)
		if h.ObserveOnWeekday {
			date = observedOnWeekday(date)
		}
		holidays = append(holidays, date)
	}

	for _, h := range cfg.HolidayRules.RuleBasedHolidays {
		var date time.Time
		if h.N == -1 {
			date = lastWeekday(year, h.Month, h.Weekday)
		} else {
			date = nthWeekday(year, h.Month, h.Weekday, h.N)
		}
		holidays = append(holidays, date)
	}

	for _, h := range cfg.HolidayRules.EasterBasedHolidays {
		easter := EasterSunday(year, cfg.EasterType)
		holidays = append(holidays, easter.AddDate(0, 0, h.DaysOffset))
	}

	return holidays
}
