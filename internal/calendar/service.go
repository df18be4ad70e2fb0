package calendar

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/tape/internal/domain"
)

// ErrNoSession is returned when a date has no trading session
var ErrNoSession = errors.New("no trading session")

// Service resolves trading sessions against exchange calendars.
// Holiday expansion is cached per (exchange, year). Safe for concurrent use.
type Service struct {
	mu           sync.Mutex
	holidayCache map[string]map[int][]time.Time
	custom       map[string]ExchangeConfig
}

// NewService creates a calendar service with the built-in exchanges
func NewService() *Service {
	return &Service{
		holidayCache: make(map[string]map[int][]time.Time),
		custom:       make(map[string]ExchangeConfig),
	}
}

// Register adds or replaces an exchange configuration.
// Used for exchanges beyond the built-ins and for test calendars.
func (s *Service) Register(cfg ExchangeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom[cfg.Code] = cfg
	delete(s.holidayCache, cfg.Code)
}

// Config resolves an exchange name or code to its configuration
func (s *Service) Config(exchange string) (*ExchangeConfig, error) {
	s.mu.Lock()
	if cfg, ok := s.custom[exchange]; ok {
		s.mu.Unlock()
		return &cfg, nil
	}
	s.mu.Unlock()

	code, ok := ExchangeCode(exchange)
	if !ok {
		return nil, domain.NewValidationError("exchange", "unknown exchange %q", exchange)
	}
	cfg := exchangeConfigs[code]
	return &cfg, nil
}

// IsTradingDay reports whether the exchange trades on the given date.
// The date is interpreted in the exchange timezone.
func (s *Service) IsTradingDay(exchange string, date time.Time) (bool, error) {
	cfg, err := s.Config(exchange)
	if err != nil {
		return false, err
	}
	local := date.In(cfg.Timezone)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false, nil
	}
	return !s.isHoliday(cfg, local), nil
}

// Session resolves the trading session for a date. Returns ErrNoSession
// (wrapped) when the date is a weekend or holiday.
func (s *Service) Session(exchange string, date time.Time) (domain.SessionWindow, error) {
	cfg, err := s.Config(exchange)
	if err != nil {
		return domain.SessionWindow{}, err
	}

	local := date.In(cfg.Timezone)
	localDate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, cfg.Timezone)

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return domain.SessionWindow{}, fmt.Errorf("%s %s: %w", cfg.Code, localDate.Format("2006-01-02"), ErrNoSession)
	}
	if s.isHoliday(cfg, localDate) {
		return domain.SessionWindow{}, fmt.Errorf("%s %s: %w", cfg.Code, localDate.Format("2006-01-02"), ErrNoSession)
	}

	openTime := time.Date(local.Year(), local.Month(), local.Day(),
		cfg.TradingHours.OpenHour, cfg.TradingHours.OpenMinute, 0, 0, cfg.Timezone)
	closeTime := time.Date(local.Year(), local.Month(), local.Day(),
		cfg.TradingHours.CloseHour, cfg.TradingHours.CloseMinute, 0, 0, cfg.Timezone)

	window := domain.SessionWindow{
		Exchange: cfg.Code,
		Date:     localDate,
		Open:     openTime.UTC(),
		Close:    closeTime.UTC(),
	}

	for _, rule := range cfg.EarlyCloseRules {
		if rule.DatePattern != nil && rule.DatePattern(localDate) {
			early := time.Date(local.Year(), local.Month(), local.Day(),
				rule.CloseHour, rule.CloseMinute, 0, 0, cfg.Timezone)
			window.Close = early.UTC()
			window.EarlyClose = true
			break
		}
	}

	if cfg.LunchBreak != nil {
		lunchStart := time.Date(local.Year(), local.Month(), local.Day(),
			cfg.LunchBreak.StartHour, cfg.LunchBreak.StartMinute, 0, 0, cfg.Timezone)
		lunchEnd := time.Date(local.Year(), local.Month(), local.Day(),
			cfg.LunchBreak.EndHour, cfg.LunchBreak.EndMinute, 0, 0, cfg.Timezone)
		// An early close before the lunch break drops the break entirely
		if lunchStart.UTC().Before(window.Close) {
			window.LunchStart = lunchStart.UTC()
			window.LunchEnd = lunchEnd.UTC()
		}
	}

	return window, nil
}

// NextTradingDate returns the first trading date strictly after the given date
func (s *Service) NextTradingDate(exchange string, date time.Time) (time.Time, error) {
	cfg, err := s.Config(exchange)
	if err != nil {
		return time.Time{}, err
	}
	local := date.In(cfg.Timezone)
	for i := 1; i <= 366; i++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, cfg.Timezone).AddDate(0, 0, i)
		if candidate.Weekday() == time.Saturday || candidate.Weekday() == time.Sunday {
			continue
		}
		if !s.isHoliday(cfg, candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading date within a year after %s", local.Format("2006-01-02"))
}

// PreviousTradingDate returns the last trading date strictly before the given date
func (s *Service) PreviousTradingDate(exchange string, date time.Time) (time.Time, error) {
	cfg, err := s.Config(exchange)
	if err != nil {
		return time.Time{}, err
	}
	local := date.In(cfg.Timezone)
	for i := 1; i <= 366; i++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, cfg.Timezone).AddDate(0, 0, -i)
		if candidate.Weekday() == time.Saturday || candidate.Weekday() == time.Sunday {
			continue
		}
		if !s.isHoliday(cfg, candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading date within a year before %s", local.Format("2006-01-02"))
}

// NextSession finds the first session whose close is after the given
// instant, today included. Used by the live coordinator to wait for open.
func (s *Service) NextSession(exchange string, from time.Time) (domain.SessionWindow, error) {
	cfg, err := s.Config(exchange)
	if err != nil {
		return domain.SessionWindow{}, err
	}
	local := from.In(cfg.Timezone)
	for i := 0; i < 31; i++ {
		candidate := local.AddDate(0, 0, i)
		window, err := s.Session(cfg.Code, candidate)
		if err != nil {
			if errors.Is(err, ErrNoSession) {
				continue
			}
			return domain.SessionWindow{}, err
		}
		if window.Close.After(from) {
			return window, nil
		}
	}
	return domain.SessionWindow{}, fmt.Errorf("no session within a month after %s", from.Format(time.RFC3339))
}

// Grid returns every bar open slot of the session for an interval.
// Slots falling inside the lunch break do not exist.
func (s *Service) Grid(w domain.SessionWindow, interval domain.Interval) []time.Time {
	if interval <= 0 {
		return nil
	}
	step := interval.Duration()
	slots := make([]time.Time, 0, int(w.Close.Sub(w.Open)/step)+1)
	for t := w.Open; t.Before(w.Close); t = t.Add(step) {
		if w.HasLunch() && !t.Before(w.LunchStart) && t.Before(w.LunchEnd) {
			continue
		}
		slots = append(slots, t)
	}
	return slots
}

// ExpectedBars returns the number of bars a complete session produces
// for an interval. This is the denominator of the quality metric.
func (s *Service) ExpectedBars(w domain.SessionWindow, interval domain.Interval) int {
	return len(s.Grid(w, interval))
}

// IsOpen reports whether the exchange is trading at the given instant
func (s *Service) IsOpen(exchange string, t time.Time) (bool, error) {
	window, err := s.Session(exchange, t)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return false, nil
		}
		return false, err
	}
	return window.Contains(t), nil
}

// Status returns the open/closed status with the next transition time
func (s *Service) Status(exchange string, t time.Time) (*Status, error) {
	cfg, err := s.Config(exchange)
	if err != nil {
		return nil, err
	}

	open, err := s.IsOpen(exchange, t)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Open:     open,
		Exchange: cfg.Code,
		Timezone: cfg.Timezone.String(),
	}

	if open {
		window, err := s.Session(exchange, t)
		if err != nil {
			return nil, err
		}
		status.ClosesAt = window.Close.In(cfg.Timezone).Format("15:04")
		return status, nil
	}

	next, err := s.NextSession(exchange, t)
	if err != nil {
		return nil, err
	}
	localOpen := next.Open.In(cfg.Timezone)
	status.OpensAt = localOpen.Format("15:04")
	if localOpen.Format("2006-01-02") != t.In(cfg.Timezone).Format("2006-01-02") {
		status.OpensDate = localOpen.Format("2006-01-02")
	}
	return status, nil
}

// isHoliday checks if an exchange-local date is a holiday
func (s *Service) isHoliday(cfg *ExchangeConfig, date time.Time) bool {
	holidays := s.holidaysFor(cfg, date.Year())
	dateStr := date.Format("2006-01-02")
	for _, holiday := range holidays {
		if holiday.Format("2006-01-02") == dateStr {
			return true
		}
	}
	return false
}

// holidaysFor returns the cached holiday expansion for one year
func (s *Service) holidaysFor(cfg *ExchangeConfig, year int) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	byYear, ok := s.holidayCache[cfg.Code]
	if !ok {
		byYear = make(map[int][]time.Time)
		s.holidayCache[cfg.Code] = byYear
	}
	if holidays, ok := byYear[year]; ok {
		return holidays
	}
	holidays := holidaysForYear(cfg, year)
	byYear[year] = holidays
	return holidays
}
