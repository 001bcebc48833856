// Package calendar answers trading-day questions from the ingested exchange
// calendar. All dates are YYYYMMDD strings, matching the upstream format.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

// ErrNotLoaded is returned when the calendar table has no rows yet. The
// calendar ingestion must run before anything that depends on trading days.
var ErrNotLoaded = errors.New("trading calendar not loaded, run calendar ingestion first")

// Service caches the exchange calendar in memory and refreshes it after
// each calendar ingestion. Safe for concurrent use.
type Service struct {
	store    *marketstore.Store
	schema   marketstore.TableSchema
	exchange string
	log      zerolog.Logger

	mu       sync.RWMutex
	open     map[string]bool // cal_date -> is_open
	openDays []string        // sorted trading days only
}

// NewService creates a calendar service reading from the given calendar
// table schema. Call Refresh before first use.
func NewService(store *marketstore.Store, schema marketstore.TableSchema, exchange string, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		schema:   schema,
		exchange: exchange,
		log:      log.With().Str("component", "calendar").Logger(),
		open:     make(map[string]bool),
	}
}

// Refresh reloads the calendar from the column store. A missing table is
// not an error; the cache just stays empty until ingestion creates it.
func (s *Service) Refresh(ctx context.Context) error {
	exists, err := s.store.TableExists(ctx, s.schema.Name)
	if err != nil {
		return fmt.Errorf("failed to check calendar table: %w", err)
	}
	if !exists {
		return nil
	}

	rows, err := s.store.SelectLatest(ctx, s.schema, "exchange = ?", s.exchange)
	if err != nil {
		return fmt.Errorf("failed to load calendar: %w", err)
	}

	open := make(map[string]bool, len(rows))
	var openDays []string
	for _, row := range rows {
		date := plugin.String(row, "cal_date")
		if date == "" {
			continue
		}
		isOpenVal, _ := plugin.Float(row, "is_open")
		isOpen := isOpenVal == 1
		open[date] = isOpen
		if isOpen {
			openDays = append(openDays, date)
		}
	}
	sort.Strings(openDays)

	s.mu.Lock()
	s.open = open
	s.openDays = openDays
	s.mu.Unlock()

	s.log.Debug().
		Int("days", len(open)).
		Int("trading_days", len(openDays)).
		Msg("Calendar refreshed")
	return nil
}

// Loaded reports whether the calendar has any entries.
func (s *Service) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.open) > 0
}

// IsTradingDay reports whether the exchange is open on the given date.
// Dates outside the known calendar range are an error, not a guess.
func (s *Service) IsTradingDay(date string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.open) == 0 {
		return false, ErrNotLoaded
	}
	isOpen, known := s.open[date]
	if !known {
		return false, fmt.Errorf("date %s outside known calendar range", date)
	}
	return isOpen, nil
}

// TradingDatesBetween returns all trading days in [from, to], inclusive,
// in ascending order.
func (s *Service) TradingDatesBetween(from, to string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.open) == 0 {
		return nil, ErrNotLoaded
	}

	lo := sort.SearchStrings(s.openDays, from)
	hi := sort.SearchStrings(s.openDays, to)
	if hi < len(s.openDays) && s.openDays[hi] == to {
		hi++
	}

	out := make([]string, hi-lo)
	copy(out, s.openDays[lo:hi])
	return out, nil
}

// LatestTradingDayOnOrBefore returns the most recent trading day <= date.
func (s *Service) LatestTradingDayOnOrBefore(date string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.openDays) == 0 {
		return "", ErrNotLoaded
	}

	i := sort.SearchStrings(s.openDays, date)
	if i < len(s.openDays) && s.openDays[i] == date {
		return date, nil
	}
	if i == 0 {
		return "", fmt.Errorf("no trading day on or before %s", date)
	}
	return s.openDays[i-1], nil
}

// NextTradingDay returns the first trading day strictly after date.
func (s *Service) NextTradingDay(date string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.openDays) == 0 {
		return "", ErrNotLoaded
	}

	i := sort.SearchStrings(s.openDays, date)
	if i < len(s.openDays) && s.openDays[i] == date {
		i++
	}
	if i >= len(s.openDays) {
		return "", fmt.Errorf("no trading day after %s in known range", date)
	}
	return s.openDays[i], nil
}

// Range returns the first and last dates the calendar covers (open or not).
func (s *Service) Range() (first, last string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.open) == 0 {
		return "", "", ErrNotLoaded
	}

	for date := range s.open {
		if first == "" || date < first {
			first = date
		}
		if date > last {
			last = date
		}
	}
	return first, last, nil
}
