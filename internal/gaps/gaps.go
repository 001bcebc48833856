// Package gaps detects missing trading days in the ingested data. The
// report it produces converts directly into a backfill request.
package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/events"
	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

// Calendar is the trading-calendar view the detector needs.
type Calendar interface {
	Loaded() bool
	TradingDatesBetween(from, to string) ([]string, error)
}

// PluginGaps lists the trading days a plugin's primary table has no rows
// for.
type PluginGaps struct {
	Plugin       string   `json:"plugin"`
	Table        string   `json:"table"`
	MissingDates []string `json:"missing_dates"`
}

// Report is the outcome of one detection pass.
type Report struct {
	From      string       `json:"from"`
	To        string       `json:"to"`
	CheckedAt time.Time    `json:"checked_at"`
	Plugins   []PluginGaps `json:"plugins"`
}

// TotalMissing counts missing (plugin, date) pairs across the report.
func (r *Report) TotalMissing() int {
	total := 0
	for _, pg := range r.Plugins {
		total += len(pg.MissingDates)
	}
	return total
}

// Detector compares the trading calendar against dates actually present in
// each daily plugin's primary table. Pure read; never mutates anything.
type Detector struct {
	store    *marketstore.Store
	cal      Calendar
	registry *plugin.Registry
	bus      *events.Bus
	log      zerolog.Logger
}

// NewDetector creates a gap detector.
func NewDetector(store *marketstore.Store, cal Calendar, registry *plugin.Registry, bus *events.Bus, log zerolog.Logger) *Detector {
	return &Detector{
		store:    store,
		cal:      cal,
		registry: registry,
		bus:      bus,
		log:      log.With().Str("component", "gaps").Logger(),
	}
}

// Detect scans [from, to] for every daily-scheduled plugin. A table that
// does not exist yet counts every trading day in range as missing.
func (d *Detector) Detect(ctx context.Context, from, to string) (*Report, error) {
	if !d.cal.Loaded() {
		return nil, fmt.Errorf("cannot detect gaps without a trading calendar")
	}

	tradingDays, err := d.cal.TradingDatesBetween(from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trading days: %w", err)
	}

	report := &Report{From: from, To: to, CheckedAt: time.Now()}

	for _, p := range d.registry.DailyPlugins() {
		desc := p.Descriptor()
		schema := desc.PrimaryTable()
		if schema.PartitionColumn == "" {
			// No date axis, nothing to compare against the calendar.
			continue
		}

		missing, err := d.detectTable(ctx, schema, tradingDays)
		if err != nil {
			return nil, fmt.Errorf("failed to detect gaps for %s: %w", desc.Name, err)
		}
		if len(missing) == 0 {
			continue
		}

		report.Plugins = append(report.Plugins, PluginGaps{
			Plugin:       desc.Name,
			Table:        schema.Name,
			MissingDates: missing,
		})
	}

	d.log.Info().
		Str("from", from).
		Str("to", to).
		Int("missing", report.TotalMissing()).
		Msg("Gap detection finished")

	if report.TotalMissing() > 0 {
		d.bus.Emit(events.GapsDetected, "gaps", map[string]interface{}{
			"from":    from,
			"to":      to,
			"missing": report.TotalMissing(),
			"plugins": len(report.Plugins),
		})
	}

	return report, nil
}

// DetectLookback scans the trailing window ending today.
func (d *Detector) DetectLookback(ctx context.Context, lookback time.Duration) (*Report, error) {
	now := time.Now()
	return d.Detect(ctx, now.Add(-lookback).Format("20060102"), now.Format("20060102"))
}

func (d *Detector) detectTable(ctx context.Context, schema marketstore.TableSchema, tradingDays []string) ([]string, error) {
	exists, err := d.store.TableExists(ctx, schema.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		out := make([]string, len(tradingDays))
		copy(out, tradingDays)
		return out, nil
	}

	if len(tradingDays) == 0 {
		return nil, nil
	}

	present, err := d.store.DatesPresent(ctx, schema.Name, schema.PartitionColumn,
		tradingDays[0], tradingDays[len(tradingDays)-1])
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(present))
	for _, date := range present {
		have[date] = true
	}

	var missing []string
	for _, date := range tradingDays {
		if !have[date] {
			missing = append(missing, date)
		}
	}
	return missing, nil
}
