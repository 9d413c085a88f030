// Package session provides NSE trading-hours awareness in IST.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// TimeOfDay is seconds since IST midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
		}
		vals[i] = v
	}
	if vals[0] > 23 || vals[1] > 59 || vals[2] > 59 || vals[0] < 0 || vals[1] < 0 || vals[2] < 0 {
		return 0, fmt.Errorf("time of day out of range %q", s)
	}
	return TimeOfDay(vals[0]*3600 + vals[1]*60 + vals[2]), nil
}

// At returns the time of day of t in IST.
func At(t time.Time) TimeOfDay {
	t = t.In(IndiaLocation)
	return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func (d TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(d)/3600, (int(d)%3600)/60)
}

// Phase names the part of the trading day.
type Phase string

const (
	PhaseClosed       Phase = "MARKET_CLOSED"
	PhaseOpeningNoise Phase = "OPENING_VOLATILITY"
	PhasePrimary      Phase = "PRIMARY_WINDOW"
	PhaseLunch        Phase = "LUNCH_PERIOD"
	PhaseSecondary    Phase = "SECONDARY_WINDOW"
	PhaseEndOfDay     Phase = "END_OF_DAY"
	PhaseGap          Phase = "GAP_PERIOD"
)

// Config holds the session windows as "HH:MM" strings.
type Config struct {
	MarketOpen       string `mapstructure:"market_open"`
	MarketClose      string `mapstructure:"market_close"`
	PlacementStart   string `mapstructure:"placement_start"`
	PlacementEnd     string `mapstructure:"placement_end"`
	OpeningNoiseEnd  string `mapstructure:"opening_noise_end"`
	PrimaryStart     string `mapstructure:"primary_start"`
	PrimaryEnd       string `mapstructure:"primary_end"`
	LunchStart       string `mapstructure:"lunch_start"`
	LunchEnd         string `mapstructure:"lunch_end"`
	SecondaryStart   string `mapstructure:"secondary_start"`
	SecondaryEnd     string `mapstructure:"secondary_end"`
	NoNewTradesAfter string `mapstructure:"no_new_trades_after"`
	FlattenBy        string `mapstructure:"flatten_by"`
	// EnforceQualityWindows additionally restricts entries to the primary
	// and secondary windows.
	EnforceQualityWindows bool     `mapstructure:"enforce_quality_windows"`
	Holidays              []string `mapstructure:"holidays"` // YYYY-MM-DD
}

// DefaultConfig returns the NSE cash-market windows.
func DefaultConfig() Config {
	return Config{
		MarketOpen:       "09:15",
		MarketClose:      "15:30",
		PlacementStart:   "09:15",
		PlacementEnd:     "15:20",
		OpeningNoiseEnd:  "09:30",
		PrimaryStart:     "09:45",
		PrimaryEnd:       "11:30",
		LunchStart:       "12:00",
		LunchEnd:         "13:15",
		SecondaryStart:   "13:45",
		SecondaryEnd:     "14:45",
		NoNewTradesAfter: "15:00",
		FlattenBy:        "15:20",
	}
}

// Hours answers trading-hours questions for a configured calendar.
type Hours struct {
	marketOpen, marketClose      TimeOfDay
	placementStart, placementEnd TimeOfDay
	openingNoiseEnd              TimeOfDay
	primaryStart, primaryEnd     TimeOfDay
	lunchStart, lunchEnd         TimeOfDay
	secondaryStart, secondaryEnd TimeOfDay
	noNewTradesAfter, flattenBy  TimeOfDay
	enforceQuality               bool

	mu       sync.RWMutex
	holidays map[string]bool
}

// NewHours parses cfg.
func NewHours(cfg Config) (*Hours, error) {
	h := &Hours{
		enforceQuality: cfg.EnforceQualityWindows,
		holidays:       make(map[string]bool),
	}

	fields := []struct {
		name string
		src  string
		dst  *TimeOfDay
	}{
		{"market_open", cfg.MarketOpen, &h.marketOpen},
		{"market_close", cfg.MarketClose, &h.marketClose},
		{"placement_start", cfg.PlacementStart, &h.placementStart},
		{"placement_end", cfg.PlacementEnd, &h.placementEnd},
		{"opening_noise_end", cfg.OpeningNoiseEnd, &h.openingNoiseEnd},
		{"primary_start", cfg.PrimaryStart, &h.primaryStart},
		{"primary_end", cfg.PrimaryEnd, &h.primaryEnd},
		{"lunch_start", cfg.LunchStart, &h.lunchStart},
		{"lunch_end", cfg.LunchEnd, &h.lunchEnd},
		{"secondary_start", cfg.SecondaryStart, &h.secondaryStart},
		{"secondary_end", cfg.SecondaryEnd, &h.secondaryEnd},
		{"no_new_trades_after", cfg.NoNewTradesAfter, &h.noNewTradesAfter},
		{"flatten_by", cfg.FlattenBy, &h.flattenBy},
	}
	for _, f := range fields {
		v, err := ParseTimeOfDay(f.src)
		if err != nil {
			return nil, fmt.Errorf("session.%s: %w", f.name, err)
		}
		*f.dst = v
	}
	if h.placementStart > h.placementEnd {
		return nil, fmt.Errorf("session: placement_start %s after placement_end %s", h.placementStart, h.placementEnd)
	}

	for _, d := range cfg.Holidays {
		day, err := time.ParseInLocation("2006-01-02", d, IndiaLocation)
		if err != nil {
			return nil, fmt.Errorf("session.holidays: %w", err)
		}
		h.AddHoliday(day)
	}
	return h, nil
}

// AddHoliday adds a market holiday.
func (h *Hours) AddHoliday(date time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holidays[date.In(IndiaLocation).Format("2006-01-02")] = true
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (h *Hours) IsTradingDay(t time.Time) bool {
	t = t.In(IndiaLocation)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.holidays[t.Format("2006-01-02")]
}

// IsMarketOpen reports whether the cash market is in continuous trading.
func (h *Hours) IsMarketOpen(t time.Time) bool {
	if !h.IsTradingDay(t) {
		return false
	}
	tod := At(t)
	return tod >= h.marketOpen && tod <= h.marketClose
}

// CanPlaceEntry reports whether a new entry order may be placed at t.
func (h *Hours) CanPlaceEntry(t time.Time) (bool, string) {
	if !h.IsTradingDay(t) {
		return false, "Market closed: not a trading day"
	}
	tod := At(t)
	if tod < h.placementStart || tod > h.placementEnd {
		return false, fmt.Sprintf("Orders only allowed between %s and %s IST (now %s)",
			h.placementStart, h.placementEnd, t.In(IndiaLocation).Format("15:04:05"))
	}
	if h.enforceQuality {
		switch p := h.Phase(t); p {
		case PhasePrimary, PhaseSecondary:
		default:
			return false, fmt.Sprintf("Outside trading windows (%s)", p)
		}
	}
	return true, ""
}

// Phase returns the named phase of the trading day at t.
func (h *Hours) Phase(t time.Time) Phase {
	if !h.IsMarketOpen(t) {
		return PhaseClosed
	}
	tod := At(t)
	switch {
	case tod < h.openingNoiseEnd:
		return PhaseOpeningNoise
	case tod >= h.primaryStart && tod <= h.primaryEnd:
		return PhasePrimary
	case tod >= h.lunchStart && tod < h.lunchEnd:
		return PhaseLunch
	case tod >= h.secondaryStart && tod <= h.secondaryEnd:
		return PhaseSecondary
	case tod >= h.noNewTradesAfter:
		return PhaseEndOfDay
	}
	return PhaseGap
}

// ShouldFlatten reports whether intraday positions must be closed.
func (h *Hours) ShouldFlatten(t time.Time) bool {
	return h.IsTradingDay(t) && At(t) >= h.flattenBy
}

// StartOfDay returns IST midnight of t's trading day.
func StartOfDay(t time.Time) time.Time {
	t = t.In(IndiaLocation)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, IndiaLocation)
}

// NextDayBoundary returns the next IST midnight after t.
func NextDayBoundary(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1)
}
