// Package backtest is the reference JobExecutor: it replays a simple trading
// strategy over daily closes and reports equity statistics.
package backtest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teranos/backtestq/errors"
)

// Strategy names a trading rule
type Strategy string

const (
	StrategyBuyHold  Strategy = "buy_hold"
	StrategySMACross Strategy = "sma_cross"
)

// DateLayout is the wire format for start_date and end_date
const DateLayout = "2006-01-02"

// Parameter limits
const (
	MaxSymbols    = 20
	MaxSpanYears  = 10
	MaxSMAWindow  = 200
	DefaultFast   = 10
	DefaultSlow   = 30
	maxCommission = 0.1
)

// Parameters is the JSON payload of a backtest job
type Parameters struct {
	Symbols        []string        `json:"symbols"`
	Strategy       Strategy        `json:"strategy"`
	FastWindow     int             `json:"fast_window,omitempty"`
	SlowWindow     int             `json:"slow_window,omitempty"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Commission     decimal.Decimal `json:"commission"` // rate, e.g. 0.0015 for 0.15%

	start, end time.Time
}

// ParseParameters decodes, defaults and validates a job payload
func ParseParameters(raw json.RawMessage) (*Parameters, error) {
	var p Parameters
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "parameters are not a valid backtest request: "+err.Error())
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateRaw checks a payload without keeping the result. It is the queue's
// parameter validator.
func ValidateRaw(raw json.RawMessage) error {
	_, err := ParseParameters(raw)
	return err
}

func (p *Parameters) applyDefaults() {
	if p.Strategy == "" {
		p.Strategy = StrategyBuyHold
	}
	if p.Strategy == StrategySMACross {
		if p.FastWindow == 0 {
			p.FastWindow = DefaultFast
		}
		if p.SlowWindow == 0 {
			p.SlowWindow = DefaultSlow
		}
	}
	for i, s := range p.Symbols {
		p.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// Validate checks ranges and parses the date window
func (p *Parameters) Validate() error {
	if len(p.Symbols) == 0 {
		return errors.NewValidationError("at least one symbol is required")
	}
	if len(p.Symbols) > MaxSymbols {
		return errors.NewValidationError("at most %d symbols allowed, got %d", MaxSymbols, len(p.Symbols))
	}
	seen := make(map[string]bool, len(p.Symbols))
	for _, s := range p.Symbols {
		if s == "" {
			return errors.NewValidationError("symbol cannot be empty")
		}
		if seen[s] {
			return errors.NewValidationError("duplicate symbol %s", s)
		}
		seen[s] = true
	}

	switch p.Strategy {
	case StrategyBuyHold:
	case StrategySMACross:
		if p.FastWindow < 1 || p.SlowWindow > MaxSMAWindow || p.FastWindow >= p.SlowWindow {
			err := errors.NewValidationError("sma windows must satisfy 1 <= fast < slow <= %d, got fast=%d slow=%d",
				MaxSMAWindow, p.FastWindow, p.SlowWindow)
			return errors.WithHint(err, "e.g. fast_window=10, slow_window=30")
		}
	default:
		return errors.NewValidationError("unknown strategy %q", p.Strategy)
	}

	start, err := time.Parse(DateLayout, p.StartDate)
	if err != nil {
		return errors.NewValidationError("start_date must be YYYY-MM-DD, got %q", p.StartDate)
	}
	end, err := time.Parse(DateLayout, p.EndDate)
	if err != nil {
		return errors.NewValidationError("end_date must be YYYY-MM-DD, got %q", p.EndDate)
	}
	if !end.After(start) {
		return errors.NewValidationError("end_date must be after start_date")
	}
	if end.After(start.AddDate(MaxSpanYears, 0, 0)) {
		return errors.NewValidationError("date range cannot exceed %d years", MaxSpanYears)
	}

	if !p.InitialCapital.IsPositive() {
		return errors.NewValidationError("initial_capital must be positive")
	}
	if p.Commission.IsNegative() || p.Commission.GreaterThanOrEqual(decimal.NewFromFloat(maxCommission)) {
		return errors.NewValidationError("commission must be in [0, %.2f)", maxCommission)
	}

	p.start, p.end = start, end
	return nil
}

// Window returns the parsed start and end dates. Valid after Validate.
func (p *Parameters) Window() (time.Time, time.Time) {
	return p.start, p.end
}
