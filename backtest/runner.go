package backtest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teranos/backtestq/errors"
	"github.com/teranos/backtestq/logger"
	"github.com/teranos/backtestq/pulse/queue"
)

// Result is the JSON stored on a completed job
type Result struct {
	Strategy       Strategy        `json:"strategy"`
	Symbols        []string        `json:"symbols"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	TradingDays    int             `json:"trading_days"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FinalEquity    decimal.Decimal `json:"final_equity"`
	TotalReturnPct decimal.Decimal `json:"total_return_pct"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`
	Trades         int             `json:"trades"`
	Commissions    decimal.Decimal `json:"commissions"`
}

// Runner executes backtest jobs
type Runner struct {
	prices PriceSource
	logger *zap.SugaredLogger

	// DayDelay pauses after each simulated day
	DayDelay time.Duration
}

// NewRunner creates a runner over a price source
func NewRunner(prices PriceSource, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{prices: prices, logger: log.Named("backtest")}
}

// position is an open holding in one symbol
type position struct {
	qty   decimal.Decimal
	entry decimal.Decimal
}

// symbolState tracks per-symbol series while walking days
type symbolState struct {
	closes   map[string]decimal.Decimal
	last     decimal.Decimal
	history  []decimal.Decimal
	budget   decimal.Decimal
	pos      *position
	prevDiff int // sign of fast-slow on the previous day
}

// Execute runs the job's backtest. It checks ctx once per simulated day.
func (r *Runner) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	params, err := ParseParameters(job.Parameters)
	if err != nil {
		return nil, err
	}
	start, end := params.Window()

	states := make(map[string]*symbolState, len(params.Symbols))
	perSymbol := params.InitialCapital.Div(decimal.NewFromInt(int64(len(params.Symbols))))
	for _, sym := range params.Symbols {
		bars, err := r.prices.Bars(ctx, sym, start, end)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load prices for %s", sym)
		}
		if len(bars) == 0 {
			return nil, errors.Newf("no price history for %s between %s and %s", sym, params.StartDate, params.EndDate)
		}
		st := &symbolState{closes: make(map[string]decimal.Decimal, len(bars)), budget: perSymbol}
		for _, b := range bars {
			st.closes[b.Date.Format(DateLayout)] = b.Close
		}
		states[sym] = st
	}

	res := &Result{
		Strategy:       params.Strategy,
		Symbols:        params.Symbols,
		StartDate:      params.StartDate,
		EndDate:        params.EndDate,
		InitialCapital: params.InitialCapital,
		Commissions:    decimal.Zero,
		MaxDrawdownPct: decimal.Zero,
	}
	peak := params.InitialCapital
	equity := params.InitialCapital

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if isWeekend(day) {
			continue
		}
		key := day.Format(DateLayout)
		traded := false

		for _, sym := range params.Symbols {
			st := states[sym]
			price, ok := st.closes[key]
			if !ok {
				continue
			}
			traded = true
			st.last = price
			st.history = append(st.history, price)

			switch r.signal(params, st) {
			case "BUY":
				r.buy(st, price, params.Commission, res)
			case "SELL":
				r.sell(st, price, params.Commission, res)
			}
		}
		if !traded {
			continue
		}
		res.TradingDays++

		equity = decimal.Zero
		for _, st := range states {
			equity = equity.Add(st.equity())
		}
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(equity).Div(peak).Mul(decimal.NewFromInt(100))
			if dd.GreaterThan(res.MaxDrawdownPct) {
				res.MaxDrawdownPct = dd
			}
		}

		if r.DayDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.DayDelay):
			}
		}
	}

	// Close remaining positions at the last seen price
	for _, sym := range params.Symbols {
		st := states[sym]
		if st.pos != nil {
			r.sell(st, st.last, params.Commission, res)
		}
	}
	equity = decimal.Zero
	for _, st := range states {
		equity = equity.Add(st.budget)
	}

	res.FinalEquity = equity.Round(2)
	res.TotalReturnPct = equity.Sub(params.InitialCapital).Div(params.InitialCapital).Mul(decimal.NewFromInt(100)).Round(4)
	res.MaxDrawdownPct = res.MaxDrawdownPct.Round(4)
	res.Commissions = res.Commissions.Round(2)

	log := r.logger
	if fields := logger.FieldsFromContext(ctx); len(fields) > 0 {
		log = log.With(fields...)
	} else {
		log = log.With(logger.FieldJobID, job.ID)
	}
	log.Debugw("Backtest finished",
		"strategy", params.Strategy,
		"trading_days", res.TradingDays,
		"trades", res.Trades,
		"return_pct", res.TotalReturnPct.String())

	out, err := json.Marshal(res)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode backtest result")
	}
	return out, nil
}

// signal decides today's action for one symbol
func (r *Runner) signal(p *Parameters, st *symbolState) string {
	switch p.Strategy {
	case StrategyBuyHold:
		if st.pos == nil && len(st.history) == 1 {
			return "BUY"
		}
	case StrategySMACross:
		if len(st.history) < p.SlowWindow {
			return ""
		}
		fast := sma(st.history, p.FastWindow)
		slow := sma(st.history, p.SlowWindow)
		diff := fast.Cmp(slow)
		prev := st.prevDiff
		st.prevDiff = diff
		if prev <= 0 && diff > 0 && st.pos == nil {
			return "BUY"
		}
		if prev >= 0 && diff < 0 && st.pos != nil {
			return "SELL"
		}
	}
	return ""
}

// buy spends the symbol's cash on whole shares
func (r *Runner) buy(st *symbolState, price, commission decimal.Decimal, res *Result) {
	unit := price.Mul(decimal.NewFromInt(1).Add(commission))
	if !unit.IsPositive() {
		return
	}
	qty := st.budget.Div(unit).Floor()
	if !qty.IsPositive() {
		return
	}
	notional := qty.Mul(price)
	fee := notional.Mul(commission)
	st.budget = st.budget.Sub(notional).Sub(fee)
	st.pos = &position{qty: qty, entry: price}
	res.Commissions = res.Commissions.Add(fee)
	res.Trades++
}

// sell closes the open position
func (r *Runner) sell(st *symbolState, price, commission decimal.Decimal, res *Result) {
	if st.pos == nil {
		return
	}
	notional := st.pos.qty.Mul(price)
	fee := notional.Mul(commission)
	st.budget = st.budget.Add(notional).Sub(fee)
	st.pos = nil
	res.Commissions = res.Commissions.Add(fee)
	res.Trades++
}

func (st *symbolState) equity() decimal.Decimal {
	if st.pos == nil {
		return st.budget
	}
	return st.budget.Add(st.pos.qty.Mul(st.last))
}

func sma(history []decimal.Decimal, window int) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range history[len(history)-window:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(window)))
}
