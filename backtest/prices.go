package backtest

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one daily close
type Bar struct {
	Date  time.Time
	Close decimal.Decimal
}

// PriceSource supplies daily closes for a symbol over [start, end]
type PriceSource interface {
	Bars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
}

// SyntheticPrices is a deterministic random walk per symbol. The same seed,
// symbol and window always produce the same series.
type SyntheticPrices struct {
	Seed int64
}

// Bars generates weekday closes between start and end inclusive
func (s SyntheticPrices) Bars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewSource(s.Seed ^ int64(h.Sum64())))

	price := 20 + rng.Float64()*180
	var bars []Bar
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if isWeekend(day) {
			continue
		}
		// Daily return ~ N(0.0003, 0.02)
		price *= 1 + 0.0003 + rng.NormFloat64()*0.02
		if price < 1 {
			price = 1
		}
		bars = append(bars, Bar{Date: day, Close: decimal.NewFromFloat(price).Round(2)})
	}
	return bars, nil
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
