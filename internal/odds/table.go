package odds

import (
	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
)

// MaxOffset is the furthest day ahead a directional wager may target.
const MaxOffset = 31

// baseTable maps the day offset of a directional target to its base odds.
// Near-term offsets are flat; the far horizon carries more variance.
var baseTable = map[int]float64{
	1: 1.0, 2: 1.0, 3: 1.1, 4: 1.2, 5: 1.3, 6: 1.4, 7: 1.5, 8: 1.6, 9: 1.7, 10: 1.8,
	11: 2.0, 12: 2.0, 13: 2.0, 14: 2.0, 15: 2.0, 16: 2.0, 17: 2.0, 18: 2.0,
	19: 2.5, 20: 2.5, 21: 2.4, 22: 2.3, 23: 2.2, 24: 2.2, 25: 2.0,
	26: 2.1, 27: 2.4, 28: 2.7, 29: 2.8, 30: 2.9, 31: 3.0,
}

// TableOdds returns the base odds for a day offset, or false if the table
// has no entry for it.
func TableOdds(offset int) (decimal.Decimal, bool) {
	v, ok := baseTable[offset]
	if !ok {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(v).Round(model.OddsScale), true
}

var (
	hourlyFloor = decimal.RequireFromString("1.2")
	hourlyCeil  = decimal.RequireFromString("3.0")
	hourlyStep  = decimal.RequireFromString("0.02")
)

// HourlyOdds returns the odds of an hourly humidity wager placed hoursAhead
// before its slot: 1.2 + 0.02 per hour, clamped to [1.2, 3.0].
func HourlyOdds(hoursAhead float64) decimal.Decimal {
	if hoursAhead < 0 {
		hoursAhead = 0
	}
	o := hourlyFloor.Add(hourlyStep.Mul(decimal.NewFromFloat(hoursAhead)))
	return clamp(o, hourlyFloor, hourlyCeil).Round(model.OddsScale)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
