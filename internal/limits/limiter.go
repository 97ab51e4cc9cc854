// Package limits implements the placement rules that keep a user's
// positions consistent: distinct time slots per directional target, no
// opposite choices on one slot, one humidity target per hourly slot, and
// the normalised allocation pool.
//
// Checks run inside the store's placement transaction, so they see the
// same rows the insert will be committed against.
package limits

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
)

var (
	// ErrSlotLimit is returned when a new distinct clock time would exceed
	// the per-(user, day, scope) maximum.
	ErrSlotLimit = errors.New("limits: too many time slots for this day")

	// ErrChoiceConflict is returned when the opposite choice already
	// exists on the exact same slot.
	ErrChoiceConflict = errors.New("limits: opposite choice already placed on this slot")

	// ErrTargetLocked is returned when an hourly slot already carries a
	// different humidity target.
	ErrTargetLocked = errors.New("limits: slot already carries another target")

	// ErrPoolExceeded is returned when an allocation would push the ACTIVE
	// principal above the pool capacity.
	ErrPoolExceeded = errors.New("limits: allocation pool exceeded")
)

// SlotLimiter enforces the directional slot rules.
type SlotLimiter struct {
	// MaxSlots is the number of distinct clock times allowed per
	// (user, day, scope). Stakes on an existing slot are always allowed.
	MaxSlots int
}

// NewSlotLimiter creates a limiter. maxSlots < 1 is treated as 1.
func NewSlotLimiter(maxSlots int) *SlotLimiter {
	if maxSlots < 1 {
		maxSlots = 1
	}
	return &SlotLimiter{MaxSlots: maxSlots}
}

// Check validates a new stake at clock time hhmm with choice against the
// user's existing wagers for the same (day, scope).
func (l *SlotLimiter) Check(existing []model.DirectionalWager, hhmm string, choice model.Choice) error {
	slots := make(map[string]bool)
	for _, w := range existing {
		slots[w.TargetTime] = true
		if w.TargetTime == hhmm && w.Choice == choice.Opposite() {
			return model.Reject(model.CodeChoiceConflict, ErrChoiceConflict,
				"target_time", hhmm, "existing_choice", w.Choice)
		}
	}
	if slots[hhmm] {
		return nil
	}
	if len(slots) >= l.MaxSlots {
		return model.Reject(model.CodeSlotLimit, ErrSlotLimit,
			"max_slots", l.MaxSlots, "slots", sortedKeys(slots))
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckHourlyTarget allows adding to an hourly slot only with the target
// already placed there.
func CheckHourlyTarget(existing []model.HourlyWager, target int) error {
	for _, w := range existing {
		if w.TargetPct != target {
			return model.Reject(model.CodeTargetLocked, ErrTargetLocked, "target_pct", w.TargetPct)
		}
	}
	return nil
}

// PoolLimiter enforces the allocation-pool capacity.
type PoolLimiter struct {
	Capacity decimal.Decimal
	Epsilon  decimal.Decimal
}

// NewPoolLimiter creates a limiter for the given capacity with a 1e-9 tolerance.
func NewPoolLimiter(capacity decimal.Decimal) *PoolLimiter {
	return &PoolLimiter{Capacity: capacity, Epsilon: decimal.New(1, -9)}
}

// Check validates adding principal to the current ACTIVE total.
func (l *PoolLimiter) Check(active, principal decimal.Decimal) error {
	if active.Add(principal).GreaterThan(l.Capacity.Add(l.Epsilon)) {
		available := l.Capacity.Sub(active)
		if available.IsNegative() {
			available = decimal.Zero
		}
		return model.Reject(model.CodePoolExceeded, ErrPoolExceeded,
			"available", available, "capacity", l.Capacity)
	}
	return nil
}
