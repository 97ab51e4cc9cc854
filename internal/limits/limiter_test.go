package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kazylambist/meteo/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func wager(hhmm string, choice model.Choice) model.DirectionalWager {
	return model.DirectionalWager{TargetTime: hhmm, Choice: choice, Stake: d(10)}
}

func TestSlotLimiter_WithinLimits(t *testing.T) {
	limiter := NewSlotLimiter(3)

	if err := limiter.Check(nil, "15:00", model.ChoiceRain); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestSlotLimiter_OppositeChoiceSameSlot(t *testing.T) {
	limiter := NewSlotLimiter(3)
	existing := []model.DirectionalWager{wager("15:00", model.ChoiceRain)}

	err := limiter.Check(existing, "15:00", model.ChoiceNoRain)
	if !errors.Is(err, ErrChoiceConflict) {
		t.Fatalf("expected ErrChoiceConflict, got %v", err)
	}
	rej, ok := model.AsRejection(err)
	if !ok || rej.Code != model.CodeChoiceConflict {
		t.Errorf("expected choice_conflict rejection, got %v", err)
	}
}

func TestSlotLimiter_OppositeChoiceOtherSlot(t *testing.T) {
	limiter := NewSlotLimiter(3)
	existing := []model.DirectionalWager{wager("15:00", model.ChoiceRain)}

	if err := limiter.Check(existing, "18:00", model.ChoiceNoRain); err != nil {
		t.Errorf("opposite choice on another slot should be allowed, got %v", err)
	}
}

func TestSlotLimiter_FourthDistinctSlotRejected(t *testing.T) {
	limiter := NewSlotLimiter(3)
	existing := []model.DirectionalWager{
		wager("09:00", model.ChoiceRain),
		wager("12:00", model.ChoiceRain),
		wager("18:00", model.ChoiceNoRain),
	}

	err := limiter.Check(existing, "21:00", model.ChoiceRain)
	if !errors.Is(err, ErrSlotLimit) {
		t.Fatalf("expected ErrSlotLimit, got %v", err)
	}
	rej, _ := model.AsRejection(err)
	slots, _ := rej.Detail["slots"].([]string)
	if len(slots) != 3 || slots[0] != "09:00" {
		t.Errorf("rejection should list existing slots, got %v", rej.Detail["slots"])
	}
}

func TestSlotLimiter_ExistingSlotReused(t *testing.T) {
	limiter := NewSlotLimiter(3)
	existing := []model.DirectionalWager{
		wager("09:00", model.ChoiceRain),
		wager("12:00", model.ChoiceRain),
		wager("18:00", model.ChoiceNoRain),
		wager("18:00", model.ChoiceNoRain),
	}

	// A further amount on an existing slot succeeds even at the slot maximum.
	if err := limiter.Check(existing, "18:00", model.ChoiceNoRain); err != nil {
		t.Errorf("stake on existing slot should succeed, got %v", err)
	}
}

func TestNewSlotLimiter_MinimumOne(t *testing.T) {
	limiter := NewSlotLimiter(0)
	if limiter.MaxSlots != 1 {
		t.Errorf("expected MaxSlots=1, got %d", limiter.MaxSlots)
	}
}

func TestCheckHourlyTarget(t *testing.T) {
	existing := []model.HourlyWager{{TargetPct: 80}}

	if err := CheckHourlyTarget(existing, 80); err != nil {
		t.Errorf("same target should be allowed, got %v", err)
	}
	if err := CheckHourlyTarget(existing, 75); !errors.Is(err, ErrTargetLocked) {
		t.Errorf("expected ErrTargetLocked, got %v", err)
	}
	if err := CheckHourlyTarget(nil, 10); err != nil {
		t.Errorf("empty slot should accept any target, got %v", err)
	}
}

func TestPoolLimiter(t *testing.T) {
	limiter := NewPoolLimiter(d(1.0))

	tests := []struct {
		name      string
		active    float64
		principal float64
		wantErr   bool
	}{
		{"empty pool", 0, 0.4, false},
		{"exactly full", 0.6, 0.4, false},
		{"over by a little", 0.7, 0.4, true},
		{"already full", 1.0, 0.01, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := limiter.Check(d(tt.active), d(tt.principal))
			if tt.wantErr != (err != nil) {
				t.Errorf("Check(%v, %v) error = %v, wantErr %v", tt.active, tt.principal, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPoolExceeded) {
				t.Errorf("expected ErrPoolExceeded, got %v", err)
			}
		})
	}
}
