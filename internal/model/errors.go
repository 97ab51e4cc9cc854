package model

import (
	"errors"
	"fmt"
)

// Rejection codes returned to callers. They are part of the HTTP contract.
const (
	CodeBadRequest         = "bad_request"
	CodeBadAmount          = "bad_amount"
	CodeBadDate            = "bad_date"
	CodeBadChoice          = "bad_choice"
	CodeBadTarget          = "bad_target"
	CodePastDay            = "past_day"
	CodeSameDay            = "same_day"
	CodeTooFar             = "too_far"
	CodeNoOdds             = "no_odds"
	CodeSlotTooSoon        = "slot_too_soon"
	CodeSlotTooFar         = "slot_too_far"
	CodeSlotLimit          = "slot_limit"
	CodeChoiceConflict     = "choice_conflict"
	CodeTargetLocked       = "target_locked"
	CodePoolExceeded       = "pool_exceeded"
	CodeBadMaturity        = "bad_maturity"
	CodeNoPublishedValue   = "no_published_value"
	CodeInsufficientBudget = "insufficient_budget"
	CodeCapReached         = "cap_reached"
	CodeNoBolts            = "no_bolts"
	CodePriceTooLow        = "price_too_low"
	CodeBadPrice           = "bad_price"
	CodeNotSellable        = "bet_not_sellable"
	CodeAlreadyListed      = "already_listed"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeNotOpen            = "not_open"
	CodeCannotBuyOwn       = "cannot_buy_own"
	CodeExpired            = "expired"
	CodeNotActive          = "bet_not_active"
	CodeSelfGift           = "self_gift"
)

// Rejection is a structured refusal of an operation. Nothing was applied.
// Detail carries the current level of the resource involved (balance,
// bolts_left, min_price, ...) so a caller can react without another read.
type Rejection struct {
	Code   string
	Err    error
	Detail map[string]any
}

// Reject builds a Rejection from a code, an underlying sentinel and
// alternating key/value detail pairs.
func Reject(code string, err error, kv ...any) *Rejection {
	r := &Rejection{Code: code, Err: err}
	if len(kv) > 1 {
		r.Detail = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok {
				r.Detail[k] = kv[i+1]
			}
		}
	}
	return r
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Code, r.Err)
	}
	return r.Code
}

func (r *Rejection) Unwrap() error { return r.Err }

// AsRejection unwraps err into a Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
