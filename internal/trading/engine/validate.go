package engine

import (
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/precision"
)

// ValidateOrder checks every field of an inbound order against its pair.
// It never touches state, so a rejected order leaves no partial mutation.
func ValidateOrder(pair model.Pair, o model.Order) error {
	e := errors.ValidationError.Explain("invalid order %q", o.ID)
	if o.ID == "" {
		e = e.WithField("required", "id", "order id is required")
	}
	if o.UserID == "" {
		e = e.WithField("required", "user_id", "user id is required")
	}
	if o.Pair != pair.Symbol {
		e = e.WithField("mismatch", "pair", "order pair "+o.Pair+" does not match "+pair.Symbol)
	}
	if !o.Side.Valid() {
		e = e.WithField("oneof", "side", "side must be buy or sell")
	}
	if !o.Type.Valid() {
		e = e.WithField("oneof", "type", "type must be market or limit")
	}
	if reason := validateAmount(pair, o.Amount); reason != "" {
		e = e.WithField("amount", "amount", reason)
	}
	if o.Type == model.OrderTypeLimit {
		if reason := validatePrice(pair, o.Price); reason != "" {
			e = e.WithField("price", "price", reason)
		}
	}
	if len(e.Fields) > 0 {
		return e
	}
	return nil
}

func validateAmount(pair model.Pair, amount string) string {
	if err := precision.Validate(amount); err != nil {
		return "amount is not a decimal number"
	}
	if precision.Exceeds(amount, pair.BaseDecimals) {
		return "amount has more decimals than the base asset allows"
	}
	if pos, _ := precision.IsPositive(amount, pair.BaseDecimals); !pos {
		return "amount must be positive"
	}
	if pair.MinAmount != "" {
		if cmp, err := precision.Compare(amount, pair.MinAmount, pair.BaseDecimals); err == nil && cmp < 0 {
			return "amount is below the pair minimum " + pair.MinAmount
		}
	}
	if pair.MaxAmount != "" {
		if cmp, err := precision.Compare(amount, pair.MaxAmount, pair.BaseDecimals); err == nil && cmp > 0 {
			return "amount is above the pair maximum " + pair.MaxAmount
		}
	}
	return ""
}

func validatePrice(pair model.Pair, price string) string {
	if price == "" {
		return "limit orders require a price"
	}
	if err := precision.Validate(price); err != nil {
		return "price is not a decimal number"
	}
	if precision.Exceeds(price, pair.QuoteDecimals) {
		return "price has more decimals than the quote asset allows"
	}
	if pos, _ := precision.IsPositive(price, pair.QuoteDecimals); !pos {
		return "price must be positive"
	}
	return ""
}
