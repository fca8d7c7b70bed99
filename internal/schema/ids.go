// Package schema defines the venue-agnostic order, report, and event model.
package schema

import (
	"strings"

	"github.com/coachpo/tidemark/errs"
)

// ClientOrderID is the client-assigned stable order identifier.
type ClientOrderID string

// Value returns the raw identifier string.
func (c ClientOrderID) Value() string { return string(c) }

// Validate ensures the identifier is non-empty.
func (c ClientOrderID) Validate() error {
	if strings.TrimSpace(string(c)) == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("client order id required"))
	}
	return nil
}

// VenueOrderID is the venue-assigned order identifier, known only after acceptance.
type VenueOrderID string

// Value returns the raw identifier string.
func (v VenueOrderID) Value() string { return string(v) }

// TradeID identifies a single fill reported by the venue.
type TradeID string

// InstrumentID identifies a tradable instrument in BASE-QUOTE form.
type InstrumentID string

// Symbol returns the venue symbol without the settlement suffix.
func (i InstrumentID) Symbol() string {
	return strings.TrimSuffix(string(i), "-PERP")
}

// InstrumentFromSymbol maps a venue perpetual symbol back to the canonical
// instrument identifier.
func InstrumentFromSymbol(symbol string) InstrumentID {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return ""
	}
	return InstrumentID(symbol + "-PERP")
}

// ValidateInstrument verifies the canonical instrument representation (BASE-QUOTE).
func ValidateInstrument(id InstrumentID) error {
	symbol := strings.TrimSpace(string(id))
	if symbol == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	parts := strings.Split(symbol, "-")
	if len(parts) < 2 {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("instrument requires base-quote"))
	}
	for _, part := range parts {
		if part == "" {
			return errs.New("", errs.CodeInvalid, errs.WithMessage("instrument contains empty leg"))
		}
		if strings.ToUpper(part) != part {
			return errs.New("", errs.CodeInvalid, errs.WithMessage("instrument must be uppercase"))
		}
	}
	return nil
}

// StrategyID identifies the strategy owning an order.
type StrategyID string

// AccountID identifies a venue account (venue-wallet-subaccount).
type AccountID string
