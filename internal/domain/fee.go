package domain

import "github.com/shopspring/decimal"

// FeeSchedule holds a venue's fee rates as fractions of notional.
type FeeSchedule struct {
	Venue         string
	Maker         decimal.Decimal
	Taker         decimal.Decimal
	MakerEligible bool
}

// Rate is the rate applied to arbitrage fills: taker unless the venue is
// explicitly marked maker-eligible.
func (f FeeSchedule) Rate() decimal.Decimal {
	if f.MakerEligible {
		return f.Maker
	}
	return f.Taker
}

// FeeTable maps venue name to its schedule.
type FeeTable map[string]FeeSchedule

// Lookup returns the schedule for venue.
func (t FeeTable) Lookup(venue string) (FeeSchedule, bool) {
	f, ok := t[venue]
	return f, ok
}

// Rate returns the applied rate for venue, zero when unknown.
func (t FeeTable) Rate(venue string) decimal.Decimal {
	return t[venue].Rate()
}
