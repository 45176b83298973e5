package ledger

import "math"

// normalizeCharge rounds a fractional credit cost to a whole charge. Any
// non-zero positive cost charges at least one credit so that tiny calls
// are never free.
func normalizeCharge(cost float64) int64 {
	if cost <= 0 {
		return 0
	}
	c := int64(math.Round(cost))
	if c < 1 {
		return 1
	}
	return c
}

// CreditsForUSD converts a provider-reported USD cost into whole credits
// using the store's configured rate.
func (s *Store) CreditsForUSD(costUSD float64) int64 {
	return normalizeCharge(costUSD * float64(s.creditsPerUSD))
}
