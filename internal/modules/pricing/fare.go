// README: Exact integer fare arithmetic: pooled splits, commission and penalties.
package pricing

import (
	"errors"
	"math"
)

var ErrInvalidRate = errors.New("invalid rate")

// RoundHalfUp returns amount*bp/10000 rounded half up to the minor unit.
// amount and bp must be non-negative.
func RoundHalfUp(amount, bp int64) int64 {
	return (amount*bp + FullBP/2) / FullBP
}

// FractionToBP converts a fraction in [0, 1] to basis points.
func FractionToBP(f float64) (int64, error) {
	if math.IsNaN(f) || f < 0 || f > 1 {
		return 0, ErrInvalidRate
	}
	return int64(math.Round(f * float64(FullBP))), nil
}

// SplitShare divides the discounted total among n participants in join order.
// Every participant gets pooled/n; the residual goes to the first participant
// so the shares always sum to the pooled total.
func SplitShare(totalFare int64, n int, discountBP int64) []int64 {
	if n <= 0 || totalFare < 0 {
		return nil
	}
	pooled := RoundHalfUp(totalFare, FullBP-discountBP)
	base := pooled / int64(n)
	shares := make([]int64, n)
	for i := range shares {
		shares[i] = base
	}
	shares[0] += pooled - base*int64(n)
	return shares
}

// Commission splits a collected fare into the driver payout and the platform cut.
func Commission(fare, commissionBP int64) (payout, commission int64) {
	commission = RoundHalfUp(fare, commissionBP)
	return fare - commission, commission
}

// Penalty splits a held amount into the retained penalty and the refund.
func Penalty(amount, penaltyBP int64) (retained, refunded int64) {
	retained = RoundHalfUp(amount, penaltyBP)
	return retained, amount - retained
}
