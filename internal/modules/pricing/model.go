// README: Fare policy knobs. Rates are basis points (10000 bp = 100%).
package pricing

const FullBP int64 = 10000

type Config struct {
	Currency        string
	CommissionBP    int64
	PoolDiscountBP  int64
	CancelPenaltyBP int64
}

func DefaultConfig() Config {
	return Config{
		Currency:        "TWD",
		CommissionBP:    2000,
		PoolDiscountBP:  1000,
		CancelPenaltyBP: 2000,
	}
}

// CancelPenaltyFraction is the penalty expressed as a fraction for wallet settlement.
func (c Config) CancelPenaltyFraction() float64 {
	return float64(c.CancelPenaltyBP) / float64(FullBP)
}
