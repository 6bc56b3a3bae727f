package settlement

import "math/big"

// Fixed gas limits per contract operation. Estimation is skipped on purpose:
// these calls have bounded, known costs and a failed estimate must never
// block a settlement.
const (
	GasLimitApprove      = uint64(60_000)
	GasLimitDeposit      = uint64(120_000)
	GasLimitPayout       = uint64(100_000)
	GasLimitRefund       = uint64(90_000)
	GasLimitRecordEscrow = uint64(80_000)
)

// Gas price headroom: suggested price times 1.2, in integer arithmetic.
const (
	gasPriceNumerator   = 1200
	gasPriceDenominator = 1000
)

// bumpGasPrice returns the suggested price with 20% headroom so settlement
// transactions do not stall behind a moving base fee.
func bumpGasPrice(suggested *big.Int) *big.Int {
	bumped := new(big.Int).Mul(suggested, big.NewInt(gasPriceNumerator))
	return bumped.Div(bumped, big.NewInt(gasPriceDenominator))
}
