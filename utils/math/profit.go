package math

import "math/big"

var bpsDenominator = big.NewInt(10000)

// FlashLoanFee returns floor(amountIn * feeBps / 10000).
func FlashLoanFee(amountIn *big.Int, feeBps int64) *big.Int {
	fee := new(big.Int).Mul(amountIn, big.NewInt(feeBps))
	return fee.Div(fee, bpsDenominator)
}

// AmountOwed returns the total repayment for a flash loan of amountIn.
func AmountOwed(amountIn *big.Int, feeBps int64) *big.Int {
	return new(big.Int).Add(amountIn, FlashLoanFee(amountIn, feeBps))
}

// NetProfit returns amountFinal - (amountIn + flashLoanFee). The result may
// be negative; callers check Sign.
func NetProfit(amountFinal, amountIn *big.Int, feeBps int64) *big.Int {
	return new(big.Int).Sub(amountFinal, AmountOwed(amountIn, feeBps))
}

// ProfitBps returns floor(profit * 10000 / amountIn). amountIn must be
// positive.
func ProfitBps(profit, amountIn *big.Int) int64 {
	bps := new(big.Int).Mul(profit, bpsDenominator)
	bps.Div(bps, amountIn)
	return bps.Int64()
}

// Max returns the larger of x and y.
func Max(x, y *big.Int) *big.Int {
	if x.Cmp(y) >= 0 {
		return new(big.Int).Set(x)
	}
	return new(big.Int).Set(y)
}

// Min returns the smaller of x and y.
func Min(x, y *big.Int) *big.Int {
	if x.Cmp(y) <= 0 {
		return new(big.Int).Set(x)
	}
	return new(big.Int).Set(y)
}
