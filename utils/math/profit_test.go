package math

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlashLoanFee(t *testing.T) {
	// 10,000 USDC at 6 decimals, 5 bps
	amount := big.NewInt(10_000_000_000)
	fee := FlashLoanFee(amount, 5)
	assert.Equal(t, big.NewInt(5_000_000), fee)

	// Flooring: 999 * 5 / 10000 = 0.4995 -> 0
	assert.Equal(t, int64(0), FlashLoanFee(big.NewInt(999), 5).Int64())
}

func TestNetProfitMatchesReference(t *testing.T) {
	cases := []struct {
		amountIn    int64
		feeBps      int64
		amountFinal int64
	}{
		{10_000_000_000, 5, 10_010_000_000},
		{10_000_000_000, 5, 10_060_000_000},
		{1, 5, 2},
		{1_000_000_000_000_000_000, 9, 1_000_000_000_000_000_001},
		{7_777_777, 30, 7_777_776},
	}

	for _, c := range cases {
		in := big.NewInt(c.amountIn)
		final := big.NewInt(c.amountFinal)

		// Independent big-integer reference computation.
		ref := new(big.Int).Mul(in, big.NewInt(c.feeBps))
		ref.Div(ref, big.NewInt(10000))
		ref.Add(ref, in)
		ref.Sub(final, ref)

		got := NetProfit(final, in, c.feeBps)
		assert.Zero(t, got.Cmp(ref), "amountIn=%d feeBps=%d", c.amountIn, c.feeBps)
	}
}

func TestProfitBps(t *testing.T) {
	// profit 5_000_000 over 10_000_000_000 borrowed = 5 bps
	assert.Equal(t, int64(5), ProfitBps(big.NewInt(5_000_000), big.NewInt(10_000_000_000)))
	assert.Equal(t, int64(55), ProfitBps(big.NewInt(55_000_000), big.NewInt(10_000_000_000)))

	// Flooring toward zero on the boundary.
	assert.Equal(t, int64(9), ProfitBps(big.NewInt(9_999_999), big.NewInt(10_000_000_000)))
}

func TestAmountOwed(t *testing.T) {
	owed := AmountOwed(big.NewInt(10_000_000_000), 5)
	assert.Equal(t, big.NewInt(10_005_000_000), owed)
}

func TestMaxMin(t *testing.T) {
	a, b := big.NewInt(3), big.NewInt(7)
	assert.Equal(t, b, Max(a, b))
	assert.Equal(t, a, Min(a, b))
}
