package feemodel

import "testing"

func TestCalculateCoinswapFeeTruncates(t *testing.T) {
	offer := Offer{
		AbsoluteFeeSat:       500,
		AmountRelativeFeePPB: 1000,  // 1000 ppb = 0.0001%
		TimeRelativeFeePPB:   10000,
	}

	// total=100_000: amountFee = 100_000*1000/1e9 = 0.1 -> truncates to 0
	// timeInBlocks=6: timeFee = 6*10000/1e9 = 0.00006 -> truncates to 0
	got := CalculateCoinswapFee(offer, 100_000, 6)
	if got != 500 {
		t.Fatalf("fee = %d, want 500 (both relative terms should truncate to zero)", got)
	}

	// A large enough funding amount makes the amount-relative term non-zero.
	got = CalculateCoinswapFee(offer, 10_000_000_000, 6)
	want := int64(500 + 10_000_000_000*1000/1_000_000_000)
	if got != want {
		t.Fatalf("fee = %d, want %d", got, want)
	}
}
