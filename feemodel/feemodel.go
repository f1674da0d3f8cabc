// Package feemodel calculates the coinswap fee a maker charges for
// routing a hop, and carries the fixed transaction-size constants the fee
// estimate and contract-fee-stipend depend on.
package feemodel

// MakerFundingTxVByteSize is the fixed virtual size, in vbytes, the taker
// assumes a maker's funding transaction will have when estimating the
// miner fee to budget for a hop. Kept as a fixed constant rather than
// computed from an actual transaction template, matching the reference
// implementation's MAKER_FUNDING_TX_VBYTE_SIZE: the funding transaction's
// shape (inputs drawn from the maker's wallet, one swap output, one
// change output) doesn't vary enough between makers to justify the
// complexity of computing it per-hop, and a too-low estimate only costs
// the taker a slightly stale fee quote, never a stuck transaction (makers
// fund from their own wallet at their own chosen fee rate).
const MakerFundingTxVByteSize = 372

// Offer mirrors the subset of wire.Offer the fee calculation needs,
// decoupled from the wire package so this package has no wire dependency.
type Offer struct {
	AbsoluteFeeSat       int64
	AmountRelativeFeePPB int64
	TimeRelativeFeePPB   int64
}

// CalculateCoinswapFee computes the fee a maker charges to route
// totalFundingAmount for timeInBlocks blocks under offer's terms:
//
//	fee = absolute_fee_sat
//	    + total_funding_amount * amount_relative_fee_ppb / 1e9
//	    + time_in_blocks       * time_relative_fee_ppb   / 1e9
//
// All three terms use truncating integer division — a
// maker with a small relative-fee-ppb quoting a small amount can
// legitimately charge zero for that term, and this must not be rounded
// up to make the maker's revenue look tidier.
func CalculateCoinswapFee(offer Offer, totalFundingAmount int64, timeInBlocks int64) int64 {
	amountFee := (totalFundingAmount * offer.AmountRelativeFeePPB) / 1_000_000_000
	timeFee := (timeInBlocks * offer.TimeRelativeFeePPB) / 1_000_000_000
	return offer.AbsoluteFeeSat + amountFee + timeFee
}
