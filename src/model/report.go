package model

import (
	"fmt"
	"math/big"
)

// ClaimTransaction is one payout_stakers_by_page submission: a single page of
// a single validator/era, with its pre-assigned account nonce.
type ClaimTransaction struct {
	Validator StashAddr
	Era       uint32
	Page      uint32
	Nonce     uint32
}

type ClaimStatus string

const ( // needs to match `claim_status` in pg when the ledger is enabled
	ClaimStatusOwed      ClaimStatus = "owed"
	ClaimStatusSubmitted ClaimStatus = "submitted"
	ClaimStatusConfirmed ClaimStatus = "confirmed"
	ClaimStatusError     ClaimStatus = "error"
)

// ClaimResult is the settled outcome of one broadcast claim transaction.
type ClaimResult struct {
	Tx     ClaimTransaction
	Status ClaimStatus
	Err    string // populated when Status == ClaimStatusError
}

// SettlementReport aggregates one submission batch: how many claims were
// broadcast, how many finalized, and the individual failures.
type SettlementReport struct {
	BatchID      string
	Submitted    int
	Succeeded    int
	Failed       []ClaimResult
	EstimatedFee *big.Int // preflight estimate for the whole batch
}

func (r *SettlementReport) Summary() string {
	return fmt.Sprintf("batch %s: %d/%d claims finalized, %d failed",
		r.BatchID, r.Succeeded, r.Submitted, len(r.Failed))
}
