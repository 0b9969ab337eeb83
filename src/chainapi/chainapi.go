package chainapi

import (
	"context"
	"math/big"

	"github.com/pkg/errors"

	"github.com/substrate-tools/payoutd/src/model"
)

// ErrNoActiveEra is returned when the chain has not started its first era yet.
var ErrNoActiveEra = errors.New("chain reports no active era")

// Signer is the key material used to sign claim extrinsics. The concrete
// implementation lives behind NewSignerFromSecret; the engines only need the
// on-chain identity.
type Signer interface {
	Address() string
	PublicKey() []byte
}

// ChainApi is the slice of node functionality the payout engines consume. The
// wire protocol, SCALE codec and key derivation all stay behind this boundary.
type ChainApi interface {
	// ActiveEra returns the index of the era currently accruing rewards.
	ActiveEra(ctx context.Context) (uint32, error)

	// HistoryDepth returns how many past eras the chain retains claims for.
	HistoryDepth(ctx context.Context) (uint32, error)

	// Exposure returns the validator's stake summary for one era, or nil when
	// the validator had no exposure recorded that era.
	Exposure(ctx context.Context, era uint32, validator model.StashAddr) (*model.ExposureSummary, error)

	// ClaimedPages returns the canonical set of already-claimed page indices
	// for one validator/era. Absent chain state yields an empty set.
	ClaimedPages(ctx context.Context, era uint32, validator model.StashAddr) ([]uint32, error)

	// AccountState returns the signer's next nonce and free balance.
	AccountState(ctx context.Context, signer Signer) (nonce uint32, free *big.Int, err error)

	// EstimateClaimFee estimates the inclusion fee of a single claim.
	EstimateClaimFee(ctx context.Context, signer Signer, tx model.ClaimTransaction) (*big.Int, error)

	// SubmitClaim signs, broadcasts and watches one claim transaction until
	// it is finalized, returning any signing/dispatch/finality error.
	SubmitClaim(ctx context.Context, signer Signer, tx model.ClaimTransaction) error
}
