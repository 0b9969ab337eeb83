package settlement

import (
	"context"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/substrate-tools/payoutd/src/chainapi"
	"github.com/substrate-tools/payoutd/src/model"
	"github.com/substrate-tools/payoutd/src/payoutcache"
)

// ErrInsufficientBalance aborts a batch before anything is broadcast.
var ErrInsufficientBalance = errors.New("signer balance below fee preflight margin")

// ClaimRecorder persists settled claim outcomes; the postgres ledger
// implements it. A nil recorder disables persistence.
type ClaimRecorder interface {
	RecordClaims(ctx context.Context, batchID, chain string, results []model.ClaimResult) error
}

// Submitter turns an unclaimed-payout list into a batch of nonce-sequenced
// claim transactions and broadcasts them concurrently.
type Submitter struct {
	api       chainapi.ChainApi
	cache     *payoutcache.Store // nil disables the claimed-page merge side effect
	recorder  ClaimRecorder      // nil disables the settlement ledger
	chain     string
	feeMargin uint64
	logger    *zap.Logger
}

func NewSubmitter(api chainapi.ChainApi, cache *payoutcache.Store, recorder ClaimRecorder, chain string, feeMargin uint64, logger *zap.Logger) *Submitter {
	if feeMargin == 0 {
		feeMargin = 2
	}
	return &Submitter{
		api:       api,
		cache:     cache,
		recorder:  recorder,
		chain:     chain,
		feeMargin: feeMargin,
		logger:    logger.Named("settlement"),
	}
}

// FlattenClaims expands every (validator, era, page) tuple into one claim
// transaction, assigning sequential nonces from startNonce in input order.
func FlattenClaims(payouts []model.UnclaimedPayout, startNonce uint32) []model.ClaimTransaction {
	var txs []model.ClaimTransaction
	nonce := startNonce
	for _, payout := range payouts {
		for _, page := range payout.Pages {
			txs = append(txs, model.ClaimTransaction{
				Validator: payout.Validator,
				Era:       payout.Era,
				Page:      page,
				Nonce:     nonce,
			})
			nonce++
		}
	}
	return txs
}

// Preview lists the transactions a Submit call would broadcast, without
// touching the chain. Nonces are not assigned.
func Preview(payouts []model.UnclaimedPayout) []model.ClaimTransaction {
	return FlattenClaims(payouts, 0)
}

// Submit runs the full settlement protocol: fee/balance preflight, nonce
// assignment, concurrent broadcast, settled-outcome aggregation. A failed
// preflight broadcasts nothing; a failed transaction never cancels siblings.
func (s *Submitter) Submit(ctx context.Context, payouts []model.UnclaimedPayout, signer chainapi.Signer) (*model.SettlementReport, error) {
	report := &model.SettlementReport{BatchID: uuid.NewString()}
	total := model.PageCount(payouts)
	if total == 0 {
		return report, nil
	}

	nonce, free, err := s.api.AccountState(ctx, signer)
	if err != nil {
		return nil, errors.Wrap(err, "failed fetching signer account state")
	}

	txs := FlattenClaims(payouts, nonce)

	// one representative estimate scaled by the batch size, held to a safety
	// margin against fee drift between estimation and inclusion
	fee, err := s.api.EstimateClaimFee(ctx, signer, txs[0])
	if err != nil {
		return nil, errors.Wrap(err, "failed estimating claim fee")
	}
	totalFee := new(big.Int).Mul(fee, big.NewInt(int64(len(txs))))
	required := new(big.Int).Mul(totalFee, new(big.Int).SetUint64(s.feeMargin))
	if free.Cmp(required) < 0 {
		return nil, errors.Wrapf(ErrInsufficientBalance,
			"have %s, need %s (%dx margin over %s estimated)", free, required, s.feeMargin, totalFee)
	}
	report.EstimatedFee = totalFee

	s.logger.Info("broadcasting claim batch",
		zap.String("batch", report.BatchID),
		zap.Int("transactions", len(txs)),
		zap.Uint32("first_nonce", nonce),
		zap.String("estimated_fee", totalFee.String()))

	// nonces are pre-assigned, so every transaction can go out at once; the
	// chain itself sequences acceptance by nonce
	results := make([]model.ClaimResult, len(txs))
	var wg sync.WaitGroup
	for i, tx := range txs {
		i, tx := i, tx
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.api.SubmitClaim(ctx, signer, tx); err != nil {
				results[i] = model.ClaimResult{Tx: tx, Status: model.ClaimStatusError, Err: err.Error()}
				return
			}
			results[i] = model.ClaimResult{Tx: tx, Status: model.ClaimStatusConfirmed}
		}()
	}
	wg.Wait()

	m := defaultSettlementMetrics()
	report.Submitted = len(txs)
	for _, r := range results {
		if r.Status == model.ClaimStatusConfirmed {
			report.Succeeded++
			m.claimsConfirmed.Inc()
		} else {
			report.Failed = append(report.Failed, r)
			m.claimsFailed.Inc()
		}
	}

	s.mergeConfirmedIntoCache(ctx, results)

	if s.recorder != nil {
		if err := s.recorder.RecordClaims(ctx, report.BatchID, s.chain, results); err != nil {
			s.logger.Error("failed recording batch to ledger", zap.String("batch", report.BatchID), zap.Error(err))
		}
	}
	return report, nil
}

// mergeConfirmedIntoCache folds freshly claimed pages into the cache so a
// later cache-only scan reflects them. Purely an acceleration: a live scan
// would observe the same claims on chain.
func (s *Submitter) mergeConfirmedIntoCache(ctx context.Context, results []model.ClaimResult) {
	if s.cache == nil {
		return
	}
	type eraKey struct {
		validator model.StashAddr
		era       uint32
	}
	claimed := map[eraKey][]uint32{}
	for _, r := range results {
		if r.Status != model.ClaimStatusConfirmed {
			continue
		}
		k := eraKey{r.Tx.Validator, r.Tx.Era}
		claimed[k] = append(claimed[k], r.Tx.Page)
	}
	for k, pages := range claimed {
		if _, err := s.cache.MergeClaimedPages(ctx, s.chain, k.validator, k.era, pages); err != nil {
			s.logger.Warn("failed merging claimed pages into cache",
				zap.String("validator", string(k.validator)), zap.Uint32("era", k.era), zap.Error(err))
		}
	}
}
