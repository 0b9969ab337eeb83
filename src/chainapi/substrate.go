package chainapi

import (
	"context"
	"math/big"
	"strings"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/substrate-tools/payoutd/src/model"
)

// SubstrateApi implements ChainApi against a live node via gsrpc.
type SubstrateApi struct {
	api            *gsrpc.SubstrateAPI
	meta           *types.Metadata
	genesisHash    types.Hash
	runtimeVersion *types.RuntimeVersion

	pageSize        uint32 // nominators per page in the legacy exposure form
	historyFallback uint32 // used when the runtime keeps HistoryDepth as a constant
	logger          *zap.Logger
}

func NewSubstrateApi(url string, pageSize, historyFallback uint32, logger *zap.Logger) (*SubstrateApi, error) {
	api, err := gsrpc.NewSubstrateAPI(url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed connecting to node at %s", url)
	}
	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, errors.Wrap(err, "failed fetching chain metadata")
	}
	genesisHash, err := api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		return nil, errors.Wrap(err, "failed fetching genesis hash")
	}
	rv, err := api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return nil, errors.Wrap(err, "failed fetching runtime version")
	}
	return &SubstrateApi{
		api:             api,
		meta:            meta,
		genesisHash:     genesisHash,
		runtimeVersion:  rv,
		pageSize:        pageSize,
		historyFallback: historyFallback,
		logger:          logger.With(zap.String("component", "substrate_api"), zap.String("url", url)),
	}, nil
}

// pagedExposureMeta mirrors Staking.ErasStakersOverview storage values.
type pagedExposureMeta struct {
	Total          types.UCompact
	Own            types.UCompact
	NominatorCount types.U32
	PageCount      types.U32
}

// clippedExposure mirrors the legacy Staking.ErasStakersClipped values.
type clippedExposure struct {
	Total  types.UCompact
	Own    types.UCompact
	Others []individualExposure
}

type individualExposure struct {
	Who   types.AccountID
	Value types.UCompact
}

func (s *SubstrateApi) ActiveEra(ctx context.Context) (uint32, error) {
	key, err := types.CreateStorageKey(s.meta, "Staking", "ActiveEra")
	if err != nil {
		return 0, errors.Wrap(err, "failed building ActiveEra storage key")
	}
	// only the leading index is needed; the era start timestamp that follows
	// it in the encoding is left undecoded
	var era struct{ Index types.U32 }
	ok, err := s.api.RPC.State.GetStorageLatest(key, &era)
	if err != nil {
		return 0, errors.Wrap(err, "failed querying active era")
	}
	if !ok {
		return 0, ErrNoActiveEra
	}
	return uint32(era.Index), nil
}

func (s *SubstrateApi) HistoryDepth(ctx context.Context) (uint32, error) {
	// newer runtimes moved HistoryDepth from storage to a pallet constant;
	// fall back to the configured value when the storage item is gone
	key, err := types.CreateStorageKey(s.meta, "Staking", "HistoryDepth")
	if err != nil {
		return s.historyFallback, nil
	}
	var depth types.U32
	ok, err := s.api.RPC.State.GetStorageLatest(key, &depth)
	if err != nil {
		return 0, errors.Wrap(err, "failed querying history depth")
	}
	if !ok {
		return s.historyFallback, nil
	}
	return uint32(depth), nil
}

func (s *SubstrateApi) Exposure(ctx context.Context, era uint32, validator model.StashAddr) (*model.ExposureSummary, error) {
	accountID, err := stashAccountID(validator)
	if err != nil {
		return nil, err
	}
	eraArg, err := codec.Encode(types.NewU32(era))
	if err != nil {
		return nil, errors.Wrap(err, "failed encoding era index")
	}

	if key, err := types.CreateStorageKey(s.meta, "Staking", "ErasStakersOverview", eraArg, accountID.ToBytes()); err == nil {
		var paged pagedExposureMeta
		ok, err := s.api.RPC.State.GetStorageLatest(key, &paged)
		if err != nil {
			return nil, errors.Wrapf(err, "failed querying paged exposure for %s era %d", validator, era)
		}
		if ok {
			return &model.ExposureSummary{
				TotalStake:     compactToBig(paged.Total),
				OwnStake:       compactToBig(paged.Own),
				NominatorCount: uint32(paged.NominatorCount),
				PageCount:      uint32(paged.PageCount),
				Paged:          true,
			}, nil
		}
		// fall through: eras older than the paged migration only exist in
		// the clipped map
	}

	key, err := types.CreateStorageKey(s.meta, "Staking", "ErasStakersClipped", eraArg, accountID.ToBytes())
	if err != nil {
		return nil, errors.Wrap(err, "failed building clipped exposure storage key")
	}
	var clipped clippedExposure
	ok, err := s.api.RPC.State.GetStorageLatest(key, &clipped)
	if err != nil {
		return nil, errors.Wrapf(err, "failed querying clipped exposure for %s era %d", validator, era)
	}
	if !ok {
		return nil, nil
	}
	nominators := uint32(len(clipped.Others))
	return &model.ExposureSummary{
		TotalStake:     compactToBig(clipped.Total),
		OwnStake:       compactToBig(clipped.Own),
		NominatorCount: nominators,
		PageCount:      pageCountForNominators(nominators, s.pageSize),
	}, nil
}

func (s *SubstrateApi) ClaimedPages(ctx context.Context, era uint32, validator model.StashAddr) ([]uint32, error) {
	accountID, err := stashAccountID(validator)
	if err != nil {
		return nil, err
	}
	eraArg, err := codec.Encode(types.NewU32(era))
	if err != nil {
		return nil, errors.Wrap(err, "failed encoding era index")
	}
	key, err := types.CreateStorageKey(s.meta, "Staking", "ClaimedRewards", eraArg, accountID.ToBytes())
	if err != nil {
		// runtime predates paged claims; nothing recorded means nothing claimed
		s.logger.Debug("runtime has no ClaimedRewards storage", zap.Error(err))
		return nil, nil
	}
	var pages []types.U32
	ok, err := s.api.RPC.State.GetStorageLatest(key, &pages)
	if err != nil {
		return nil, errors.Wrapf(err, "failed querying claimed pages for %s era %d", validator, era)
	}
	if !ok {
		return nil, nil
	}
	raw := make([]uint32, 0, len(pages))
	for _, p := range pages {
		raw = append(raw, uint32(p))
	}
	return model.NormalizePages(raw), nil
}

func (s *SubstrateApi) AccountState(ctx context.Context, signer Signer) (uint32, *big.Int, error) {
	key, err := types.CreateStorageKey(s.meta, "System", "Account", signer.PublicKey())
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed building account storage key")
	}
	var info types.AccountInfo
	ok, err := s.api.RPC.State.GetStorageLatest(key, &info)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "failed querying account state for %s", signer.Address())
	}
	if !ok {
		return 0, big.NewInt(0), nil
	}
	return uint32(info.Nonce), info.Data.Free.Int, nil
}

func (s *SubstrateApi) EstimateClaimFee(ctx context.Context, signer Signer, tx model.ClaimTransaction) (*big.Int, error) {
	ext, err := s.buildSignedClaim(signer, tx)
	if err != nil {
		return nil, err
	}
	encoded, err := codec.EncodeToHex(ext)
	if err != nil {
		return nil, errors.Wrap(err, "failed encoding extrinsic for fee query")
	}
	var info struct {
		PartialFee string `json:"partialFee"`
	}
	if err := s.api.Client.Call(&info, "payment_queryInfo", encoded); err != nil {
		return nil, errors.Wrap(err, "failed querying payment info")
	}
	fee, err := parseBalance(info.PartialFee)
	if err != nil {
		return nil, errors.Wrapf(err, "failed parsing partial fee %q", info.PartialFee)
	}
	return fee, nil
}

func (s *SubstrateApi) SubmitClaim(ctx context.Context, signer Signer, tx model.ClaimTransaction) error {
	ext, err := s.buildSignedClaim(signer, tx)
	if err != nil {
		return err
	}
	sub, err := s.api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return errors.Wrapf(err, "failed broadcasting claim for %s era %d page %d", tx.Validator, tx.Era, tx.Page)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case status := <-sub.Chan():
			switch {
			case status.IsFinalized:
				s.logger.Info("claim finalized",
					zap.String("validator", string(tx.Validator)),
					zap.Uint32("era", tx.Era),
					zap.Uint32("page", tx.Page),
					zap.String("block", status.AsFinalized.Hex()))
				return nil
			case status.IsDropped:
				return errors.Errorf("claim for %s era %d page %d was dropped", tx.Validator, tx.Era, tx.Page)
			case status.IsInvalid:
				return errors.Errorf("claim for %s era %d page %d is invalid", tx.Validator, tx.Era, tx.Page)
			case status.IsUsurped:
				return errors.Errorf("claim for %s era %d page %d was usurped by nonce reuse", tx.Validator, tx.Era, tx.Page)
			case status.IsFinalityTimeout:
				return errors.Errorf("claim for %s era %d page %d timed out awaiting finality", tx.Validator, tx.Era, tx.Page)
			}
		case err := <-sub.Err():
			return errors.Wrapf(err, "subscription failed for %s era %d page %d", tx.Validator, tx.Era, tx.Page)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *SubstrateApi) buildSignedClaim(signer Signer, tx model.ClaimTransaction) (types.Extrinsic, error) {
	ks, ok := signer.(*keyringSigner)
	if !ok {
		return types.Extrinsic{}, errors.New("signer was not produced by this package")
	}
	accountID, err := stashAccountID(tx.Validator)
	if err != nil {
		return types.Extrinsic{}, err
	}

	call, err := types.NewCall(s.meta, "Staking.payout_stakers_by_page", *accountID, types.NewU32(tx.Era), types.NewU32(tx.Page))
	if err != nil {
		// pre-paged runtimes only expose the single-page call
		call, err = types.NewCall(s.meta, "Staking.payout_stakers", *accountID, types.NewU32(tx.Era))
		if err != nil {
			return types.Extrinsic{}, errors.Wrap(err, "runtime exposes no payout call")
		}
	}

	ext := types.NewExtrinsic(call)
	opts := types.SignatureOptions{
		BlockHash:          s.genesisHash, // immortal
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        s.genesisHash,
		Nonce:              types.NewUCompactFromUInt(uint64(tx.Nonce)),
		SpecVersion:        s.runtimeVersion.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: s.runtimeVersion.TransactionVersion,
	}
	if err := ext.Sign(ks.pair, opts); err != nil {
		return types.Extrinsic{}, errors.Wrap(err, "failed signing claim extrinsic")
	}
	return ext, nil
}

func stashAccountID(stash model.StashAddr) (*types.AccountID, error) {
	_, pubkey, err := DecodeSS58(stash)
	if err != nil {
		return nil, err
	}
	accountID, err := types.NewAccountID(pubkey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed building account id for %s", stash)
	}
	return accountID, nil
}

func pageCountForNominators(nominators, pageSize uint32) uint32 {
	if pageSize == 0 {
		return 0
	}
	return (nominators + pageSize - 1) / pageSize
}

func compactToBig(v types.UCompact) *big.Int {
	b := big.Int(v)
	return new(big.Int).Set(&b)
}

func parseBalance(v string) (*big.Int, error) {
	out := new(big.Int)
	if strings.HasPrefix(v, "0x") {
		if _, ok := out.SetString(strings.TrimPrefix(v, "0x"), 16); !ok {
			return nil, errors.New("not a hex balance")
		}
		return out, nil
	}
	if _, ok := out.SetString(v, 10); !ok {
		return nil, errors.New("not a decimal balance")
	}
	return out, nil
}
