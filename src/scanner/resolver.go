package scanner

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/substrate-tools/payoutd/src/chainapi"
	"github.com/substrate-tools/payoutd/src/model"
)

// ResolveEraPayout converts raw chain state for one (validator, era) into the
// canonical EraPayoutStatus. A validator with no exposure that era yields
// TotalPages == 0, which is a cacheable permanent negative: no pages will
// ever become claimable for it.
func ResolveEraPayout(ctx context.Context, api chainapi.ChainApi, validator model.StashAddr, era uint32) (*model.EraPayoutStatus, error) {
	exposure, err := api.Exposure(ctx, era, validator)
	if err != nil {
		return nil, errors.Wrapf(err, "failed resolving exposure for %s era %d", validator, era)
	}
	if !exposure.Active() {
		return &model.EraPayoutStatus{
			Validator:   validator,
			Era:         era,
			TotalPages:  0,
			LastChecked: time.Now().UTC(),
		}, nil
	}

	claimed, err := api.ClaimedPages(ctx, era, validator)
	if err != nil {
		return nil, errors.Wrapf(err, "failed resolving claimed pages for %s era %d", validator, era)
	}

	pageCount := exposure.PageCount
	if pageCount == 0 {
		// staked with zero nominators: the validator's own payout still
		// occupies one claimable page
		pageCount = 1
	}

	return &model.EraPayoutStatus{
		Validator:    validator,
		Era:          era,
		TotalPages:   pageCount,
		ClaimedPages: model.NormalizePages(claimed),
		LastChecked:  time.Now().UTC(),
	}, nil
}
