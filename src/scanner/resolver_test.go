package scanner

import (
	"context"
	"math/big"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/substrate-tools/payoutd/src/model"
)

func TestResolveInactiveEraIsPermanentNegative(t *testing.T) {
	chain := &fakeChain{} // no exposure recorded at all
	status, err := ResolveEraPayout(context.Background(), chain, "S", 7)
	if err != nil {
		t.Fatal(err)
	}
	if status.TotalPages != 0 || len(status.ClaimedPages) != 0 {
		t.Fatalf("expected empty status for inactive era, got %+v", status)
	}
	if !status.FullyClaimed() {
		t.Fatal("inactive era must never re-enter the unclaimed set")
	}
}

func TestResolveZeroStakeIsInactive(t *testing.T) {
	chain := &fakeChain{
		exposures: map[string]*model.ExposureSummary{
			"S:7": {TotalStake: big.NewInt(0), PageCount: 3},
		},
	}
	status, err := ResolveEraPayout(context.Background(), chain, "S", 7)
	if err != nil {
		t.Fatal(err)
	}
	if status.TotalPages != 0 {
		t.Fatalf("zero stake should yield zero pages, got %d", status.TotalPages)
	}
}

func TestResolveValidatorWithoutNominatorsGetsOnePage(t *testing.T) {
	chain := &fakeChain{
		exposures: map[string]*model.ExposureSummary{
			"S:7": {TotalStake: big.NewInt(500), PageCount: 0},
		},
	}
	status, err := ResolveEraPayout(context.Background(), chain, "S", 7)
	if err != nil {
		t.Fatal(err)
	}
	if status.TotalPages != 1 {
		t.Fatalf("self-staked validator should still have 1 claimable page, got %d", status.TotalPages)
	}
	if d := cmp.Diff([]uint32{0}, status.Unclaimed()); d != "" {
		t.Fatalf("wrong unclaimed set: %s", d)
	}
}

func TestResolveNormalizesClaimedPages(t *testing.T) {
	chain := &fakeChain{
		exposures: map[string]*model.ExposureSummary{"S:7": activeExposure(4)},
		claimed:   map[string][]uint32{"S:7": {2, 0, 2}},
	}
	status, err := ResolveEraPayout(context.Background(), chain, "S", 7)
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff([]uint32{0, 2}, status.ClaimedPages); d != "" {
		t.Fatalf("claimed pages not canonical: %s", d)
	}
	if d := cmp.Diff([]uint32{1, 3}, status.Unclaimed()); d != "" {
		t.Fatalf("wrong unclaimed set: %s", d)
	}
}
