package scanner

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/substrate-tools/payoutd/src/chainapi"
	"github.com/substrate-tools/payoutd/src/model"
)

// fakeChain serves canned exposure/claims state keyed by "validator:era".
type fakeChain struct {
	mu        sync.Mutex
	current   uint32
	depth     uint32
	exposures map[string]*model.ExposureSummary
	claimed   map[string][]uint32
	errs      map[string]error
	resolved  []string
}

func stateKey(validator model.StashAddr, era uint32) string {
	return fmt.Sprintf("%s:%d", validator, era)
}

func (f *fakeChain) ActiveEra(ctx context.Context) (uint32, error)    { return f.current, nil }
func (f *fakeChain) HistoryDepth(ctx context.Context) (uint32, error) { return f.depth, nil }

func (f *fakeChain) Exposure(ctx context.Context, era uint32, validator model.StashAddr) (*model.ExposureSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stateKey(validator, era)
	f.resolved = append(f.resolved, key)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return f.exposures[key], nil
}

func (f *fakeChain) ClaimedPages(ctx context.Context, era uint32, validator model.StashAddr) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimed[stateKey(validator, era)], nil
}

func (f *fakeChain) AccountState(ctx context.Context, signer chainapi.Signer) (uint32, *big.Int, error) {
	return 0, big.NewInt(0), nil
}

func (f *fakeChain) EstimateClaimFee(ctx context.Context, signer chainapi.Signer, tx model.ClaimTransaction) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) SubmitClaim(ctx context.Context, signer chainapi.Signer, tx model.ClaimTransaction) error {
	return errors.New("fake chain cannot submit")
}

func activeExposure(pages uint32) *model.ExposureSummary {
	return &model.ExposureSummary{
		TotalStake: big.NewInt(1000),
		OwnStake:   big.NewInt(100),
		PageCount:  pages,
		Paged:      true,
	}
}

func sortPayouts(p []model.UnclaimedPayout) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Validator != p[j].Validator {
			return p[i].Validator < p[j].Validator
		}
		return p[i].Era < p[j].Era
	})
}

func newTestScanner(chain *fakeChain, workers int, policy ErrorPolicy) *Scanner {
	return NewScanner(chain, nil, "testnet", workers, policy, zap.NewNop())
}

func TestScanFindsOnlyPartiallyClaimedEras(t *testing.T) {
	chain := &fakeChain{
		current: 13,
		depth:   84,
		exposures: map[string]*model.ExposureSummary{
			"S:10": activeExposure(3),
			"S:11": activeExposure(2),
			"S:12": activeExposure(1),
		},
		claimed: map[string][]uint32{
			"S:10": {0, 1, 2},
			"S:12": {0},
		},
	}
	got, err := newTestScanner(chain, 2, FailFast).Scan(context.Background(), []model.StashAddr{"S"}, 10, 12)
	if err != nil {
		t.Fatal(err)
	}
	expected := []model.UnclaimedPayout{{Validator: "S", Era: 11, Pages: []uint32{0, 1}}}
	if d := cmp.Diff(expected, got); d != "" {
		t.Fatalf("wrong scan result: %s", d)
	}
}

func TestScanMergesAcrossShards(t *testing.T) {
	chain := &fakeChain{
		exposures: map[string]*model.ExposureSummary{
			"A:5": activeExposure(1),
			"B:5": activeExposure(2),
			"C:5": activeExposure(1),
		},
		claimed: map[string][]uint32{"B:5": {1}},
	}
	got, err := newTestScanner(chain, 2, FailFast).Scan(context.Background(), []model.StashAddr{"A", "B", "C"}, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	sortPayouts(got)
	expected := []model.UnclaimedPayout{
		{Validator: "A", Era: 5, Pages: []uint32{0}},
		{Validator: "B", Era: 5, Pages: []uint32{0}},
		{Validator: "C", Era: 5, Pages: []uint32{0}},
	}
	if d := cmp.Diff(expected, got); d != "" {
		t.Fatalf("wrong merged result: %s", d)
	}
}

func TestScanSkipPolicyAbsorbsEraFailures(t *testing.T) {
	chain := &fakeChain{
		exposures: map[string]*model.ExposureSummary{
			"S:1": activeExposure(1),
			"S:2": activeExposure(1),
		},
		errs: map[string]error{"S:1": errors.New("rpc timeout")},
	}
	got, err := newTestScanner(chain, 1, SkipOnError).Scan(context.Background(), []model.StashAddr{"S"}, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	expected := []model.UnclaimedPayout{{Validator: "S", Era: 2, Pages: []uint32{0}}}
	if d := cmp.Diff(expected, got); d != "" {
		t.Fatalf("failed era should be skipped, not fatal: %s", d)
	}
}

func TestScanFailFastPolicySurfacesEraFailures(t *testing.T) {
	chain := &fakeChain{
		exposures: map[string]*model.ExposureSummary{"S:2": activeExposure(1)},
		errs:      map[string]error{"S:1": errors.New("rpc timeout")},
	}
	if _, err := newTestScanner(chain, 1, FailFast).Scan(context.Background(), []model.StashAddr{"S"}, 1, 2); err == nil {
		t.Fatal("expected fail-fast scan to error")
	}
}

func TestScanEmptyInputs(t *testing.T) {
	s := newTestScanner(&fakeChain{}, 4, FailFast)
	if got, err := s.Scan(context.Background(), nil, 0, 10); err != nil || got != nil {
		t.Fatalf("expected empty result for no stashes, got %v, %v", got, err)
	}
	if got, err := s.Scan(context.Background(), []model.StashAddr{"S"}, 5, 4); err != nil || got != nil {
		t.Fatalf("expected empty result for inverted range, got %v, %v", got, err)
	}
}

func TestDefaultEraRangeExcludesCurrentEra(t *testing.T) {
	cases := []struct {
		current, depth uint32
		start, end     uint32
	}{
		{100, 84, 16, 99},
		{50, 84, 0, 49},
		{1, 84, 0, 0},
	}
	for _, c := range cases {
		s := newTestScanner(&fakeChain{current: c.current, depth: c.depth}, 1, FailFast)
		start, end, err := s.DefaultEraRange(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if start != c.start || end != c.end {
			t.Fatalf("current=%d depth=%d: expected [%d, %d], got [%d, %d]",
				c.current, c.depth, c.start, c.end, start, end)
		}
	}
}

func TestDefaultEraRangeNoCompletedEras(t *testing.T) {
	s := newTestScanner(&fakeChain{current: 0, depth: 84}, 1, FailFast)
	if _, _, err := s.DefaultEraRange(context.Background()); err == nil {
		t.Fatal("expected an error when the chain is in its first era")
	}
}
