package payoutcache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/substrate-tools/payoutd/src/common"
	"github.com/substrate-tools/payoutd/src/model"
)

const testChain = "cachetest"

var store *Store
var rd *redis.Client

func TestMain(m *testing.M) {
	logger := common.ConfigureZap(zap.DebugLevel)
	var err error
	rd, err = Configure(":6379")
	if err != nil {
		panic(errors.Wrap(err, "FATAL, failed to connect to redis at :6379"))
	}
	store = NewStore(rd, time.Hour, 10, logger)
	defer rd.Close()

	m.Run()
}

func clearChain(t *testing.T) {
	t.Helper()
	keys, err := rd.Keys(context.Background(), chainPattern(testChain)).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) > 0 {
		if err := rd.Del(context.Background(), keys...).Err(); err != nil {
			t.Fatal(err)
		}
	}
}

func testStatus(validator model.StashAddr, era, total uint32, claimed ...uint32) *model.EraPayoutStatus {
	return &model.EraPayoutStatus{
		Validator:    validator,
		Era:          era,
		TotalPages:   total,
		ClaimedPages: model.NormalizePages(claimed),
		LastChecked:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	clearChain(t)
	ctx := context.Background()

	status := testStatus("A", 100, 5, 0, 2, 4)
	if err := store.Put(ctx, testChain, status); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, testChain, "A", 100)
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(status, got); d != "" {
		t.Fatalf("round trip mismatch: %s", d)
	}
}

func TestGetAbsentAndCorrupt(t *testing.T) {
	clearChain(t)
	ctx := context.Background()

	got, err := store.Get(ctx, testChain, "A", 1)
	if err != nil || got != nil {
		t.Fatalf("expected a clean miss, got %v, %v", got, err)
	}

	// a corrupt entry must behave exactly like a miss
	if err := rd.Set(ctx, statusKey(testChain, "A", 1), "not json", time.Hour).Err(); err != nil {
		t.Fatal(err)
	}
	got, err = store.Get(ctx, testChain, "A", 1)
	if err != nil || got != nil {
		t.Fatalf("corrupt entry should read as a miss, got %v, %v", got, err)
	}
}

func TestMergeClaimedPages(t *testing.T) {
	clearChain(t)
	ctx := context.Background()

	merged, err := store.MergeClaimedPages(ctx, testChain, "A", 50, []uint32{1})
	if err != nil {
		t.Fatal(err)
	}
	if merged {
		t.Fatal("merge into a missing entry must report false")
	}

	if err := store.Put(ctx, testChain, testStatus("A", 50, 4, 0)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ { // idempotent: same pages twice, same result
		merged, err = store.MergeClaimedPages(ctx, testChain, "A", 50, []uint32{2, 1})
		if err != nil {
			t.Fatal(err)
		}
		if !merged {
			t.Fatal("expected merge to land")
		}
	}
	got, err := store.Get(ctx, testChain, "A", 50)
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff([]uint32{0, 1, 2}, got.ClaimedPages); d != "" {
		t.Fatalf("wrong merged set: %s", d)
	}
}

func TestMergeConcurrentWritersLoseNoUpdate(t *testing.T) {
	clearChain(t)
	ctx := context.Background()

	if err := store.Put(ctx, testChain, testStatus("A", 60, 64)); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 8)
	for w := 0; w < 8; w++ {
		go func(w int) {
			_, err := store.MergeClaimedPages(ctx, testChain, "A", 60, []uint32{uint32(w * 2), uint32(w*2 + 1)})
			done <- err
		}(w)
	}
	for w := 0; w < 8; w++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	got, err := store.Get(ctx, testChain, "A", 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ClaimedPages) != 16 {
		t.Fatalf("lost update: expected 16 claimed pages, got %v", got.ClaimedPages)
	}
}

func TestScanUnclaimedFiltersCurrentAndSettled(t *testing.T) {
	clearChain(t)
	ctx := context.Background()

	statuses := []*model.EraPayoutStatus{
		testStatus("A", 10, 3, 0, 1, 2), // fully claimed
		testStatus("A", 11, 2),          // unclaimed
		testStatus("B", 12, 1, 0),       // fully claimed
		testStatus("B", 13, 2, 0),       // current era, excluded
	}
	if err := store.PutAll(ctx, testChain, statuses); err != nil {
		t.Fatal(err)
	}
	got, err := store.ScanUnclaimed(ctx, testChain, 13)
	if err != nil {
		t.Fatal(err)
	}
	expected := []model.UnclaimedPayout{{Validator: "A", Era: 11, Pages: []uint32{0, 1}}}
	if d := cmp.Diff(expected, got); d != "" {
		t.Fatalf("wrong unclaimed view: %s", d)
	}
}

func TestPruneBoundary(t *testing.T) {
	clearChain(t)
	ctx := context.Background()

	var statuses []*model.EraPayoutStatus
	for era := uint32(10); era <= 20; era++ {
		statuses = append(statuses, testStatus("A", era, 1))
	}
	if err := store.PutAll(ctx, testChain, statuses); err != nil {
		t.Fatal(err)
	}
	deleted, err := store.Prune(ctx, testChain, 15)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 5 {
		t.Fatalf("expected exactly eras 10..14 pruned, got %d deletions", deleted)
	}
	var remaining []uint32
	for era := uint32(10); era <= 20; era++ {
		status, err := store.Get(ctx, testChain, "A", era)
		if err != nil {
			t.Fatal(err)
		}
		if status != nil {
			remaining = append(remaining, era)
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
	if d := cmp.Diff([]uint32{15, 16, 17, 18, 19, 20}, remaining); d != "" {
		t.Fatalf("prune removed the wrong entries: %s", d)
	}
}

func TestStats(t *testing.T) {
	clearChain(t)
	ctx := context.Background()

	statuses := []*model.EraPayoutStatus{
		testStatus("A", 10, 1),
		testStatus("A", 30, 1),
		testStatus("B", 20, 1),
	}
	if err := store.PutAll(ctx, testChain, statuses); err != nil {
		t.Fatal(err)
	}
	stats, err := store.Stats(ctx, testChain)
	if err != nil {
		t.Fatal(err)
	}
	expected := &CacheStats{Entries: 3, Validators: 2, MinEra: 10, MaxEra: 30}
	if d := cmp.Diff(expected, stats); d != "" {
		t.Fatalf("wrong stats: %s", d)
	}
}
