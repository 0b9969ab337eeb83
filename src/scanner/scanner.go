package scanner

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/substrate-tools/payoutd/src/chainapi"
	"github.com/substrate-tools/payoutd/src/model"
	"github.com/substrate-tools/payoutd/src/payoutcache"
)

// ErrorPolicy decides what a per-era query failure does to the scan.
type ErrorPolicy int

const (
	// SkipOnError logs the failed era and moves on. Cheap availability, but
	// a transient failure under-reports unclaimed pages for that run.
	SkipOnError ErrorPolicy = iota
	// FailFast aborts the whole scan on the first per-era failure.
	FailFast
)

// Scanner fans the stash set out over a fixed worker count and drives the
// era payout resolver across an era range, consulting the cache first.
type Scanner struct {
	api     chainapi.ChainApi
	cache   *payoutcache.Store // nil disables memoization
	chain   string
	workers int
	policy  ErrorPolicy
	logger  *zap.Logger
}

func NewScanner(api chainapi.ChainApi, cache *payoutcache.Store, chain string, workers int, policy ErrorPolicy, logger *zap.Logger) *Scanner {
	if workers < 1 {
		workers = 1
	}
	return &Scanner{
		api:     api,
		cache:   cache,
		chain:   chain,
		workers: workers,
		policy:  policy,
		logger:  logger.Named("scanner"),
	}
}

// DefaultEraRange computes [max(0, current-historyDepth), current-1]. The
// active era is never scanned: its rewards are not claimable yet.
func (s *Scanner) DefaultEraRange(ctx context.Context) (uint32, uint32, error) {
	current, err := s.api.ActiveEra(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed fetching active era")
	}
	if current == 0 {
		return 0, 0, errors.New("chain has no completed eras to scan")
	}
	depth, err := s.api.HistoryDepth(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed fetching history depth")
	}
	start := uint32(0)
	if current > depth {
		start = current - depth
	}
	return start, current - 1, nil
}

// Scan checks every stash over [startEra, endEra] inclusive and returns the
// merged unclaimed set. Result order is not defined. Any shard failure fails
// the whole scan; callers never get a silent subset.
func (s *Scanner) Scan(ctx context.Context, stashes []model.StashAddr, startEra, endEra uint32) ([]model.UnclaimedPayout, error) {
	if len(stashes) == 0 || startEra > endEra {
		return nil, nil
	}

	// index-modulo sharding: stable and roughly even regardless of input order
	shards := make([][]model.StashAddr, s.workers)
	for i, stash := range stashes {
		shards[i%s.workers] = append(shards[i%s.workers], stash)
	}

	results := make([][]model.UnclaimedPayout, s.workers)
	eg, ectx := errgroup.WithContext(ctx)
	for w := range shards {
		w := w
		if len(shards[w]) == 0 {
			continue
		}
		eg.Go(func() error {
			found, err := s.scanShard(ectx, w, shards[w], startEra, endEra)
			if err != nil {
				return err
			}
			results[w] = found
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var merged []model.UnclaimedPayout
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nil
}

func (s *Scanner) scanShard(ctx context.Context, shard int, stashes []model.StashAddr, startEra, endEra uint32) ([]model.UnclaimedPayout, error) {
	logger := s.logger.With(zap.Int("shard", shard))
	var out []model.UnclaimedPayout
	for _, stash := range stashes {
		found, err := s.checkStash(ctx, logger, stash, startEra, endEra)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// checkStash fires every era in range concurrently and joins them before
// returning. Burst RPC volume scales with the range width.
func (s *Scanner) checkStash(ctx context.Context, logger *zap.Logger, stash model.StashAddr, startEra, endEra uint32) ([]model.UnclaimedPayout, error) {
	var mu sync.Mutex
	var out []model.UnclaimedPayout

	eg, ectx := errgroup.WithContext(ctx)
	for era := startEra; era <= endEra; era++ {
		era := era
		eg.Go(func() error {
			payout, err := s.checkEra(ectx, stash, era)
			if err != nil {
				if s.policy == FailFast {
					return err
				}
				defaultScannerMetrics().erasSkipped.Inc()
				logger.Warn("skipping era after query failure",
					zap.String("stash", string(stash)), zap.Uint32("era", era), zap.Error(err))
				return nil
			}
			if payout != nil {
				mu.Lock()
				out = append(out, *payout)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// checkEra answers from cache when possible, otherwise resolves live and
// writes the result back. Returns nil when nothing is owed for the era.
func (s *Scanner) checkEra(ctx context.Context, stash model.StashAddr, era uint32) (*model.UnclaimedPayout, error) {
	m := defaultScannerMetrics()
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, s.chain, stash, era)
		if err != nil {
			// the cache is advisory; a broken cache degrades to a live scan
			s.logger.Warn("cache read failed", zap.String("stash", string(stash)), zap.Uint32("era", era), zap.Error(err))
		}
		if cached != nil {
			m.cacheHits.Inc()
			return payoutFromStatus(cached), nil
		}
		m.cacheMisses.Inc()
	}

	status, err := ResolveEraPayout(ctx, s.api, stash, era)
	if err != nil {
		return nil, err
	}
	m.erasResolved.Inc()

	if s.cache != nil {
		if err := s.cache.Put(ctx, s.chain, status); err != nil {
			s.logger.Warn("cache write failed", zap.String("stash", string(stash)), zap.Uint32("era", era), zap.Error(err))
		}
	}
	return payoutFromStatus(status), nil
}

func payoutFromStatus(status *model.EraPayoutStatus) *model.UnclaimedPayout {
	unclaimed := status.Unclaimed()
	if len(unclaimed) == 0 {
		return nil
	}
	defaultScannerMetrics().pagesFound.Add(float64(len(unclaimed)))
	return &model.UnclaimedPayout{
		Validator: status.Validator,
		Era:       status.Era,
		Pages:     unclaimed,
	}
}
