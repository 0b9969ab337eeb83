package payoutcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/substrate-tools/payoutd/src/model"
)

// Store memoizes EraPayoutStatus records in redis, keyed by
// (chain, validator, era). Entries are advisory: absence or corruption always
// falls back to a live chain query, never an error for the caller.
type Store struct {
	client    *redis.Client
	ttl       time.Duration
	scanCount int64
	logger    *zap.Logger
}

func Configure(address string) (*redis.Client, error) {
	rd := redis.NewClient(&redis.Options{
		Addr: address,
		DB:   0, // use default DB
	})
	if err := rd.Ping(context.Background()); err.Err() != nil {
		return nil, errors.Wrap(err.Err(), "failed to ping redis")
	}
	return rd, nil
}

func NewStore(client *redis.Client, ttl time.Duration, scanCount int64, logger *zap.Logger) *Store {
	return &Store{
		client:    client,
		ttl:       ttl,
		scanCount: scanCount,
		logger:    logger.Named("payoutcache"),
	}
}

func statusKey(chain string, validator model.StashAddr, era uint32) string {
	return fmt.Sprintf("payoutd:%s:era_status:%s:%d", chain, validator, era)
}

func chainPattern(chain string) string {
	return fmt.Sprintf("payoutd:%s:era_status:*", chain)
}

// eraFromKey parses the trailing era index out of a status key.
func eraFromKey(key string) (uint32, bool) {
	idx := strings.LastIndexByte(key, ':')
	if idx < 0 {
		return 0, false
	}
	era, err := strconv.ParseUint(key[idx+1:], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(era), true
}

// Get returns the cached status for one validator/era, or nil when the entry
// is absent, expired or unparsable.
func (s *Store) Get(ctx context.Context, chain string, validator model.StashAddr, era uint32) (*model.EraPayoutStatus, error) {
	raw, err := s.client.Get(ctx, statusKey(chain, validator, era)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed reading cache entry")
	}
	status := &model.EraPayoutStatus{}
	if err := json.Unmarshal([]byte(raw), status); err != nil {
		// corrupt entries count as misses so the resolver re-fetches them
		s.logger.Warn("dropping unparsable cache entry",
			zap.String("validator", string(validator)), zap.Uint32("era", era), zap.Error(err))
		return nil, nil
	}
	return status, nil
}

// Put writes one status through with a fresh TTL.
func (s *Store) Put(ctx context.Context, chain string, status *model.EraPayoutStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "failed marshaling cache entry")
	}
	key := statusKey(chain, status.Validator, status.Era)
	if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed writing cache entry")
	}
	return nil
}

// PutAll pipelines a batch of statuses in one round trip.
func (s *Store) PutAll(ctx context.Context, chain string, statuses []*model.EraPayoutStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, status := range statuses {
		raw, err := json.Marshal(status)
		if err != nil {
			return errors.Wrap(err, "failed marshaling cache entry")
		}
		pipe.Set(ctx, statusKey(chain, status.Validator, status.Era), raw, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed pipelining cache entries")
	}
	return nil
}

// mergeScript unions newly claimed pages into an existing entry server-side,
// so concurrent claim-result writers cannot lose each other's updates.
var mergeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local status = cjson.decode(raw)
local claimed = {}
if type(status['claimed_pages']) == 'table' then
	for _, p in ipairs(status['claimed_pages']) do
		claimed[p] = true
	end
end
for i = 2, #ARGV do
	claimed[tonumber(ARGV[i])] = true
end
local merged = {}
for p in pairs(claimed) do
	merged[#merged + 1] = p
end
table.sort(merged)
status['claimed_pages'] = merged
redis.call('SET', KEYS[1], cjson.encode(status), 'PX', ARGV[1])
return 1
`)

// MergeClaimedPages atomically unions pages into the entry's claimed set and
// resets its TTL. Returns false when no entry exists to merge into.
func (s *Store) MergeClaimedPages(ctx context.Context, chain string, validator model.StashAddr, era uint32, pages []uint32) (bool, error) {
	key := statusKey(chain, validator, era)
	if len(pages) == 0 {
		n, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return false, errors.Wrap(err, "failed checking cache entry")
		}
		return n > 0, nil
	}
	args := make([]interface{}, 0, len(pages)+1)
	args = append(args, s.ttl.Milliseconds())
	for _, p := range pages {
		args = append(args, p)
	}
	res, err := mergeScript.Run(ctx, s.client, []string{key}, args...).Int64()
	if err != nil {
		return false, errors.Wrap(err, "failed merging claimed pages")
	}
	return res == 1, nil
}

// ScanUnclaimed walks every cached entry for a chain in bounded pages and
// reconstructs the unclaimed set for eras before currentEra, answering
// "what's unclaimed" without touching the node.
func (s *Store) ScanUnclaimed(ctx context.Context, chain string, currentEra uint32) ([]model.UnclaimedPayout, error) {
	var out []model.UnclaimedPayout
	err := s.walkEntries(ctx, chain, func(status *model.EraPayoutStatus) {
		if status.Era >= currentEra || status.FullyClaimed() {
			return
		}
		out = append(out, model.UnclaimedPayout{
			Validator: status.Validator,
			Era:       status.Era,
			Pages:     status.Unclaimed(),
		})
	})
	return out, err
}

type CacheStats struct {
	Entries    int
	Validators int
	MinEra     uint32
	MaxEra     uint32
}

func (s *Store) Stats(ctx context.Context, chain string) (*CacheStats, error) {
	stats := &CacheStats{}
	validators := map[model.StashAddr]bool{}
	err := s.walkEntries(ctx, chain, func(status *model.EraPayoutStatus) {
		stats.Entries++
		validators[status.Validator] = true
		if stats.Entries == 1 || status.Era < stats.MinEra {
			stats.MinEra = status.Era
		}
		if status.Era > stats.MaxEra {
			stats.MaxEra = status.Era
		}
	})
	stats.Validators = len(validators)
	return stats, err
}

// Prune deletes every entry with era < keepAboveEra, returning the count.
func (s *Store) Prune(ctx context.Context, chain string, keepAboveEra uint32) (int, error) {
	var stale []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, chainPattern(chain), s.scanCount).Result()
		if err != nil {
			return 0, errors.Wrap(err, "failed scanning cache keys")
		}
		for _, key := range keys {
			if era, ok := eraFromKey(key); ok && era < keepAboveEra {
				stale = append(stale, key)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	deleted := 0
	for start := 0; start < len(stale); start += int(s.scanCount) {
		end := start + int(s.scanCount)
		if end > len(stale) {
			end = len(stale)
		}
		n, err := s.client.Del(ctx, stale[start:end]...).Result()
		if err != nil {
			return deleted, errors.Wrap(err, "failed deleting stale cache entries")
		}
		deleted += int(n)
	}
	return deleted, nil
}

// walkEntries SCANs the chain's keyspace page by page, MGETs each page and
// feeds parsable entries to visit. Unparsable entries are skipped.
func (s *Store) walkEntries(ctx context.Context, chain string, visit func(*model.EraPayoutStatus)) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, chainPattern(chain), s.scanCount).Result()
		if err != nil {
			return errors.Wrap(err, "failed scanning cache keys")
		}
		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return errors.Wrap(err, "failed bulk-reading cache entries")
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue // deleted between SCAN and MGET
				}
				status := &model.EraPayoutStatus{}
				if err := json.Unmarshal([]byte(raw), status); err != nil {
					s.logger.Warn("skipping unparsable cache entry", zap.String("key", keys[i]), zap.Error(err))
					continue
				}
				visit(status)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
