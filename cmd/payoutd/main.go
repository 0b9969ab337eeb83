package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/substrate-tools/payoutd/src/chainapi"
	"github.com/substrate-tools/payoutd/src/common"
	"github.com/substrate-tools/payoutd/src/ledger"
	"github.com/substrate-tools/payoutd/src/model"
	"github.com/substrate-tools/payoutd/src/payoutcache"
	"github.com/substrate-tools/payoutd/src/scanner"
	"github.com/substrate-tools/payoutd/src/settlement"
)

func main() {
	pwd, _ := os.Getwd()
	fullPath := path.Join(pwd, "config.yaml")
	log.Printf("loading config @ `%s`", fullPath)
	rawCfg, err := os.ReadFile(fullPath)
	if err != nil {
		log.Printf("config file not found: %s", err)
		os.Exit(1)
	}
	cfg := common.Config{}
	if err := yaml.Unmarshal(rawCfg, &cfg); err != nil {
		log.Printf("failed parsing config file: %s", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.ChainURL, "chain", cfg.ChainURL, "websocket address of the node, default `ws://localhost:9944`")
	flag.StringVar(&cfg.ChainName, "chain-name", cfg.ChainName, "cache namespace for this chain, default `substrate`")
	flag.StringVar(&cfg.RedisAddress, "redis", cfg.RedisAddress, `address of the redis payout cache"`)
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, `config string for the optional claim ledger"`)
	flag.StringVar(&cfg.PromPort, "prom", cfg.PromPort, "address to serve prom stats, default `:2112`")
	flag.StringVar(&cfg.HealthCheckPort, "hcp", cfg.HealthCheckPort, `(rarely used) if defined will expose a health check on /readyz, default ""`)
	flag.StringVar(&cfg.StashFile, "stashes", cfg.StashFile, "file listing stash addresses to scan, one per line")
	flag.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "file holding the signer secret (mnemonic, seed or derivation uri)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "parallel scan shard count, default min(cpus, 4)")
	flag.BoolVar(&cfg.StrictErrors, "strict", cfg.StrictErrors, "fail the whole scan on any per-era query failure")

	eraRange := flag.String("eras", "", "era range to scan as `start:end`, default the full claimable history")
	doSubmit := flag.Bool("submit", false, "broadcast claim transactions for everything found")
	dryRun := flag.Bool("dry-run", false, "list the transactions a submit would broadcast, then exit")
	noCache := flag.Bool("no-cache", false, "bypass the redis cache entirely")
	fromCache := flag.Bool("from-cache", false, "answer from the cache alone, no chain scan")
	showStats := flag.Bool("stats", false, "print cache stats and exit")
	pruneBelow := flag.Uint("prune", 0, "delete cache entries below this era and exit")
	interval := flag.Duration("interval", 0, "rerun scan (and submit) on this interval instead of once")

	flag.Parse()
	cfg.ApplyDefaults()

	log.Println("----------------------------------")
	log.Printf("initializing payoutd")
	log.Printf("\tnode:          %s", cfg.ChainURL)
	log.Printf("\tchain:         %s", cfg.ChainName)
	log.Printf("\tredis:         %s", cfg.RedisAddress)
	log.Printf("\tledger:        %t", cfg.PostgresConfig != "")
	log.Printf("\tprom:          %s", cfg.PromPort)
	log.Printf("\thealth check:  %s", cfg.HealthCheckPort)
	log.Printf("\tworkers:       %d", cfg.Workers)
	log.Println("----------------------------------")

	logger := common.ConfigureZap(zap.InfoLevel)
	if cfg.LogFile != "" {
		var cleanup func()
		logger, cleanup, err = common.ConfigureZapWithFile(zap.InfoLevel, cfg.LogFile)
		if err != nil {
			log.Printf("failed opening log file: %s", err)
			os.Exit(1)
		}
		defer cleanup()
	}

	stashes, err := loadStashes(cfg)
	if err != nil {
		logger.Fatal("invalid stash list", zap.Error(err))
	}
	if len(stashes) == 0 {
		logger.Fatal("no stashes configured; set `stashes` or `stash_file`")
	}

	var rd *redis.Client
	var store *payoutcache.Store
	if cfg.RedisAddress != "" && !*noCache {
		rd, err = payoutcache.Configure(cfg.RedisAddress)
		if err != nil {
			logger.Fatal("failed connecting to redis", zap.Error(err))
		}
		defer rd.Close()
		store = payoutcache.NewStore(rd, cfg.CacheTTL(), cfg.ScanPageCount, logger)
	}

	var recorder settlement.ClaimRecorder
	if cfg.PostgresConfig != "" {
		ledger.Configure(cfg.PostgresConfig)
		recorder = ledger.Ledger{}
	}

	if cfg.PromPort != "" {
		common.StartPromServer(logger, cfg.PromPort)
	}
	if cfg.HealthCheckPort != "" {
		logger.Info("enabling health check on port " + cfg.HealthCheckPort)
		beginReadyzHandler(cfg, rd)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api, err := chainapi.NewSubstrateApi(cfg.ChainURL, cfg.PageSize, cfg.HistoryDepth, logger)
	if err != nil {
		logger.Fatal("failed connecting to chain", zap.Error(err))
	}

	if (*showStats || *pruneBelow > 0) && store == nil {
		logger.Fatal("cache maintenance requires a redis connection")
	}
	if store != nil && *showStats {
		stats, err := store.Stats(ctx, cfg.ChainName)
		if err != nil {
			logger.Fatal("failed reading cache stats", zap.Error(err))
		}
		fmt.Printf("cache: %d entries, %d validators, eras %d..%d\n",
			stats.Entries, stats.Validators, stats.MinEra, stats.MaxEra)
		return
	}
	if store != nil && *pruneBelow > 0 {
		deleted, err := store.Prune(ctx, cfg.ChainName, uint32(*pruneBelow))
		if err != nil {
			logger.Fatal("failed pruning cache", zap.Error(err))
		}
		fmt.Printf("pruned %d cache entries below era %d\n", deleted, *pruneBelow)
		return
	}

	policy := scanner.SkipOnError
	if cfg.StrictErrors {
		policy = scanner.FailFast
	}
	scan := scanner.NewScanner(api, store, cfg.ChainName, cfg.Workers, policy, logger)
	submit := settlement.NewSubmitter(api, store, recorder, cfg.ChainName, cfg.FeeMargin, logger)

	var signer chainapi.Signer
	if *doSubmit {
		signer, err = loadSigner(cfg)
		if err != nil {
			logger.Fatal("invalid key file", zap.Error(err))
		}
	}

	runOnce := func() error {
		return run(ctx, runDeps{
			cfg:       cfg,
			logger:    logger,
			api:       api,
			store:     store,
			scan:      scan,
			submit:    submit,
			signer:    signer,
			stashes:   stashes,
			eraRange:  *eraRange,
			doSubmit:  *doSubmit,
			dryRun:    *dryRun,
			fromCache: *fromCache,
		})
	}

	if *interval <= 0 {
		if err := runOnce(); err != nil {
			logger.Fatal("run failed", zap.Error(err))
		}
		return
	}
	ticker := time.NewTicker(*interval)
	for {
		if err := runOnce(); err != nil {
			logger.Error("run failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

type runDeps struct {
	cfg       common.Config
	logger    *zap.Logger
	api       chainapi.ChainApi
	store     *payoutcache.Store
	scan      *scanner.Scanner
	submit    *settlement.Submitter
	signer    chainapi.Signer
	stashes   []model.StashAddr
	eraRange  string
	doSubmit  bool
	dryRun    bool
	fromCache bool
}

func run(ctx context.Context, d runDeps) error {
	var unclaimed []model.UnclaimedPayout

	if d.fromCache {
		if d.store == nil {
			return errors.New("-from-cache requires a redis cache")
		}
		current, err := d.api.ActiveEra(ctx)
		if err != nil {
			return err
		}
		unclaimed, err = d.store.ScanUnclaimed(ctx, d.cfg.ChainName, current)
		if err != nil {
			return err
		}
	} else {
		startEra, endEra, err := resolveEraRange(ctx, d.scan, d.eraRange)
		if err != nil {
			return err
		}
		d.logger.Info("scanning",
			zap.Int("stashes", len(d.stashes)),
			zap.Uint32("start_era", startEra),
			zap.Uint32("end_era", endEra))
		unclaimed, err = d.scan.Scan(ctx, d.stashes, startEra, endEra)
		if err != nil {
			return err
		}
	}

	if len(unclaimed) == 0 {
		fmt.Println("no unclaimed payouts found")
		return nil
	}
	for _, p := range unclaimed {
		fmt.Println(p)
	}
	fmt.Printf("%d unclaimed pages across %d validator/era pairs\n",
		model.PageCount(unclaimed), len(unclaimed))

	if d.dryRun {
		for _, tx := range settlement.Preview(unclaimed) {
			fmt.Printf("would claim %s era %d page %d\n", tx.Validator, tx.Era, tx.Page)
		}
		return nil
	}
	if !d.doSubmit {
		return nil
	}

	report, err := d.submit.Submit(ctx, unclaimed, d.signer)
	if err != nil {
		return err
	}
	fmt.Println(report.Summary())
	for _, f := range report.Failed {
		fmt.Printf("failed: %s era %d page %d: %s\n", f.Tx.Validator, f.Tx.Era, f.Tx.Page, f.Err)
	}
	return nil
}

func resolveEraRange(ctx context.Context, scan *scanner.Scanner, arg string) (uint32, uint32, error) {
	if arg == "" {
		return scan.DefaultEraRange(ctx)
	}
	parts := strings.SplitN(arg, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("era range %q is not start:end", arg)
	}
	start, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad start era %q", parts[0])
	}
	end, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad end era %q", parts[1])
	}
	if start > end {
		return 0, 0, errors.Errorf("era range %q is inverted", arg)
	}
	return uint32(start), uint32(end), nil
}

// loadStashes merges inline config stashes with the stash file (one address
// per line, '#' comments) and validates every address up front.
func loadStashes(cfg common.Config) ([]model.StashAddr, error) {
	stashes := make([]model.StashAddr, 0, len(cfg.Stashes))
	for _, s := range cfg.Stashes {
		stashes = append(stashes, model.StashAddr(s))
	}
	if cfg.StashFile != "" {
		raw, err := os.ReadFile(cfg.StashFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed reading stash file %s", cfg.StashFile)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			stashes = append(stashes, model.StashAddr(line))
		}
	}
	if err := chainapi.ValidateStashes(stashes); err != nil {
		return nil, err
	}
	return stashes, nil
}

func loadSigner(cfg common.Config) (chainapi.Signer, error) {
	if cfg.KeyFile == "" {
		return nil, errors.New("submitting requires a key file; set `key_file` or -key")
	}
	raw, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading key file %s", cfg.KeyFile)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return nil, errors.Errorf("key file %s is empty", cfg.KeyFile)
	}
	return chainapi.NewSignerFromSecret(secret, cfg.SS58Prefix)
}

func beginReadyzHandler(cfg common.Config, rd *redis.Client) {
	http.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rd != nil {
			if err := rd.Ping(r.Context()); err.Err() != nil {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(errors.Wrap(err.Err(), "failed pinging redis").Error()))
				return
			}
		}
		if ledger.Enabled() {
			pg, err := ledger.GetConnection(r.Context())
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(errors.Wrap(err, "failed pinging postgres").Error()))
				return
			}
			defer pg.Close(r.Context())
			if err := pg.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(errors.Wrap(err, "failed pinging postgres").Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	go http.ListenAndServe(cfg.HealthCheckPort, nil)
}
