package common

import (
	"runtime"
	"time"
)

// Config carries every knob the components need. Defaults are applied by
// ApplyDefaults; the cmd layer may override individual fields from flags.
type Config struct {
	ChainURL        string `yaml:"chain_url"`  // websocket endpoint of the node
	ChainName       string `yaml:"chain_name"` // cache namespace, e.g. "polkadot"
	RedisAddress    string `yaml:"redis_address"`
	PostgresConfig  string `yaml:"postgres"` // optional settlement ledger
	PromPort        string `yaml:"prom_port"`
	HealthCheckPort string `yaml:"health_check_port"`
	LogFile         string `yaml:"log_file"`

	Stashes   []string `yaml:"stashes"`
	StashFile string   `yaml:"stash_file"`
	KeyFile   string   `yaml:"key_file"` // mnemonic, seed, hex seed or derivation URI

	Workers       int    `yaml:"workers"`         // scan shard count, default min(NumCPU, 4)
	HistoryDepth  uint32 `yaml:"history_depth"`   // fallback when the runtime keeps it as a constant, default 84
	CacheTTLHours uint32 `yaml:"cache_ttl_hours"` // default 168 (7 days)
	PageSize      uint32 `yaml:"page_size"`       // legacy exposure page size, default 512
	StrictErrors  bool   `yaml:"strict_errors"`   // fail the scan on any per-era error
	FeeMargin     uint64 `yaml:"fee_margin"`      // balance preflight multiplier, default 2
	SS58Prefix    uint16 `yaml:"ss58_prefix"`     // network id for key derivation, default 42
	ScanPageCount int64  `yaml:"scan_page_count"` // redis SCAN page size, default 100
}

const (
	DefaultCacheTTL      = 7 * 24 * time.Hour
	DefaultPageSize      = 512
	DefaultFeeMargin     = 2
	DefaultScanPageCount = 100
	MaxWorkers           = 4
)

// CacheTTL is the configured TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Workers > MaxWorkers {
		c.Workers = MaxWorkers
	}
	if c.CacheTTLHours == 0 {
		c.CacheTTLHours = uint32(DefaultCacheTTL / time.Hour)
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.FeeMargin == 0 {
		c.FeeMargin = DefaultFeeMargin
	}
	if c.SS58Prefix == 0 {
		c.SS58Prefix = 42 // generic substrate prefix
	}
	if c.ScanPageCount <= 0 {
		c.ScanPageCount = DefaultScanPageCount
	}
	if c.HistoryDepth == 0 {
		c.HistoryDepth = 84
	}
	if c.ChainName == "" {
		c.ChainName = "substrate"
	}
}
