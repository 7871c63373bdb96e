// Package dbconfig resolves the ambient configuration a ledgerdb root is
// opened with (§10.1): a layered priority of environment variables over
// an on-disk ledger.json file over compiled-in defaults, grounded on the
// teacher's internal/config.Load/LoadWithPath env-over-file priority
// chain.
package dbconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config carries every tunable named across §4 of the spec: compaction
// thresholds, event-sourcing auto-snapshot cadence, lock timing, and
// streaming-engine batching, plus the default branch and commit author
// used by the version-control layer.
type Config struct {
	Root          string `json:"-"`
	DefaultBranch string `json:"defaultBranch"`
	Author        string `json:"author"`

	CompactionByteThreshold int64 `json:"compactionByteThreshold"`
	CompactionLineThreshold int64 `json:"compactionLineThreshold"`

	AutoSnapshotThreshold int `json:"autoSnapshotThreshold"`

	LockTimeout       int `json:"lockTimeoutMs"`
	LockWaitTimeout   int `json:"lockWaitTimeoutMs"`
	LockRetryInterval int `json:"lockRetryIntervalMs"`

	BatchSize      int `json:"batchSize"`
	BatchTimeoutMs int `json:"batchTimeoutMs"`
}

func defaults(root string) *Config {
	return &Config{
		Root:                    root,
		DefaultBranch:           "main",
		Author:                  "",
		CompactionByteThreshold: 8 << 20,
		CompactionLineThreshold: 50_000,
		AutoSnapshotThreshold:   100,
		LockTimeout:             30_000,
		LockWaitTimeout:         5_000,
		LockRetryInterval:       100,
		BatchSize:               100,
		BatchTimeoutMs:          1_000,
	}
}

// configFileName is the on-disk config file at the storage root, the
// second link in the priority chain.
const configFileName = "ledger.json"

// Load resolves configuration for root with the full priority chain:
// environment variables override ledger.json, which overrides defaults.
// A missing ledger.json is not an error — it just means the file layer of
// the chain contributes nothing. A ledger.json that exists but cannot be
// read or parsed is returned as an error.
func Load(root string) (*Config, error) {
	cfg := defaults(root)

	path := filepath.Join(root, configFileName)
	if data, err := os.ReadFile(path); err == nil {
		var fromFile Config
		if jerr := json.Unmarshal(data, &fromFile); jerr != nil {
			return nil, fmt.Errorf("dbconfig: parse %s: %w", path, jerr)
		}
		overlayFile(cfg, &fromFile)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("dbconfig: read %s: %w", path, err)
	}

	overlayEnv(cfg)

	if cfg.DefaultBranch == "" {
		return nil, fmt.Errorf("dbconfig: defaultBranch must not be empty")
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to compiled-in defaults
// (with env-var overrides still applied) on any error, mirroring the
// teacher's tolerant "no identity file, rely on env/flags" fallback path.
func LoadOrDefault(root string) *Config {
	cfg, err := Load(root)
	if err == nil {
		return cfg
	}
	cfg = defaults(root)
	overlayEnv(cfg)
	return cfg
}

// overlayFile applies every non-zero field of a parsed ledger.json onto
// cfg, leaving fields the file doesn't set at their default value.
func overlayFile(cfg *Config, file *Config) {
	if file.DefaultBranch != "" {
		cfg.DefaultBranch = file.DefaultBranch
	}
	if file.Author != "" {
		cfg.Author = file.Author
	}
	if file.CompactionByteThreshold != 0 {
		cfg.CompactionByteThreshold = file.CompactionByteThreshold
	}
	if file.CompactionLineThreshold != 0 {
		cfg.CompactionLineThreshold = file.CompactionLineThreshold
	}
	if file.AutoSnapshotThreshold != 0 {
		cfg.AutoSnapshotThreshold = file.AutoSnapshotThreshold
	}
	if file.LockTimeout != 0 {
		cfg.LockTimeout = file.LockTimeout
	}
	if file.LockWaitTimeout != 0 {
		cfg.LockWaitTimeout = file.LockWaitTimeout
	}
	if file.LockRetryInterval != 0 {
		cfg.LockRetryInterval = file.LockRetryInterval
	}
	if file.BatchSize != 0 {
		cfg.BatchSize = file.BatchSize
	}
	if file.BatchTimeoutMs != 0 {
		cfg.BatchTimeoutMs = file.BatchTimeoutMs
	}
}

// overlayEnv applies LEDGER_* environment variables, the top of the
// priority chain.
func overlayEnv(cfg *Config) {
	if v := os.Getenv("LEDGER_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("LEDGER_BRANCH"); v != "" {
		cfg.DefaultBranch = v
	}
	if v := os.Getenv("LEDGER_AUTHOR"); v != "" {
		cfg.Author = v
	}
}
