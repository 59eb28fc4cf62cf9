// Package lcm is the LCM engine: compaction, assembly, retrieval,
// delegated-expansion authorization, and per-conversation serialization on
// top of the internal/lcmstore store.
package lcm

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the persisted configuration table.
// Resolution order matches the host runtime's own config loader: compiled
// defaults, overridden by an optional YAML file, overridden by LCM_*
// environment variables.
type Config struct {
	Enabled                bool    `yaml:"enabled"`
	DatabasePath            string  `yaml:"database_path"`
	ContextThreshold        float64 `yaml:"context_threshold"`
	FreshTailCount          int     `yaml:"fresh_tail_count"`
	LeafMinFanout           int     `yaml:"leaf_min_fanout"`
	CondensedMinFanout      int     `yaml:"condensed_min_fanout"`
	CondensedMinFanoutHard  int     `yaml:"condensed_min_fanout_hard"`
	IncrementalMaxDepth     int     `yaml:"incremental_max_depth"`
	LeafChunkTokens         int     `yaml:"leaf_chunk_tokens"`
	LeafTargetTokens        int     `yaml:"leaf_target_tokens"`
	CondensedTargetTokens   int     `yaml:"condensed_target_tokens"`
	MaxExpandTokens         int     `yaml:"max_expand_tokens"`
	LargeFileTokenThreshold int     `yaml:"large_file_token_threshold"`
	LargeFileStorageRoot    string  `yaml:"large_file_storage_root"`
}

// DefaultConfig returns the literal default table from the persisted
// configuration spec.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		DatabasePath:            "~/.openclaw/lcm.db",
		ContextThreshold:        0.75,
		FreshTailCount:          8,
		LeafMinFanout:           8,
		CondensedMinFanout:      4,
		CondensedMinFanoutHard:  2,
		IncrementalMaxDepth:     0,
		LeafChunkTokens:         20000,
		LeafTargetTokens:        600,
		CondensedTargetTokens:   900,
		MaxExpandTokens:         120,
		LargeFileTokenThreshold: 25000,
		LargeFileStorageRoot:    "~/.openclaw/lcm-files",
	}
}

// LoadConfig resolves configuration starting from DefaultConfig, layering
// an optional YAML file (yamlPath, ignored if empty or missing) and then
// LCM_*-prefixed environment variables on top.
func LoadConfig(yamlPath string) (Config, error) {
	cfg := DefaultConfig()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, err
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("LCM_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("LCM_DATABASE_PATH"); ok && v != "" {
		cfg.DatabasePath = v
	}
	if v, ok := os.LookupEnv("LCM_CONTEXT_THRESHOLD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ContextThreshold = f
		}
	}
	if v, ok := os.LookupEnv("LCM_FRESH_TAIL_COUNT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FreshTailCount = n
		}
	}
	if v, ok := os.LookupEnv("LCM_LEAF_MIN_FANOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeafMinFanout = n
		}
	}
	if v, ok := os.LookupEnv("LCM_CONDENSED_MIN_FANOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CondensedMinFanout = n
		}
	}
	if v, ok := os.LookupEnv("LCM_CONDENSED_MIN_FANOUT_HARD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CondensedMinFanoutHard = n
		}
	}
	if v, ok := os.LookupEnv("LCM_INCREMENTAL_MAX_DEPTH"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IncrementalMaxDepth = n
		}
	}
	if v, ok := os.LookupEnv("LCM_LEAF_CHUNK_TOKENS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeafChunkTokens = n
		}
	}
	if v, ok := os.LookupEnv("LCM_LEAF_TARGET_TOKENS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeafTargetTokens = n
		}
	}
	if v, ok := os.LookupEnv("LCM_CONDENSED_TARGET_TOKENS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CondensedTargetTokens = n
		}
	}
	if v, ok := os.LookupEnv("LCM_MAX_EXPAND_TOKENS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxExpandTokens = n
		}
	}
	if v, ok := os.LookupEnv("LCM_LARGE_FILE_TOKEN_THRESHOLD"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LargeFileTokenThreshold = n
		}
	}
	if v, ok := os.LookupEnv("LCM_LARGE_FILE_STORAGE_ROOT"); ok && v != "" {
		cfg.LargeFileStorageRoot = v
	}
}
