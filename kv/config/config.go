package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

// SplitPolicy selects how the split checker picks a split key.
type SplitPolicy string

const (
	SplitPolicyHalf SplitPolicy = "HALF"
	SplitPolicySize SplitPolicy = "SIZE"
	SplitPolicyKeys SplitPolicy = "KEYS"
)

// Engine holds the per-instance LSM engine knobs.
type Engine struct {
	DBPath string `toml:"db_path"` // Directory to store the data in. Should exist and be writable.

	BlockCacheSize int64 `toml:"block_cache_size"`
	VlogFileSize   int64 `toml:"vlog_file_size"`
	MaxTableSize   int64 `toml:"max_table_size"`
	NumMemTables   int   `toml:"num_mem_tables"`
	NumCompactors  int   `toml:"num_compactors"`

	ColumnFamilies []ColumnFamily `toml:"column_families"`
}

// ColumnFamily carries the per-CF engine options of the raw store. They are
// parsed from raw.column_families; Validate checks only that each entry has a
// name. Badger does not apply these options and no other code reads them.
type ColumnFamily struct {
	Name                        string   `toml:"name"`
	BlockSize                   uint64   `toml:"block_size"`
	BlockCache                  uint64   `toml:"block_cache"`
	WriteBufferSize             uint64   `toml:"write_buffer_size"`
	MaxWriteBufferNumber        int      `toml:"max_write_buffer_number"`
	MinWriteBufferNumberToMerge int      `toml:"min_write_buffer_number_to_merge"`
	MaxCompactionBytes          uint64   `toml:"max_compaction_bytes"`
	TargetFileSizeBase          uint64   `toml:"target_file_size_base"`
	MaxBytesForLevelBase        uint64   `toml:"max_bytes_for_level_base"`
	MaxBytesForLevelMultiplier  float64  `toml:"max_bytes_for_level_multiplier"`
	PrefixExtractor             uint32   `toml:"prefix_extractor"`
	CompressionPerLevel         []string `toml:"compression_per_level"`
}

// Split groups the split-checker knobs.
type Split struct {
	Policy SplitPolicy `toml:"policy"`
	// When a region size reaches RegionMaxSize it is split; the left part
	// keeps roughly RegionMaxSize * SizeRatio.
	RegionMaxSize        uint64  `toml:"region_max_size"`
	ChunkSize            uint64  `toml:"chunk_size"`
	SizeRatio            float64 `toml:"size_ratio"`
	KeysNumber           uint64  `toml:"keys_number"`
	KeysRatio            float64 `toml:"keys_ratio"`
	CheckApproximateSize uint64  `toml:"check_approximate_size"`
	CheckWorkerNum       int     `toml:"check_worker_num"`
	CheckTickInterval    time.Duration
	WalkBytesPerSec      int `toml:"walk_bytes_per_sec"` // 0 means unlimited
}

// TsProvider groups timestamp-cache knobs.
type TsProvider struct {
	BatchSize       uint32 `toml:"batch_size"`
	StaleIntervalMs int64  `toml:"stale_interval_ms"`
	CleanDeadMs     int64  `toml:"clean_dead_interval_ms"`
	MaxRetry        int    `toml:"max_retry"`
	RenewMaxRetry   int    `toml:"renew_max_retry"`
}

// VectorIndex groups the vector-search knobs.
type VectorIndex struct {
	BruteforceBatchCount      int `toml:"bruteforce_batch_count"`
	MaxRangeSearchResultCount int `toml:"max_range_search_result_count"`
}

type Config struct {
	StoreAddr       string `toml:"store_addr"`
	CoordinatorAddr string `toml:"coordinator_addr"`
	LogLevel        string `toml:"log_level"`

	EnableAutoSplit bool `toml:"enable_auto_split"`

	Engine      Engine      `toml:"raw"`
	Split       Split       `toml:"split"`
	TsProvider  TsProvider  `toml:"ts_provider"`
	VectorIndex VectorIndex `toml:"vector_index"`

	// VectorIndexPath is where per-region index snapshots live
	// (vector_index/<region_id>/).
	VectorIndexPath string `toml:"vector_index_path"`
	// CheckpointPath is the parent directory of checkpoint_<ts> exports.
	CheckpointPath string `toml:"checkpoint_path"`
}

func (c *Config) Validate() error {
	switch c.Split.Policy {
	case SplitPolicyHalf, SplitPolicySize, SplitPolicyKeys:
	default:
		return fmt.Errorf("unknown split policy %q", c.Split.Policy)
	}
	if c.Split.CheckWorkerNum <= 0 {
		return fmt.Errorf("split check worker num must be greater than 0")
	}
	if c.TsProvider.BatchSize == 0 {
		return fmt.Errorf("ts provider batch size must be greater than 0")
	}
	if c.VectorIndex.BruteforceBatchCount <= 0 {
		return fmt.Errorf("bruteforce batch count must be greater than 0")
	}
	for _, cf := range c.Engine.ColumnFamilies {
		if cf.Name == "" {
			return fmt.Errorf("column family with empty name")
		}
	}
	return nil
}

// FromFile loads a toml config file over the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		StoreAddr:       "127.0.0.1:20160",
		CoordinatorAddr: "127.0.0.1:22001",
		LogLevel:        getLogLevel(),
		EnableAutoSplit: true,
		Engine: Engine{
			DBPath:         "/tmp/dingo-store",
			BlockCacheSize: 256 << 20,
			VlogFileSize:   256 << 20,
			MaxTableSize:   64 << 20,
			NumMemTables:   3,
			NumCompactors:  1,
		},
		Split: Split{
			Policy:               SplitPolicyHalf,
			RegionMaxSize:        512 * MB,
			ChunkSize:            16 * MB,
			SizeRatio:            0.5,
			KeysNumber:           800_000,
			KeysRatio:            0.5,
			CheckApproximateSize: 128 * MB,
			CheckWorkerNum:       3,
			CheckTickInterval:    10 * time.Second,
		},
		TsProvider: TsProvider{
			BatchSize:       100,
			StaleIntervalMs: 3000,
			CleanDeadMs:     3000,
			MaxRetry:        16,
			RenewMaxRetry:   16,
		},
		VectorIndex: VectorIndex{
			BruteforceBatchCount:      2048,
			MaxRangeSearchResultCount: 1024,
		},
		VectorIndexPath: "/tmp/dingo-store/vector_index",
		CheckpointPath:  "/tmp/dingo-store",
	}
}

func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.Split.CheckTickInterval = 100 * time.Millisecond
	c.Split.RegionMaxSize = 4 * MB
	c.Split.ChunkSize = 64 * KB
	c.Split.CheckApproximateSize = 0
	c.TsProvider.StaleIntervalMs = 60_000
	return c
}
