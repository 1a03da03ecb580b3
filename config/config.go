// Package config holds the tunables of a store and loads them from YAML.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig carries every tunable of a store. Values are read once at
// construction; only EnableCompaction and EnableHardDelete can be toggled on a
// running store.
type StoreConfig struct {
	// DataFlushIntervalSeconds is the period of the flusher.
	// Default: 60.
	DataFlushIntervalSeconds int64 `yaml:"data_flush_interval_seconds"`

	// DataFlushDelaySeconds delays the first flush after start.
	// Default: 5.
	DataFlushDelaySeconds int `yaml:"data_flush_delay_seconds"`

	// IndexMaxMemorySizeBytes caps the estimated memory of the active index
	// segment before it is sealed.
	// Default: 20 MiB.
	IndexMaxMemorySizeBytes int `yaml:"index_max_memory_size_bytes"`

	// IndexMaxNumberOfInmemElements caps the number of keys in the active
	// index segment before it is sealed.
	// Default: 10000.
	IndexMaxNumberOfInmemElements int `yaml:"index_max_number_of_inmem_elements"`

	// MaxNumberOfEntriesToReturnFromJournal is both the journal capacity and
	// the largest page returned by GetEntriesSince. Must be in [1, 10000].
	// Default: 5000.
	MaxNumberOfEntriesToReturnFromJournal int `yaml:"max_number_of_entries_to_return_from_journal"`

	// IndexBloomMaxFalsePositiveProbability sizes the bloom filter of sealed
	// index segments. Must be in [0, 1].
	// Default: 0.01.
	IndexBloomMaxFalsePositiveProbability float64 `yaml:"index_bloom_max_false_positive_probability"`

	// DeletedMessageRetentionDays is how long the payload of a deleted record
	// survives before the hard deleter scrubs it.
	// Default: 7.
	DeletedMessageRetentionDays int `yaml:"deleted_message_retention_days"`

	// CleanupOperationsBytesPerSec is the I/O budget shared by compaction and
	// hard delete. Must be in [1, MaxInt32].
	// Default: 1 MiB.
	CleanupOperationsBytesPerSec int `yaml:"cleanup_operations_bytes_per_sec"`

	// EnableHardDelete turns the hard deleter on.
	// Default: false.
	EnableHardDelete bool `yaml:"enable_hard_delete"`

	// SegmentSizeInBytes is the capacity of a log segment. It only matters on
	// the first start of a store, later starts use the persisted value.
	// Default: MaxInt64.
	SegmentSizeInBytes int64 `yaml:"segment_size_in_bytes"`

	// EnableCompaction turns the periodic compaction check on.
	// Default: false.
	EnableCompaction bool `yaml:"enable_compaction"`

	// CompactionCheckFrequencyInHours is the period of the compaction check.
	// Must be in [1, 8760].
	// Default: 168.
	CompactionCheckFrequencyInHours int `yaml:"compaction_check_frequency_in_hours"`

	// MinUsedCapacityToTriggerCompactionInPercentage gates compaction on how
	// full the store is. Must be in [0, 100].
	// Default: 50.
	MinUsedCapacityToTriggerCompactionInPercentage int `yaml:"min_used_capacity_to_trigger_compaction_in_percentage"`

	// CompactionPolicyFactory names the registered compaction policy.
	// Default: "default".
	CompactionPolicyFactory string `yaml:"compaction_policy_factory"`

	// MinLogSegmentCountToReclaimToTriggerCompaction is the smallest number of
	// candidate segments worth a compaction. Must be in [1, 1000].
	// Default: 1.
	MinLogSegmentCountToReclaimToTriggerCompaction int `yaml:"min_log_segment_count_to_reclaim_to_trigger_compaction"`

	// CapacityInBytes is the capacity the used percentage is computed
	// against. Zero means the number of segments times their capacity.
	// Default: 0.
	CapacityInBytes int64 `yaml:"capacity_in_bytes"`

	// HardDeleteIntervalSeconds is the period of the hard deleter.
	// Default: 60.
	HardDeleteIntervalSeconds int `yaml:"hard_delete_interval_seconds"`

	// CompactionSwapTimeoutSeconds bounds the wait for the swap lock.
	// Default: 10.
	CompactionSwapTimeoutSeconds int `yaml:"compaction_swap_timeout_seconds"`
}

// File is the layout of a daemon config file.
type File struct {
	DataDir     string      `yaml:"data_dir"`
	MetricsAddr string      `yaml:"metrics_addr"`
	LogLevel    string      `yaml:"log_level"`
	Store       StoreConfig `yaml:"store"`
}

// Default returns a StoreConfig with the documented defaults.
func Default() StoreConfig {
	return StoreConfig{
		DataFlushIntervalSeconds:                       60,
		DataFlushDelaySeconds:                          5,
		IndexMaxMemorySizeBytes:                        20 * 1024 * 1024,
		IndexMaxNumberOfInmemElements:                  10000,
		MaxNumberOfEntriesToReturnFromJournal:          5000,
		IndexBloomMaxFalsePositiveProbability:          0.01,
		DeletedMessageRetentionDays:                    7,
		CleanupOperationsBytesPerSec:                   1 * 1024 * 1024,
		EnableHardDelete:                               false,
		SegmentSizeInBytes:                             math.MaxInt64,
		EnableCompaction:                               false,
		CompactionCheckFrequencyInHours:                7 * 24,
		MinUsedCapacityToTriggerCompactionInPercentage: 50,
		CompactionPolicyFactory:                        "default",
		MinLogSegmentCountToReclaimToTriggerCompaction: 1,
		CapacityInBytes:                                0,
		HardDeleteIntervalSeconds:                      60,
		CompactionSwapTimeoutSeconds:                   10,
	}
}

// DefaultFile returns a daemon config with default store settings.
func DefaultFile() *File {
	return &File{
		DataDir:     "./data",
		MetricsAddr: ":9100",
		LogLevel:    "info",
		Store:       Default(),
	}
}

// Load reads a YAML config file. Fields absent from the file keep their defaults.
func Load(filename string) (*File, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	file := DefaultFile()
	if err = yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if file.DataDir == "" {
		return nil, NewValidationError("data_dir", file.DataDir, fmt.Errorf("data_dir is required"))
	}
	if err = file.Store.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}
	return file, nil
}

func (c StoreConfig) FlushInterval() time.Duration {
	return time.Duration(c.DataFlushIntervalSeconds) * time.Second
}

func (c StoreConfig) FlushDelay() time.Duration {
	return time.Duration(c.DataFlushDelaySeconds) * time.Second
}

func (c StoreConfig) CompactionCheckFrequency() time.Duration {
	return time.Duration(c.CompactionCheckFrequencyInHours) * time.Hour
}

func (c StoreConfig) DeletedRetention() time.Duration {
	return time.Duration(c.DeletedMessageRetentionDays) * 24 * time.Hour
}

func (c StoreConfig) HardDeleteInterval() time.Duration {
	return time.Duration(c.HardDeleteIntervalSeconds) * time.Second
}

func (c StoreConfig) CompactionSwapTimeout() time.Duration {
	return time.Duration(c.CompactionSwapTimeoutSeconds) * time.Second
}
