package config

import (
	"errors"
	"fmt"
	"math"
)

// ValidationError represents a tunable outside its valid range.
type ValidationError struct {
	Value any    `json:"value"`
	Field string `json:"field"`
	Err   error  `json:"error"`
}

func NewValidationError(field string, value any, err error) *ValidationError {
	return &ValidationError{
		Err:   err,
		Field: field,
		Value: value,
	}
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "validation error"
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if a given error is of type ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func intRange(field string, v, lo, hi int64) error {
	if v < lo || v > hi {
		return NewValidationError(field, v, fmt.Errorf("%s must be between %d and %d, got %d", field, lo, hi, v))
	}
	return nil
}

// Validate checks every tunable against its range.
func (c StoreConfig) Validate() error {
	checks := []error{
		intRange("data_flush_interval_seconds", c.DataFlushIntervalSeconds, 1, math.MaxInt64/int64(1e9)),
		intRange("data_flush_delay_seconds", int64(c.DataFlushDelaySeconds), 0, math.MaxInt32),
		intRange("index_max_memory_size_bytes", int64(c.IndexMaxMemorySizeBytes), 1, math.MaxInt64),
		intRange("index_max_number_of_inmem_elements", int64(c.IndexMaxNumberOfInmemElements), 1, math.MaxInt32),
		intRange("max_number_of_entries_to_return_from_journal", int64(c.MaxNumberOfEntriesToReturnFromJournal), 1, 10000),
		intRange("deleted_message_retention_days", int64(c.DeletedMessageRetentionDays), 0, math.MaxInt16),
		intRange("cleanup_operations_bytes_per_sec", int64(c.CleanupOperationsBytesPerSec), 1, math.MaxInt32),
		intRange("segment_size_in_bytes", c.SegmentSizeInBytes, 1, math.MaxInt64),
		intRange("compaction_check_frequency_in_hours", int64(c.CompactionCheckFrequencyInHours), 1, 365*24),
		intRange("min_used_capacity_to_trigger_compaction_in_percentage", int64(c.MinUsedCapacityToTriggerCompactionInPercentage), 0, 100),
		intRange("min_log_segment_count_to_reclaim_to_trigger_compaction", int64(c.MinLogSegmentCountToReclaimToTriggerCompaction), 1, 1000),
		intRange("capacity_in_bytes", c.CapacityInBytes, 0, math.MaxInt64),
		intRange("hard_delete_interval_seconds", int64(c.HardDeleteIntervalSeconds), 1, math.MaxInt32),
		intRange("compaction_swap_timeout_seconds", int64(c.CompactionSwapTimeoutSeconds), 1, math.MaxInt32),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	p := c.IndexBloomMaxFalsePositiveProbability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return NewValidationError("index_bloom_max_false_positive_probability", p,
			fmt.Errorf("index_bloom_max_false_positive_probability must be between 0 and 1, got %v", p))
	}
	if c.CompactionPolicyFactory == "" {
		return NewValidationError("compaction_policy_factory", c.CompactionPolicyFactory,
			errors.New("compaction_policy_factory is required"))
	}
	return nil
}
