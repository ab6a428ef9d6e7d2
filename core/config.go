// Scheduler configuration, loadable from YAML with strict unknown-field
// rejection.
package core

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the Scheduler's tunable parameters.
type Config struct {
	BlockSize              int    `yaml:"block_size"`
	MaxBatchTokens         int    `yaml:"max_batch_tokens"`
	MaxSeqsPerBatch        int    `yaml:"max_seqs_per_batch"`
	PreemptionMode         string `yaml:"preemption_mode"`
	WaitingOrder string `yaml:"waiting_order"`
	// PriorityAgingThreshold is the number of Scheduler logical-clock ticks
	// (one per admitted Request and one per step that runs a batch) a
	// Request may sit in waiting before PriorityAgingOrder promotes it one priority
	// level, independent of the Batch Builder's own fixed skip-count
	// escalation (core/policy.prefillSkipEscalation).
	PriorityAgingThreshold int `yaml:"priority_aging_threshold"`
	AdmissionQueueCapacity int    `yaml:"admission_queue_capacity"`
	TraceLevel             string `yaml:"trace_level"`
}

var (
	validPreemptionModes = map[string]bool{"": true, "recompute": true, "swap": true}
	validWaitingOrders   = map[string]bool{"": true, "fcfs": true, "priority-aging": true}
)

// DefaultConfig returns a Config with the defaults the serve harness uses
// when no YAML file is supplied.
func DefaultConfig() Config {
	return Config{
		BlockSize:              16,
		MaxBatchTokens:         2048,
		MaxSeqsPerBatch:        256,
		PreemptionMode:         "recompute",
		WaitingOrder:           "priority-aging",
		PriorityAgingThreshold: 8,
		AdmissionQueueCapacity: 1024,
		TraceLevel:             "none",
	}
}

// LoadConfig reads and strictly parses a YAML config file, rejecting
// unrecognized keys, then validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every policy name and numeric field is within range.
func (c *Config) Validate() error {
	if !validPreemptionModes[c.PreemptionMode] {
		return fmt.Errorf("unknown preemption_mode %q; valid options: %s", c.PreemptionMode, validNames(validPreemptionModes))
	}
	if !validWaitingOrders[c.WaitingOrder] {
		return fmt.Errorf("unknown waiting_order %q; valid options: %s", c.WaitingOrder, validNames(validWaitingOrders))
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.MaxBatchTokens <= 0 {
		return fmt.Errorf("max_batch_tokens must be positive, got %d", c.MaxBatchTokens)
	}
	if c.MaxSeqsPerBatch <= 0 {
		return fmt.Errorf("max_seqs_per_batch must be positive, got %d", c.MaxSeqsPerBatch)
	}
	if c.PriorityAgingThreshold < 0 {
		return fmt.Errorf("priority_aging_threshold must be non-negative, got %d", c.PriorityAgingThreshold)
	}
	if c.AdmissionQueueCapacity <= 0 {
		return fmt.Errorf("admission_queue_capacity must be positive, got %d", c.AdmissionQueueCapacity)
	}
	return nil
}

func validNames(m map[string]bool) string {
	names := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
