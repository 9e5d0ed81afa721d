// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config holds the client's tunable behavior: logging
// verbosity, event reporting cadence, and key/dataset caching policy.
// A Config is loaded from a JSON file or built from Default; fields
// absent from the file keep the documented defaults, while values
// present in the file, including zero and false, replace them.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/grailbio/ubiq/errors"
)

// Granularity selects the resolution of usage-report timestamps.
type Granularity string

const (
	Micros   Granularity = "MICROS"
	Millis   Granularity = "MILLIS"
	Seconds  Granularity = "SECONDS"
	Minutes  Granularity = "MINUTES"
	Hours    Granularity = "HOURS"
	HalfDays Granularity = "HALF_DAYS"
	Days     Granularity = "DAYS"
)

var granularities = map[Granularity]bool{
	Micros: true, Millis: true, Seconds: true,
	Minutes: true, Hours: true, HalfDays: true, Days: true,
}

// Logging controls diagnostic output.
type Logging struct {
	Verbose bool `json:"verbose"`
}

// EventReporting controls when and how usage events are flushed.
type EventReporting struct {
	MinimumCount         int         `json:"minimum_count"`
	FlushInterval        int         `json:"flush_interval"`
	TrapExceptions       bool        `json:"trap_exceptions"`
	TimestampGranularity Granularity `json:"timestamp_granularity"`
	DestroyReportAsync   bool        `json:"destroy_report_async"`
}

// KeyCaching controls whether and how long data keys are cached.
type KeyCaching struct {
	Unstructured bool `json:"unstructured"`
	Structured   bool `json:"structured"`
	Encrypt      bool `json:"encrypt"`
	TTLSeconds   int  `json:"ttl_seconds"`
}

// Config is the full client configuration.
type Config struct {
	Logging        Logging        `json:"logging"`
	EventReporting EventReporting `json:"event_reporting"`
	KeyCaching     KeyCaching     `json:"key_caching"`
	DatasetCaching bool           `json:"dataset_caching"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		EventReporting: EventReporting{
			MinimumCount:         5,
			FlushInterval:        2,
			TimestampGranularity: Seconds,
		},
		KeyCaching: KeyCaching{
			Unstructured: true,
			Structured:   true,
			TTLSeconds:   1800,
		},
		DatasetCaching: true,
	}
}

// Load reads a JSON configuration file. Absent fields keep their
// defaults; an unrecognized timestamp granularity is rejected.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E("reading configuration", err)
	}
	return Parse(raw)
}

// Parse builds a Config from raw JSON bytes, applying defaults.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.E(errors.InputInvalid, "parsing configuration", err)
	}
	if !granularities[cfg.EventReporting.TimestampGranularity] {
		return nil, errors.E(errors.InputInvalid,
			"unrecognized timestamp granularity "+string(cfg.EventReporting.TimestampGranularity))
	}
	return cfg, nil
}

// KeyTTL returns the cache lifetime for data keys.
func (c *Config) KeyTTL() time.Duration {
	return time.Duration(c.KeyCaching.TTLSeconds) * time.Second
}
