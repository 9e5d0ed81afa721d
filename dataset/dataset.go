// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dataset defines the named configurations that drive
// structured (format-preserving) encryption. A dataset is either
// structured, carrying the alphabets and formatting rules for a field
// type, or unstructured, in which case payloads are treated as opaque
// bytes.
package dataset

import (
	"encoding/json"
	"sort"

	"github.com/grailbio/ubiq/errors"
)

// Kind discriminates the two modes of a dataset.
type Kind int

const (
	// Unstructured datasets encrypt arbitrary bytes.
	Unstructured Kind = iota
	// Structured datasets encrypt formatted strings in place.
	Structured
)

// Rule types within PassthroughRules.
const (
	RulePrefix      = "prefix"
	RuleSuffix      = "suffix"
	RulePassthrough = "passthrough"
)

// A Rule is one step of the deconstruction applied to structured
// input before encryption. Rules apply in ascending priority order
// and unwind in reverse on reconstruction.
type Rule struct {
	Type     string          `json:"type"`
	Value    json.RawMessage `json:"value,omitempty"`
	Priority int             `json:"priority"`
}

// Length returns the integer operand of a prefix or suffix rule.
func (r Rule) Length() int {
	var n int
	if err := json.Unmarshal(r.Value, &n); err != nil {
		return 0
	}
	return n
}

// Config is a structured dataset's definition as served by
// /api/v0/ffs.
type Config struct {
	Name             string `json:"name"`
	Type             string `json:"fpe_definable_type,omitempty"`
	GroupName        string `json:"group_name,omitempty"`
	EncryptionAlgo   string `json:"encryption_algorithm,omitempty"`
	InputCharacters  string `json:"input_character_set"`
	OutputCharacters string `json:"output_character_set"`
	Passthrough      string `json:"passthrough"`
	PassthroughRules []Rule `json:"passthrough_rules,omitempty"`
	MinInputLength   int    `json:"min_input_length"`
	MaxInputLength   int    `json:"max_input_length"`
	MsbEncodingBits  int    `json:"msb_encoding_bits"`
	TweakB64         string `json:"tweak"`
	TweakSource      string `json:"tweak_source,omitempty"`
}

// A Dataset names a mode of encryption. Config is set only for
// structured datasets.
type Dataset struct {
	Name      string
	GroupName string
	Kind      Kind
	Config    *Config
}

// NewUnstructured returns the dataset for opaque-byte encryption
// under the given name (possibly empty).
func NewUnstructured(name string) Dataset {
	return Dataset{Name: name, Kind: Unstructured}
}

// Parse builds a structured dataset from the service's JSON
// definition. Passthrough rules are sorted by ascending priority at
// load; the input and output alphabets must agree in cardinality.
func Parse(raw []byte) (Dataset, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Dataset{}, errors.E(errors.DatasetInvalid, "parsing dataset definition", err)
	}
	if len([]rune(cfg.InputCharacters)) < 2 {
		return Dataset{}, errors.E(errors.DatasetInvalid, "input character set too small")
	}
	if len([]rune(cfg.InputCharacters)) != len([]rune(cfg.OutputCharacters)) {
		return Dataset{}, errors.E(errors.DatasetInvalid, "input and output character sets differ in size")
	}
	sort.SliceStable(cfg.PassthroughRules, func(i, j int) bool {
		return cfg.PassthroughRules[i].Priority < cfg.PassthroughRules[j].Priority
	})
	return Dataset{
		Name:      cfg.Name,
		GroupName: cfg.GroupName,
		Kind:      Structured,
		Config:    &cfg,
	}, nil
}

// TypeName renders the dataset's kind the way usage reports spell it.
func (d Dataset) TypeName() string {
	if d.Kind == Structured {
		return "structured"
	}
	return "unstructured"
}
