// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package structured implements the dataset-driven pipeline around
// the FF1 cipher: stripping and restoring formatting characters,
// translating between input and output alphabets, and embedding the
// key version in the leading ciphertext character.
package structured

import (
	"github.com/grailbio/ubiq/dataset"
	"github.com/grailbio/ubiq/errors"
	"github.com/grailbio/ubiq/ff1"
)

type stepKind int

const (
	stepPrefix stepKind = iota
	stepSuffix
	stepPassthrough
)

type step struct {
	kind stepKind
	// prefix or suffix characters removed, or the full masked string
	// for a passthrough step.
	text []rune
}

// Parts records what Deconstruct removed, in application order, so
// that Reconstruct can unwind it.
type Parts struct {
	steps       []step
	passthrough map[rune]bool
}

// Deconstruct applies the dataset's passthrough rules in priority
// order to s, returning the encryptable core. When the dataset names
// passthrough characters but no explicit passthrough rule, the
// passthrough step runs last.
func Deconstruct(s string, cfg *dataset.Config) (string, Parts, error) {
	var (
		work  = []rune(s)
		parts = Parts{passthrough: map[rune]bool{}}
	)
	for _, r := range cfg.Passthrough {
		parts.passthrough[r] = true
	}

	sawPassthrough := false
	for _, rule := range cfg.PassthroughRules {
		switch rule.Type {
		case dataset.RulePrefix:
			k := rule.Length()
			if k < 0 || k > len(work) {
				return "", Parts{}, errors.E(errors.InputInvalid, "input shorter than prefix rule")
			}
			if k > 0 {
				parts.steps = append(parts.steps, step{kind: stepPrefix, text: work[:k]})
				work = work[k:]
			}
		case dataset.RuleSuffix:
			k := rule.Length()
			if k < 0 || k > len(work) {
				return "", Parts{}, errors.E(errors.InputInvalid, "input shorter than suffix rule")
			}
			if k > 0 {
				parts.steps = append(parts.steps, step{kind: stepSuffix, text: work[len(work)-k:]})
				work = work[:len(work)-k]
			}
		case dataset.RulePassthrough:
			sawPassthrough = true
			work = parts.stripPassthrough(work)
		default:
			return "", Parts{}, errors.E(errors.DatasetInvalid, "unknown passthrough rule "+rule.Type)
		}
	}
	if !sawPassthrough && len(cfg.Passthrough) > 0 {
		work = parts.stripPassthrough(work)
	}
	return string(work), parts, nil
}

func (p *Parts) stripPassthrough(work []rune) []rune {
	mask := make([]rune, len(work))
	copy(mask, work)
	p.steps = append(p.steps, step{kind: stepPassthrough, text: mask})
	kept := work[:0]
	for _, r := range mask {
		if !p.passthrough[r] {
			kept = append(kept, r)
		}
	}
	return kept
}

// Reconstruct unwinds the recorded steps in reverse order, restoring
// passthrough characters at their original positions and reattaching
// prefixes and suffixes.
func (p Parts) Reconstruct(core string) string {
	work := []rune(core)
	for i := len(p.steps) - 1; i >= 0; i-- {
		s := p.steps[i]
		switch s.kind {
		case stepPrefix:
			work = append(append([]rune{}, s.text...), work...)
		case stepSuffix:
			work = append(work, s.text...)
		case stepPassthrough:
			restored := make([]rune, 0, len(s.text))
			for _, r := range s.text {
				if p.passthrough[r] {
					restored = append(restored, r)
				} else {
					restored = append(restored, work[0])
					work = work[1:]
				}
			}
			work = restored
		}
	}
	return string(work)
}

// EncodeKeyNumber embeds keyNum in the high bits of the first
// character of s, which must already be rendered in the dataset's
// output alphabet.
func EncodeKeyNumber(cfg *dataset.Config, s string, keyNum int) (string, error) {
	out, err := ff1.NewAlphabet(cfg.OutputCharacters)
	if err != nil {
		return "", err
	}
	runes := []rune(s)
	if len(runes) == 0 {
		return "", errors.E(errors.InputInvalid, "empty ciphertext")
	}
	i, err := out.PosOf(runes[0])
	if err != nil {
		return "", err
	}
	r, err := out.CharAt(i + keyNum<<cfg.MsbEncodingBits)
	if err != nil {
		return "", errors.E(errors.InputInvalid, "key number does not fit in output alphabet", err)
	}
	runes[0] = r
	return string(runes), nil
}

// DecodeKeyNumber recovers the key number embedded in the first
// character of s and returns s restored to its alphabet-valid form.
func DecodeKeyNumber(cfg *dataset.Config, s string) (int, string, error) {
	out, err := ff1.NewAlphabet(cfg.OutputCharacters)
	if err != nil {
		return 0, "", err
	}
	runes := []rune(s)
	if len(runes) == 0 {
		return 0, "", errors.E(errors.InputInvalid, "empty ciphertext")
	}
	i, err := out.PosOf(runes[0])
	if err != nil {
		return 0, "", err
	}
	keyNum := i >> cfg.MsbEncodingBits
	r, err := out.CharAt(i - keyNum<<cfg.MsbEncodingBits)
	if err != nil {
		return 0, "", err
	}
	runes[0] = r
	return keyNum, string(runes), nil
}

// EncryptCore runs the encrypt direction over an already
// deconstructed core: validate against the input alphabet and length
// bounds, FF1-encrypt, translate to the output alphabet, and embed
// the key number.
func EncryptCore(cfg *dataset.Config, fc *ff1.Cipher, keyNum int, core string) (string, error) {
	in, err := ff1.NewAlphabet(cfg.InputCharacters)
	if err != nil {
		return "", err
	}
	out, err := ff1.NewAlphabet(cfg.OutputCharacters)
	if err != nil {
		return "", err
	}
	if !in.Contains(core) {
		return "", errors.E(errors.InputInvalid, "input contains characters outside the dataset alphabet")
	}
	n := len([]rune(core))
	if n < cfg.MinInputLength || n > cfg.MaxInputLength {
		return "", errors.E(errors.InputInvalid, "input length outside dataset bounds")
	}
	ct, err := fc.Encrypt(core)
	if err != nil {
		return "", err
	}
	ct, err = ff1.Translate(ct, in, out)
	if err != nil {
		return "", err
	}
	return EncodeKeyNumber(cfg, ct, keyNum)
}

// DecryptCore inverts EncryptCore for a core whose key number has
// already been decoded out (see DecodeKeyNumber).
func DecryptCore(cfg *dataset.Config, fc *ff1.Cipher, core string) (string, error) {
	in, err := ff1.NewAlphabet(cfg.InputCharacters)
	if err != nil {
		return "", err
	}
	out, err := ff1.NewAlphabet(cfg.OutputCharacters)
	if err != nil {
		return "", err
	}
	ct, err := ff1.Translate(core, out, in)
	if err != nil {
		return "", err
	}
	return fc.Decrypt(ct)
}
