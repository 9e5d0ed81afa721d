// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ff1

import (
	"math/big"

	"github.com/grailbio/ubiq/errors"
)

// An Alphabet maps between strings over an ordered character set and
// their numeral values. The character at index i has value i; the
// radix is the number of characters.
type Alphabet struct {
	runes []rune
	index map[rune]int
}

// NewAlphabet builds an alphabet from the ordered characters of s.
// Characters must not repeat.
func NewAlphabet(s string) (*Alphabet, error) {
	runes := []rune(s)
	if len(runes) < 2 {
		return nil, errors.E(errors.InputInvalid, "alphabet must contain at least 2 characters")
	}
	index := make(map[rune]int, len(runes))
	for i, r := range runes {
		if _, ok := index[r]; ok {
			return nil, errors.E(errors.InputInvalid, "alphabet contains duplicate characters")
		}
		index[r] = i
	}
	return &Alphabet{runes: runes, index: index}, nil
}

// Radix returns the number of characters in the alphabet.
func (a *Alphabet) Radix() int {
	return len(a.runes)
}

// Contains reports whether every character of s is in the alphabet.
func (a *Alphabet) Contains(s string) bool {
	for _, r := range s {
		if _, ok := a.index[r]; !ok {
			return false
		}
	}
	return true
}

// PosOf returns the value of the character r.
func (a *Alphabet) PosOf(r rune) (int, error) {
	i, ok := a.index[r]
	if !ok {
		return 0, errors.E(errors.InputInvalid, "character not in alphabet")
	}
	return i, nil
}

// CharAt returns the character with value i.
func (a *Alphabet) CharAt(i int) (rune, error) {
	if i < 0 || i >= len(a.runes) {
		return 0, errors.E(errors.InputInvalid, "numeral out of alphabet range")
	}
	return a.runes[i], nil
}

// Num interprets the numeral string x, most significant character
// first, as an integer in this alphabet's radix.
func (a *Alphabet) Num(x []rune) (*big.Int, error) {
	var (
		n     = new(big.Int)
		radix = big.NewInt(int64(len(a.runes)))
	)
	for _, r := range x {
		i, ok := a.index[r]
		if !ok {
			return nil, errors.E(errors.InputInvalid, "character not in alphabet")
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(i)))
	}
	return n, nil
}

// Str renders n as a numeral string of exactly length characters,
// left-padded with the zero character of the alphabet. If n does not
// fit in length characters the conversion overflows.
func (a *Alphabet) Str(n *big.Int, length int) ([]rune, error) {
	var (
		x     = make([]rune, length)
		radix = big.NewInt(int64(len(a.runes)))
		rem   = new(big.Int)
		v     = new(big.Int).Set(n)
	)
	for i := length - 1; i >= 0; i-- {
		v.DivMod(v, radix, rem)
		x[i] = a.runes[rem.Int64()]
	}
	if v.Sign() != 0 {
		return nil, errors.E(errors.FF1Overflow, "numeral string exceeds format length")
	}
	return x, nil
}

// Translate re-renders x, interpreted as a numeral string over from,
// as a numeral string of the same length over to. The two alphabets
// must have the same radix for the translation to be lossless.
func Translate(x string, from, to *Alphabet) (string, error) {
	runes := []rune(x)
	n, err := from.Num(runes)
	if err != nil {
		return "", err
	}
	out, err := to.Str(n, len(runes))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
