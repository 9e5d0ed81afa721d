// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ff1 implements the NIST SP 800-38G FF1 mode of AES: a
// tweakable, variable-length, format-preserving cipher over an
// arbitrary alphabet. Plaintext and ciphertext are strings of the
// same length drawn from the same character set.
//
// The round function follows the specification exactly: a CBC-MAC of
// the round block under the data key, extended into a keystream by
// counter blocks, reduced modulo radix^m with big-integer arithmetic.
package ff1

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"math"
	"math/big"

	"github.com/grailbio/ubiq/errors"
)

const (
	rounds    = 10
	blockSize = aes.BlockSize
)

// A Cipher is a keyed FF1 instance over a fixed alphabet and tweak.
// It is safe for concurrent use.
type Cipher struct {
	block    cipher.Block
	tweak    []byte
	alphabet *Alphabet
	radix    int
	minLen   int
	maxLen   int
}

// New constructs an FF1 cipher. The key must be 16 bytes for AES-128
// or 32 bytes for AES-256. The tweak is the per-dataset public
// parameter; it may be empty. The alphabet's cardinality is the
// radix.
func New(key, tweak []byte, alphabet string) (*Cipher, error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, errors.E(errors.InputInvalid, "key must be 16 or 32 bytes")
	}
	a, err := NewAlphabet(alphabet)
	if err != nil {
		return nil, err
	}
	radix := a.Radix()
	if radix < 2 || radix > 1<<16 {
		return nil, errors.E(errors.InputInvalid, "radix must be in [2, 65536]")
	}
	// The minimum length guarantees a domain of at least one million
	// values: ceil(6 / log10(radix)).
	minLen := int(math.Ceil(6 / math.Log10(float64(radix))))
	if minLen < 2 {
		minLen = 2
	}
	if minLen > 1<<16 {
		return nil, errors.E(errors.InputInvalid, "radix yields unusable minimum length")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(errors.InputInvalid, err)
	}
	return &Cipher{
		block:    block,
		tweak:    tweak,
		alphabet: a,
		radix:    radix,
		minLen:   minLen,
		maxLen:   1 << 16,
	}, nil
}

// MinLen returns the shortest input the cipher accepts.
func (c *Cipher) MinLen() int { return c.minLen }

// Encrypt maps a plaintext numeral string to a ciphertext numeral
// string of the same length over the same alphabet.
func (c *Cipher) Encrypt(x string) (string, error) {
	return c.crypt(x, true)
}

// Decrypt inverts Encrypt.
func (c *Cipher) Decrypt(x string) (string, error) {
	return c.crypt(x, false)
}

func (c *Cipher) crypt(x string, encrypt bool) (string, error) {
	X := []rune(x)
	n := len(X)
	if n < c.minLen || n > c.maxLen {
		return "", errors.E(errors.InputInvalid, "input length out of range")
	}
	if !c.alphabet.Contains(x) {
		return "", errors.E(errors.InputInvalid, "input contains characters outside the alphabet")
	}

	var (
		u = n / 2
		v = n - u
		t = len(c.tweak)
	)
	A, B := X[:u], X[u:]

	// Byte capacity of the larger half and the keystream sizing that
	// follows from it.
	b := (int(math.Ceil(float64(v)*math.Log2(float64(c.radix)))) + 7) / 8
	d := 4*((b+3)/4) + 4

	// PQ = P || tweak || zero pad || round byte || numeral bytes. P is
	// the fixed 16-byte preamble of SP 800-38G step 5.
	q := ((t + b + 1 + blockSize - 1) / blockSize) * blockSize
	PQ := make([]byte, blockSize+q)
	PQ[0] = 1
	PQ[1] = 2
	PQ[2] = 1
	PQ[3] = byte(c.radix >> 16)
	PQ[4] = byte(c.radix >> 8)
	PQ[5] = byte(c.radix)
	PQ[6] = 10
	PQ[7] = byte(u % 256)
	binary.BigEndian.PutUint32(PQ[8:12], uint32(n))
	binary.BigEndian.PutUint32(PQ[12:16], uint32(t))
	copy(PQ[blockSize:], c.tweak)

	var (
		zeroIV   = make([]byte, blockSize)
		mac      = make([]byte, len(PQ))
		numBytes = PQ[len(PQ)-b:]
		roundPos = len(PQ) - b - 1
		radix    = big.NewInt(int64(c.radix))
		y        = new(big.Int)
		modulus  = new(big.Int)
	)
	for i := 0; i < rounds; i++ {
		if encrypt {
			PQ[roundPos] = byte(i)
		} else {
			PQ[roundPos] = byte(rounds - 1 - i)
		}

		// The PRF input numeral string: B when encrypting, A when
		// decrypting (the Feistel halves trade roles in reverse).
		src := B
		if !encrypt {
			src = A
		}
		num, err := c.alphabet.Num(src)
		if err != nil {
			return "", err
		}
		for j := range numBytes {
			numBytes[j] = 0
		}
		nb := num.Bytes()
		if len(nb) > b {
			return "", errors.E(errors.FF1Overflow, "numeral bytes exceed round capacity")
		}
		copy(numBytes[b-len(nb):], nb)

		// CBC-MAC over PQ with a zero IV; the final block is R. The
		// chained CBC state carries each 16-byte block into the next.
		cbc := cipher.NewCBCEncrypter(c.block, zeroIV)
		cbc.CryptBlocks(mac, PQ)
		R := mac[len(mac)-blockSize:]

		// Extend R into d bytes of keystream with counter blocks.
		Y := make([]byte, 0, ((d+blockSize-1)/blockSize)*blockSize)
		Y = append(Y, R...)
		var blk [blockSize]byte
		for j := 1; len(Y) < d; j++ {
			binary.BigEndian.PutUint32(blk[blockSize-4:], uint32(j))
			for k := 0; k < blockSize-4; k++ {
				blk[k] = 0
			}
			for k := range blk {
				blk[k] ^= R[k]
			}
			c.block.Encrypt(blk[:], blk[:])
			Y = append(Y, blk[:]...)
		}
		y.SetBytes(Y[:d])

		m := len(A)
		if !encrypt {
			m = len(B)
		}
		modulus.Exp(radix, big.NewInt(int64(m)), nil)

		var cNum *big.Int
		if encrypt {
			a, err := c.alphabet.Num(A)
			if err != nil {
				return "", err
			}
			cNum = a.Add(a, y)
		} else {
			bn, err := c.alphabet.Num(B)
			if err != nil {
				return "", err
			}
			cNum = bn.Sub(bn, y)
		}
		// big.Int's Mod is Euclidean: a negative difference comes back
		// already shifted into [0, modulus).
		cNum.Mod(cNum, modulus)

		C, err := c.alphabet.Str(cNum, m)
		if err != nil {
			return "", err
		}
		if encrypt {
			A, B = B, C
		} else {
			B, A = A, C
		}
	}
	out := make([]rune, 0, n)
	out = append(out, A...)
	out = append(out, B...)
	return string(out), nil
}
