// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package header encodes and decodes the self-describing prefix of
// unstructured ciphertexts. The version-0 layout, big-endian:
//
//	u8 version | u8 flags | u8 algorithm id | u8 iv length |
//	u16 wrapped key length | iv | wrapped key
//
// The encoded header doubles as the associated data of the AEAD when
// the AAD flag is set, binding the key reference to the ciphertext.
package header

import (
	"encoding/binary"

	"github.com/grailbio/ubiq/errors"
)

// Version is the only header version this library emits or accepts.
const Version = 0

// FlagAAD marks the header bytes as the AEAD associated data.
const FlagAAD = 1 << 0

const fixedLen = 6

// A Header is the decoded form of an unstructured ciphertext prefix.
type Header struct {
	Version int
	Flags   int
	AlgoID  int
	IV      []byte
	KeyEnc  []byte
	// Raw is the encoded header, prefix through wrapped key. It is
	// the AEAD associated data when Flags has FlagAAD set.
	Raw []byte
}

// Encode packs a version-0 header.
func Encode(algoID, flags int, iv, keyEnc []byte) []byte {
	b := make([]byte, fixedLen+len(iv)+len(keyEnc))
	b[0] = Version
	b[1] = byte(flags)
	b[2] = byte(algoID)
	b[3] = byte(len(iv))
	binary.BigEndian.PutUint16(b[4:6], uint16(len(keyEnc)))
	copy(b[fixedLen:], iv)
	copy(b[fixedLen+len(iv):], keyEnc)
	return b
}

// Decode parses the header at the front of buf. The remainder of buf
// past Header.Raw is the ciphertext proper.
func Decode(buf []byte) (Header, error) {
	if len(buf) < fixedLen {
		return Header{}, errors.E(errors.BadHeader, "ciphertext too short")
	}
	if buf[0] != Version {
		return Header{}, errors.E(errors.BadHeader, "unsupported header version")
	}
	ivLen := int(buf[3])
	keyLen := int(binary.BigEndian.Uint16(buf[4:6]))
	total := fixedLen + ivLen + keyLen
	if len(buf) < total {
		return Header{}, errors.E(errors.BadHeader, "truncated header")
	}
	return Header{
		Version: int(buf[0]),
		Flags:   int(buf[1]),
		AlgoID:  int(buf[2]),
		IV:      buf[fixedLen : fixedLen+ivLen],
		KeyEnc:  buf[fixedLen+ivLen : total],
		Raw:     buf[:total],
	}, nil
}
