// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package unstructured encrypts and decrypts opaque byte payloads
// with a per-message data key. A ciphertext is the self-describing
// header followed by the AEAD output and tag; when the header's AAD
// flag is set the header bytes are authenticated alongside the
// payload.
package unstructured

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/grailbio/ubiq/algorithm"
	"github.com/grailbio/ubiq/errors"
	"github.com/grailbio/ubiq/header"
)

// Seal encrypts plaintext under rawKey, framing the result with a
// header that references wrappedKey so the peer can recover the key
// on decrypt.
func Seal(algo algorithm.Algorithm, rawKey, wrappedKey, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(algo, rawKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, algo.IVLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.E("generating iv", err)
	}
	flags := 0
	if algo.TagLen > 0 {
		flags |= header.FlagAAD
	}
	hdr := header.Encode(algo.ID, flags, iv, wrappedKey)
	var aad []byte
	if flags&header.FlagAAD != 0 {
		aad = hdr
	}
	return aead.Seal(hdr, iv, plaintext, aad), nil
}

// Open decrypts a ciphertext whose header has already been decoded
// and whose data key has been recovered. The body is everything past
// the header bytes.
func Open(algo algorithm.Algorithm, rawKey []byte, hdr header.Header, body []byte) ([]byte, error) {
	aead, err := newAEAD(algo, rawKey)
	if err != nil {
		return nil, err
	}
	if len(body) < algo.TagLen {
		return nil, errors.E(errors.BadHeader, "ciphertext shorter than authentication tag")
	}
	var aad []byte
	if hdr.Flags&header.FlagAAD != 0 {
		aad = hdr.Raw
	}
	pt, err := aead.Open(nil, hdr.IV, body, aad)
	if err != nil {
		return nil, errors.E(errors.AuthFailure, "decrypting payload", err)
	}
	return pt, nil
}

func newAEAD(algo algorithm.Algorithm, rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != algo.KeyLen {
		return nil, errors.E(errors.InputInvalid, "data key length does not match algorithm")
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, errors.E(errors.InputInvalid, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.E(errors.InputInvalid, err)
	}
	return aead, nil
}

type pieceState int

const (
	stateIdle pieceState = iota
	stateBegun
	stateUpdated
)

// An Encrypter is the piecewise surface over Seal. The underlying
// AEAD cannot stream, so Update accepts the payload exactly once;
// a second Update fails rather than silently concatenating.
type Encrypter struct {
	algo       algorithm.Algorithm
	rawKey     []byte
	wrappedKey []byte
	state      pieceState
	plaintext  []byte
}

// NewEncrypter returns a piecewise encrypter for one message.
func NewEncrypter(algo algorithm.Algorithm, rawKey, wrappedKey []byte) *Encrypter {
	return &Encrypter{algo: algo, rawKey: rawKey, wrappedKey: wrappedKey}
}

// Begin starts a message.
func (e *Encrypter) Begin() error {
	if e.state != stateIdle {
		return errors.E(errors.State, "begin called twice")
	}
	e.state = stateBegun
	return nil
}

// Update supplies the message payload. It may be called exactly once
// between Begin and End.
func (e *Encrypter) Update(plaintext []byte) error {
	switch e.state {
	case stateIdle:
		return errors.E(errors.State, "update before begin")
	case stateUpdated:
		return errors.E(errors.State, "piecewise update is single-shot")
	}
	e.plaintext = plaintext
	e.state = stateUpdated
	return nil
}

// End seals the message and resets the encrypter for reuse.
func (e *Encrypter) End() ([]byte, error) {
	if e.state == stateIdle {
		return nil, errors.E(errors.State, "end before begin")
	}
	ct, err := Seal(e.algo, e.rawKey, e.wrappedKey, e.plaintext)
	e.plaintext = nil
	e.state = stateIdle
	return ct, err
}

// A KeyResolver recovers the raw data key referenced by a ciphertext
// header, typically by consulting the key cache or the key service.
type KeyResolver func(hdr header.Header, algo algorithm.Algorithm) ([]byte, error)

// A Decrypter is the piecewise surface over Open. The data key is
// resolved at End, once the header has been seen.
type Decrypter struct {
	resolve    KeyResolver
	state      pieceState
	ciphertext []byte
}

// NewDecrypter returns a piecewise decrypter for one message.
func NewDecrypter(resolve KeyResolver) *Decrypter {
	return &Decrypter{resolve: resolve}
}

// Begin starts a message.
func (d *Decrypter) Begin() error {
	if d.state != stateIdle {
		return errors.E(errors.State, "begin called twice")
	}
	d.state = stateBegun
	return nil
}

// Update supplies the whole ciphertext. It may be called exactly once
// between Begin and End.
func (d *Decrypter) Update(ciphertext []byte) error {
	switch d.state {
	case stateIdle:
		return errors.E(errors.State, "update before begin")
	case stateUpdated:
		return errors.E(errors.State, "piecewise update is single-shot")
	}
	d.ciphertext = ciphertext
	d.state = stateUpdated
	return nil
}

// End decodes the header, resolves the data key, and opens the
// payload, resetting the decrypter for reuse.
func (d *Decrypter) End() ([]byte, error) {
	if d.state == stateIdle {
		return nil, errors.E(errors.State, "end before begin")
	}
	ct := d.ciphertext
	d.ciphertext = nil
	d.state = stateIdle

	hdr, err := header.Decode(ct)
	if err != nil {
		return nil, err
	}
	algo, err := algorithm.ByID(hdr.AlgoID)
	if err != nil {
		return nil, err
	}
	rawKey, err := d.resolve(hdr, algo)
	if err != nil {
		return nil, err
	}
	return Open(algo, rawKey, hdr, ct[len(hdr.Raw):])
}
