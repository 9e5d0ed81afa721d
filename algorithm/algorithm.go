// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package algorithm enumerates the ciphers the library supports and
// their parameters. Algorithms are identified on the wire by a
// single-byte id embedded in the ciphertext header, and by name in
// key service responses.
package algorithm

import (
	"strings"

	"github.com/grailbio/ubiq/errors"
)

// Ids of the supported algorithms. The id is stored in unstructured
// ciphertext headers and must never be renumbered.
const (
	IDAES256GCM = 0
	IDAES128GCM = 1
	IDFF1       = 2
)

// An Algorithm describes a supported cipher: its wire id and the
// lengths, in bytes, of its key, initialization vector, and
// authentication tag. FF1 carries no IV or tag.
type Algorithm struct {
	ID     int
	Name   string
	KeyLen int
	IVLen  int
	TagLen int
}

var algorithms = []Algorithm{
	{ID: IDAES256GCM, Name: "aes-256-gcm", KeyLen: 32, IVLen: 12, TagLen: 16},
	{ID: IDAES128GCM, Name: "aes-128-gcm", KeyLen: 16, IVLen: 12, TagLen: 16},
	{ID: IDFF1, Name: "ff1", KeyLen: 0, IVLen: 0, TagLen: 0},
}

// ByID returns the algorithm with the given wire id.
func ByID(id int) (Algorithm, error) {
	for _, a := range algorithms {
		if a.ID == id {
			return a, nil
		}
	}
	return Algorithm{}, errors.E(errors.BadHeader, "unsupported algorithm id")
}

// ByName returns the algorithm with the given name. The comparison is
// case-insensitive, matching the key service's spelling.
func ByName(name string) (Algorithm, error) {
	for _, a := range algorithms {
		if strings.EqualFold(a.Name, name) {
			return a, nil
		}
	}
	return Algorithm{}, errors.E(errors.InputInvalid, "unsupported algorithm "+name)
}
