// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kms

import (
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/pem"

	"github.com/grailbio/ubiq/errors"
	"github.com/youmark/pkcs8"
)

// decryptPrivateKey recovers the RSA private key from its
// passphrase-protected PKCS#8 PEM encoding.
func decryptPrivateKey(encPrivPEM, srsa string) (*rsa.PrivateKey, error) {
	blk, _ := pem.Decode([]byte(encPrivPEM))
	if blk == nil {
		return nil, errors.E(errors.Unwrap, "no PEM block in encrypted private key")
	}
	key, err := pkcs8.ParsePKCS8PrivateKey(blk.Bytes, []byte(srsa))
	if err != nil {
		return nil, errors.E(errors.Unwrap, "decrypting private key", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.E(errors.Unwrap, "private key is not RSA")
	}
	return rsaKey, nil
}

// unwrapWith OAEP-decrypts a base64 wrapped data key under an already
// decrypted private key.
func unwrapWith(priv *rsa.PrivateKey, wrappedB64 string) ([]byte, error) {
	wdk, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, errors.E(errors.Unwrap, "decoding wrapped data key", err)
	}
	raw, err := rsa.DecryptOAEP(sha1.New(), nil, priv, wdk, nil)
	if err != nil {
		return nil, errors.E(errors.Unwrap, "unwrapping data key", err)
	}
	return raw, nil
}

// unwrapDataKey decrypts the private key with the srsa passphrase and
// unwraps the data key in one step.
func unwrapDataKey(encPrivPEM, wrappedB64, srsa string) ([]byte, error) {
	priv, err := decryptPrivateKey(encPrivPEM, srsa)
	if err != nil {
		return nil, err
	}
	return unwrapWith(priv, wrappedB64)
}
