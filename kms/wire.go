// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kms

import "encoding/json"

// Wire shapes of the key service's JSON responses.

type securityModel struct {
	Algorithm           string `json:"algorithm"`
	EnableFragmentation bool   `json:"enable_data_fragmentation"`
}

type encryptionKeyResponse struct {
	EncryptedDataKey    string        `json:"encrypted_data_key"`
	EncryptedPrivateKey string        `json:"encrypted_private_key"`
	WrappedDataKey      string        `json:"wrapped_data_key"`
	EncryptionSession   string        `json:"encryption_session"`
	KeyFingerprint      string        `json:"key_fingerprint"`
	SecurityModel       securityModel `json:"security_model"`
}

type decryptionKeyResponse struct {
	EncryptedPrivateKey string `json:"encrypted_private_key"`
	WrappedDataKey      string `json:"wrapped_data_key"`
	EncryptionSession   string `json:"encryption_session"`
	KeyFingerprint      string `json:"key_fingerprint"`
}

type fpeKeyResponse struct {
	EncryptedPrivateKey string `json:"encrypted_private_key"`
	WrappedDataKey      string `json:"wrapped_data_key"`
	KeyNumber           int    `json:"key_number"`
}

type defKeysEntry struct {
	FFS                 json.RawMessage   `json:"ffs"`
	EncryptedPrivateKey string            `json:"encrypted_private_key"`
	Keys                map[string]string `json:"keys"`
}

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}
