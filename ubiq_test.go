// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ubiq

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/grailbio/ubiq/config"
	"github.com/grailbio/ubiq/credentials"
	"github.com/grailbio/ubiq/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
)

const testSrsa = "test-srsa-passphrase"

var (
	rsaOnce sync.Once
	rsaPriv *rsa.PrivateKey
)

func testRSAKey() *rsa.PrivateKey {
	rsaOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaPriv = k
	})
	return rsaPriv
}

// ssnDef reserves the full leading character for the key number, so
// version 0 is the only encodable version and round trips are exact.
const ssnDef = `{
	"name": "SSN",
	"input_character_set": "0123456789",
	"output_character_set": "0123456789",
	"passthrough": "-",
	"min_input_length": 6,
	"max_input_length": 32,
	"msb_encoding_bits": 4,
	"tweak": "OTg3NjU0MzIxMA=="
}`

// fakeService fakes the whole key service: real RSA key wrapping, one
// structured dataset, and a tracking sink.
type fakeService struct {
	t       *testing.T
	priv    *rsa.PrivateKey
	privPEM string
	dataKey []byte
	reports chan json.RawMessage
	srv     *httptest.Server
}

func newFakeService(t *testing.T) *fakeService {
	priv := testRSAKey()
	der, err := pkcs8.MarshalPrivateKey(priv, []byte(testSrsa), nil)
	require.NoError(t, err)
	f := &fakeService{
		t:       t,
		priv:    priv,
		privPEM: string(pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})),
		dataKey: []byte("0123456789abcdef0123456789abcdef"),
		reports: make(chan json.RawMessage, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/encryption/key", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
			"encrypted_data_key":    base64.StdEncoding.EncodeToString([]byte("server-edk")),
			"encrypted_private_key": f.privPEM,
			"wrapped_data_key":      f.wrap(f.dataKey),
			"encryption_session":    "sess-1",
			"key_fingerprint":       "fp-1",
			"security_model": map[string]interface{}{
				"algorithm":                 "aes-256-gcm",
				"enable_data_fragmentation": false,
			},
		})
	})
	mux.HandleFunc("/api/v0/decryption/key", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
			"encrypted_private_key": f.privPEM,
			"wrapped_data_key":      f.wrap(f.dataKey),
			"encryption_session":    "sess-1",
			"key_fingerprint":       "fp-1",
		})
	})
	mux.HandleFunc("/api/v0/decryption/key/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v0/fpe/key", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
			"encrypted_private_key": f.privPEM,
			"wrapped_data_key":      f.wrap(f.dataKey),
			"key_number":            0,
		})
	})
	mux.HandleFunc("/api/v0/fpe/def_keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
			"SSN": map[string]interface{}{
				"ffs":                   json.RawMessage(ssnDef),
				"encrypted_private_key": f.privPEM,
				"keys":                  map[string]string{"0": f.wrap(f.dataKey)},
			},
		})
	})
	mux.HandleFunc("/api/v0/ffs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ffs_name") == "SSN" {
			w.Write([]byte(ssnDef)) // nolint: errcheck
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
			"status": 401, "message": "Invalid Dataset name",
		})
	})
	mux.HandleFunc("/api/v3/tracking/events", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		f.reports <- body
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) wrap(raw []byte) string {
	wdk, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &f.priv.PublicKey, raw, nil)
	require.NoError(f.t, err)
	return base64.StdEncoding.EncodeToString(wdk)
}

func (f *fakeService) client(t *testing.T) *Client {
	creds, err := credentials.New("test-papi", "test-sapi", testSrsa, f.srv.URL)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.EventReporting.MinimumCount = 1000
	cfg.EventReporting.FlushInterval = 3600
	c, err := NewClient(creds, WithConfig(cfg))
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(nil)
	assert.True(t, errors.Is(errors.Credentials, err))
}

func TestEncryptDecrypt(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	ctx := context.Background()

	pt := []byte("attack at dawn")
	ct, err := c.Encrypt(ctx, pt)
	require.NoError(t, err)
	assert.NotEqual(t, pt, ct)

	got, err := c.Decrypt(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, pt, got)

	// Two encryptions of the same plaintext differ by IV.
	ct2, err := c.Encrypt(ctx, pt)
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)
}

func TestDecryptTampered(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	ctx := context.Background()

	ct, err := c.Encrypt(ctx, []byte("payload"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 1
	_, err = c.Decrypt(ctx, ct)
	assert.True(t, errors.Is(errors.AuthFailure, err))
}

func TestPiecewiseRoundTrip(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	ctx := context.Background()

	enc, err := c.Encrypter(ctx)
	require.NoError(t, err)
	require.NoError(t, enc.Begin())
	require.NoError(t, enc.Update([]byte("piecewise payload")))
	ct, err := enc.End()
	require.NoError(t, err)

	// Piecewise and one-shot ciphertexts are interchangeable.
	dec := c.Decrypter(ctx)
	require.NoError(t, dec.Begin())
	require.NoError(t, dec.Update(ct))
	pt, err := dec.End()
	require.NoError(t, err)
	assert.Equal(t, []byte("piecewise payload"), pt)

	got, err := c.Decrypt(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("piecewise payload"), got)
}

func TestStructuredRoundTrip(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	ctx := context.Background()

	pt := "123-45-6789"
	ct, err := c.EncryptStructured(ctx, "SSN", pt)
	require.NoError(t, err)
	require.Len(t, ct, len(pt))
	// Passthrough characters keep their positions; the rest stays in
	// the output alphabet.
	assert.Equal(t, byte('-'), ct[3])
	assert.Equal(t, byte('-'), ct[6])
	for i, r := range ct {
		if i == 3 || i == 6 {
			continue
		}
		assert.Contains(t, "0123456789", string(r))
	}

	got, err := c.DecryptStructured(ctx, "SSN", ct)
	require.NoError(t, err)
	assert.Equal(t, pt, got)

	// Structured encryption is deterministic per key and tweak.
	ct2, err := c.EncryptStructured(ctx, "SSN", pt)
	require.NoError(t, err)
	assert.Equal(t, ct, ct2)
}

func TestEncryptForSearch(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	ctx := context.Background()

	pt := "123-45-6789"
	candidates, err := c.EncryptForSearch(ctx, "SSN", pt)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	// The current-key candidate matches a plain encryption, and every
	// candidate decrypts back to the plaintext.
	ct, err := c.EncryptStructured(ctx, "SSN", pt)
	require.NoError(t, err)
	assert.Contains(t, candidates, ct)
	for _, cand := range candidates {
		got, err := c.DecryptStructured(ctx, "SSN", cand)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestStructuredRejectsUnknownDataset(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)

	_, err := c.EncryptStructured(context.Background(), "not-a-dataset", "123456")
	assert.True(t, errors.Is(errors.DatasetInvalid, err))
}

func TestPrimeKeyCache(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	ctx := context.Background()

	require.NoError(t, c.PrimeKeyCache(ctx, []string{"SSN"}))
	// The primed dataset definition serves the encryption from cache.
	// Priming does not set the per-dataset default key alias, so the
	// current key is still fetched; the operation must succeed end to
	// end.
	_, err := c.EncryptStructured(ctx, "SSN", "123-45-6789")
	require.NoError(t, err)
}

func TestCloseFlushesUsage(t *testing.T) {
	f := newFakeService(t)
	c := f.client(t)
	ctx := context.Background()

	_, err := c.Encrypt(ctx, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	var p struct {
		Usage []struct {
			Action      string `json:"action"`
			DatasetType string `json:"dataset_type"`
			Count       int    `json:"count"`
			ApiKey      string `json:"api_key"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(<-f.reports, &p))
	require.Len(t, p.Usage, 1)
	assert.Equal(t, "encrypt", p.Usage[0].Action)
	assert.Equal(t, "unstructured", p.Usage[0].DatasetType)
	assert.Equal(t, 1, p.Usage[0].Count)
	assert.Equal(t, "test-papi", p.Usage[0].ApiKey)
}
