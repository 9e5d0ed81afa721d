// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kms

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/ubiq/cache"
	"github.com/grailbio/ubiq/config"
	"github.com/grailbio/ubiq/credentials"
	"github.com/grailbio/ubiq/dataset"
	"github.com/grailbio/ubiq/errors"
	"github.com/grailbio/ubiq/sign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
)

const testSrsa = "test-srsa-passphrase"

var (
	rsaOnce sync.Once
	rsaPriv *rsa.PrivateKey
)

// testRSAKey generates the fake service's RSA key once per test run.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	rsaOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaPriv = k
	})
	return rsaPriv
}

// fakeKMS is an httptest stand-in for the key service. It wraps real
// keys with real RSA so the unwrap path is exercised end to end.
type fakeKMS struct {
	t       *testing.T
	priv    *rsa.PrivateKey
	privPEM string
	dataKey []byte

	encKeyReqs int32
	decKeyReqs int32
	fpeKeyReqs int32
	ffsReqs    int32
	defReqs    int32

	lastFPEQuery atomic.Value // url.Values rendered as string
	patched      chan string

	srv *httptest.Server
}

const ssnDef = `{
	"name": "SSN",
	"input_character_set": "0123456789",
	"output_character_set": "0123456789",
	"passthrough": "-",
	"min_input_length": 6,
	"max_input_length": 32,
	"msb_encoding_bits": 3,
	"tweak": "OTg3NjU0MzIxMA=="
}`

func newFakeKMS(t *testing.T) *fakeKMS {
	priv := testRSAKey(t)
	der, err := pkcs8.MarshalPrivateKey(priv, []byte(testSrsa), nil)
	require.NoError(t, err)
	f := &fakeKMS{
		t:       t,
		priv:    priv,
		privPEM: string(pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})),
		dataKey: []byte("0123456789abcdef0123456789abcdef"),
		patched: make(chan string, 4),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/encryption/key", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.encKeyReqs, 1)
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
		atomic.AddInt32(&f.decKeyReqs, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
			"encrypted_private_key": f.privPEM,
			"wrapped_data_key":      f.wrap(f.dataKey),
			"encryption_session":    "sess-1",
			"key_fingerprint":       "fp-1",
		})
	})
	mux.HandleFunc("/api/v0/decryption/key/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			f.patched <- r.URL.Path
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v0/fpe/key", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.fpeKeyReqs, 1)
		f.lastFPEQuery.Store(r.URL.RawQuery)
		n := 3
		if s := r.URL.Query().Get("key_number"); s != "" {
			fmt.Sscanf(s, "%d", &n) // nolint: errcheck
		}
		json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
			"encrypted_private_key": f.privPEM,
			"wrapped_data_key":      f.wrap(f.dataKey),
			"key_number":            n,
		})
	})
	mux.HandleFunc("/api/v0/fpe/def_keys", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.defReqs, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
			"SSN": map[string]interface{}{
				"ffs":                   json.RawMessage(ssnDef),
				"encrypted_private_key": f.privPEM,
				"keys": map[string]string{
					"1": f.wrap([]byte("key-number-one-0key-number-one-0")),
					"0": f.wrap([]byte("key-number-zero-key-number-zero-")),
				},
			},
		})
	})
	mux.HandleFunc("/api/v0/ffs", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.ffsReqs, 1)
		switch r.URL.Query().Get("ffs_name") {
		case "SSN":
			w.Write([]byte(ssnDef)) // nolint: errcheck
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
				"status": 500, "message": "boom",
			})
		default:
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{ // nolint: errcheck
				"status": 401, "message": "Invalid Dataset name",
			})
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeKMS) wrap(raw []byte) string {
	wdk, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &f.priv.PublicKey, raw, nil)
	require.NoError(f.t, err)
	return base64.StdEncoding.EncodeToString(wdk)
}

func (f *fakeKMS) manager(cfg *config.Config) (*KeyManager, *cache.Cache) {
	creds, err := credentials.New("test-papi", "test-sapi", testSrsa, f.srv.URL)
	require.NoError(f.t, err)
	c := cache.New()
	return NewKeyManager(sign.NewClient(creds), creds, cfg, c), c
}

func (f *fakeKMS) datasets(cfg *config.Config) *DatasetManager {
	creds, err := credentials.New("test-papi", "test-sapi", testSrsa, f.srv.URL)
	require.NoError(f.t, err)
	return NewDatasetManager(sign.NewClient(creds), creds, cfg, cache.New())
}

func TestGetEncryptionKey(t *testing.T) {
	f := newFakeKMS(t)
	m, _ := f.manager(config.Default())
	ctx := context.Background()

	e, err := m.GetEncryptionKey(ctx, dataset.NewUnstructured(""), false)
	require.NoError(t, err)
	assert.Equal(t, f.dataKey, e.RawKey)
	assert.Equal(t, []byte("server-edk"), e.EncryptedDataKey)
	assert.Equal(t, "sess-1", e.Session)
	assert.Equal(t, "fp-1", e.Fingerprint)
	assert.Equal(t, "aes-256-gcm", e.Algorithm)

	// The second call is served from the default alias.
	_, err = m.GetEncryptionKey(ctx, dataset.NewUnstructured(""), false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.encKeyReqs))
}

func TestGetEncryptionKeyNoCache(t *testing.T) {
	f := newFakeKMS(t)
	m, _ := f.manager(config.Default())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.GetEncryptionKey(ctx, dataset.NewUnstructured(""), true)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.encKeyReqs))
}

func TestGetDecryptionKey(t *testing.T) {
	f := newFakeKMS(t)
	m, _ := f.manager(config.Default())
	ctx := context.Background()

	edk := []byte("server-edk")
	e, err := m.GetDecryptionKey(ctx, "", edk)
	require.NoError(t, err)
	assert.Equal(t, f.dataKey, e.RawKey)

	// A fresh fetch with a session reports the use back.
	select {
	case path := <-f.patched:
		assert.Equal(t, "/api/v0/decryption/key/fp-1/sess-1", path)
	case <-time.After(5 * time.Second):
		t.Fatal("no usage report")
	}

	// Cache hits neither refetch nor re-report.
	_, err = m.GetDecryptionKey(ctx, "", edk)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.decKeyReqs))
	select {
	case <-f.patched:
		t.Fatal("cache hit reported a use")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetDecryptionKeyEncryptedCache(t *testing.T) {
	f := newFakeKMS(t)
	cfg := config.Default()
	cfg.KeyCaching.Encrypt = true
	m, c := f.manager(cfg)
	ctx := context.Background()

	edk := []byte("server-edk")
	_, err := m.GetDecryptionKey(ctx, "", edk)
	require.NoError(t, err)

	// The cache holds only wrapped material.
	probe := hashedKey("", base64.StdEncoding.EncodeToString(edk))
	v, ok := c.Get(cache.Keys, probe)
	require.True(t, ok)
	assert.Nil(t, v.(*KeyEntry).RawKey)

	// The hit unwraps on demand without another fetch.
	e, err := m.GetDecryptionKey(ctx, "", edk)
	require.NoError(t, err)
	assert.Equal(t, f.dataKey, e.RawKey)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.decKeyReqs))
}

func TestGetStructuredKey(t *testing.T) {
	f := newFakeKMS(t)
	m, _ := f.manager(config.Default())
	ctx := context.Background()

	ds, err := dataset.Parse([]byte(ssnDef))
	require.NoError(t, err)

	e, err := m.GetStructuredKey(ctx, ds, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, e.KeyNumber)
	assert.Equal(t, f.dataKey, e.RawKey)
	assert.Contains(t, f.lastFPEQuery.Load().(string), "key_number=3")
	assert.Contains(t, f.lastFPEQuery.Load().(string), "ffs_name=SSN")

	_, err = m.GetStructuredKey(ctx, ds, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.fpeKeyReqs))
}

func TestGetEncryptionKeyStructured(t *testing.T) {
	f := newFakeKMS(t)
	m, _ := f.manager(config.Default())

	ds, err := dataset.Parse([]byte(ssnDef))
	require.NoError(t, err)

	e, err := m.GetEncryptionKey(context.Background(), ds, false)
	require.NoError(t, err)
	assert.Equal(t, 3, e.KeyNumber)
	// The current version is requested without a key_number parameter.
	assert.NotContains(t, f.lastFPEQuery.Load().(string), "key_number")
}

func TestGetAllEncryptionKeys(t *testing.T) {
	f := newFakeKMS(t)
	m, c := f.manager(config.Default())
	ctx := context.Background()

	keys, err := m.GetAllEncryptionKeys(ctx, []string{"SSN"})
	require.NoError(t, err)
	entries := keys["SSN"]
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].KeyNumber)
	assert.Equal(t, 1, entries[1].KeyNumber)
	assert.Equal(t, []byte("key-number-zero-key-number-zero-"), entries[0].RawKey)
	assert.Equal(t, []byte("key-number-one-0key-number-one-0"), entries[1].RawKey)

	// The dataset definition rides along and is cached.
	v, ok := c.Get(cache.Datasets, "SSN")
	require.True(t, ok)
	assert.Equal(t, dataset.Structured, v.(dataset.Dataset).Kind)

	// So are the individual key versions.
	ds, err := dataset.Parse([]byte(ssnDef))
	require.NoError(t, err)
	_, err = m.GetStructuredKey(ctx, ds, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.fpeKeyReqs))
}

func TestUnwrapBadPassphrase(t *testing.T) {
	f := newFakeKMS(t)
	creds, err := credentials.New("p", "s", "wrong-passphrase", f.srv.URL)
	require.NoError(t, err)
	m := NewKeyManager(sign.NewClient(creds), creds, config.Default(), cache.New())

	_, err = m.GetEncryptionKey(context.Background(), dataset.NewUnstructured(""), false)
	assert.True(t, errors.Is(errors.Unwrap, err))
}

func TestGetDataset(t *testing.T) {
	f := newFakeKMS(t)
	m := f.datasets(config.Default())
	ctx := context.Background()

	ds, err := m.GetDataset(ctx, "SSN")
	require.NoError(t, err)
	assert.Equal(t, dataset.Structured, ds.Kind)
	assert.Equal(t, "0123456789", ds.Config.InputCharacters)

	// Cached on the second call.
	_, err = m.GetDataset(ctx, "SSN")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.ffsReqs))

	// The empty name is unstructured without a round trip.
	ds, err = m.GetDataset(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, dataset.Unstructured, ds.Kind)
}

func TestGetDatasetInvalidName(t *testing.T) {
	f := newFakeKMS(t)
	m := f.datasets(config.Default())

	// The server's 401 sentinel means "no such structured dataset";
	// such names encrypt unstructured.
	ds, err := m.GetDataset(context.Background(), "not-a-dataset")
	require.NoError(t, err)
	assert.Equal(t, dataset.Unstructured, ds.Kind)
	assert.Equal(t, "not-a-dataset", ds.Name)
}

func TestGetDatasetServerError(t *testing.T) {
	f := newFakeKMS(t)
	m := f.datasets(config.Default())

	_, err := m.GetDataset(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, errors.Is(errors.DatasetInvalid, err))
	assert.Contains(t, err.Error(), "boom")
}

func TestGetDatasetCachingDisabled(t *testing.T) {
	f := newFakeKMS(t)
	cfg := config.Default()
	cfg.DatasetCaching = false
	m := f.datasets(cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.GetDataset(ctx, "SSN")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.ffsReqs))
}
