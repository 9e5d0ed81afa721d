// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kms talks to the key service: fetching and caching data
// keys, unwrapping them with the caller's srsa passphrase, and
// resolving dataset definitions. All requests go through the signed
// HTTP client; responses are cached in the client-owned cache.
package kms

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/ubiq/cache"
	"github.com/grailbio/ubiq/config"
	"github.com/grailbio/ubiq/credentials"
	"github.com/grailbio/ubiq/dataset"
	"github.com/grailbio/ubiq/errors"
	"github.com/grailbio/ubiq/log"
	"github.com/grailbio/ubiq/sign"
)

// A KeyEntry is one data key as used by the encrypt and decrypt
// paths. RawKey is always plaintext by the time a caller sees it;
// the wrapped form is retained so cache entries can defer unwrapping
// when key_caching.encrypt is set.
type KeyEntry struct {
	Dataset             string
	KeyNumber           int
	EncryptedDataKey    []byte
	EncryptedPrivateKey string
	WrappedDataKey      string
	RawKey              []byte
	Algorithm           string
	Session             string
	Fingerprint         string
	Fragmentation       bool
}

// A KeyManager fetches data keys from the key service and caches
// them under the configured TTL.
type KeyManager struct {
	client *sign.Client
	creds  *credentials.Credentials
	cfg    *config.Config
	cache  *cache.Cache
}

// NewKeyManager returns a key manager backed by the given cache.
func NewKeyManager(client *sign.Client, creds *credentials.Credentials, cfg *config.Config, c *cache.Cache) *KeyManager {
	return &KeyManager{client: client, creds: creds, cfg: cfg, cache: c}
}

// defaultAlias is the cache key that amortizes key fetches across
// repeated encryptions of the same dataset.
func defaultAlias(ds string) string {
	return ds + "-keys-default"
}

func hashedKey(ds, material string) string {
	sum := md5.Sum([]byte(material))
	return fmt.Sprintf("%s-keys-%x", ds, sum)
}

// keyNumberMaterial is the cache-probe material for a structured key:
// the base64 of the key number's decimal rendering.
func keyNumberMaterial(n int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(n)))
}

func (m *KeyManager) cachingEnabled(ds dataset.Dataset) bool {
	if ds.Kind == dataset.Structured {
		return m.cfg.KeyCaching.Structured
	}
	return m.cfg.KeyCaching.Unstructured
}

// cacheable returns the form of the entry that goes into the cache.
// With key_caching.encrypt the raw key is withheld so the cache only
// ever holds wrapped material.
func (m *KeyManager) cacheable(e *KeyEntry) *KeyEntry {
	if !m.cfg.KeyCaching.Encrypt {
		return e
	}
	c := *e
	c.RawKey = nil
	return &c
}

// materialize returns a caller-facing entry with the raw key present,
// unwrapping the cached wrapped form when necessary.
func (m *KeyManager) materialize(e *KeyEntry) (*KeyEntry, error) {
	if e.RawKey != nil {
		return e, nil
	}
	raw, err := unwrapDataKey(e.EncryptedPrivateKey, e.WrappedDataKey, m.creds.Srsa)
	if err != nil {
		return nil, err
	}
	c := *e
	c.RawKey = raw
	return &c, nil
}

// GetEncryptionKey returns a data key for encrypting under ds. Unless
// noCache is set, the per-dataset default alias is consulted first and
// refreshed after a fetch.
func (m *KeyManager) GetEncryptionKey(ctx context.Context, ds dataset.Dataset, noCache bool) (*KeyEntry, error) {
	if !noCache {
		if v, ok := m.cache.Get(cache.Keys, defaultAlias(ds.Name)); ok {
			return m.materialize(v.(*KeyEntry))
		}
	}

	var (
		entry *KeyEntry
		err   error
	)
	if ds.Kind == dataset.Structured {
		entry, err = m.fetchStructuredKey(ctx, ds.Name, -1)
	} else {
		entry, err = m.fetchUnstructuredKey(ctx, ds.Name)
	}
	if err != nil {
		return nil, err
	}

	if m.cachingEnabled(ds) {
		key := m.probeKeyFor(ds, entry)
		m.cache.SetTTL(cache.Keys, key, m.cacheable(entry), m.cfg.KeyTTL())
		if !noCache {
			m.cache.Copy(cache.Keys, key, defaultAlias(ds.Name), m.cfg.KeyTTL())
		}
	}
	return entry, nil
}

func (m *KeyManager) probeKeyFor(ds dataset.Dataset, e *KeyEntry) string {
	if ds.Kind == dataset.Structured {
		return hashedKey(ds.Name, keyNumberMaterial(e.KeyNumber))
	}
	return hashedKey(ds.Name, base64.StdEncoding.EncodeToString(e.EncryptedDataKey))
}

// GetDecryptionKey resolves the data key referenced by an
// unstructured ciphertext header. A fresh fetch that carries an
// encryption session reports the use back to the service.
func (m *KeyManager) GetDecryptionKey(ctx context.Context, datasetName string, encDataKey []byte) (*KeyEntry, error) {
	encB64 := base64.StdEncoding.EncodeToString(encDataKey)
	probe := hashedKey(datasetName, encB64)
	if m.cfg.KeyCaching.Unstructured {
		if v, ok := m.cache.Get(cache.Keys, probe); ok {
			return m.materialize(v.(*KeyEntry))
		}
	}

	body, err := json.Marshal(map[string]string{"encrypted_data_key": encB64})
	if err != nil {
		return nil, errors.E("encoding decryption key request", err)
	}
	resp, err := m.client.Post(ctx, m.creds.Host+"/api/v0/decryption/key", "application/json", body)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, statusError("fetching decryption key", resp)
	}
	var wire decryptionKeyResponse
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, errors.E(errors.Kms, "parsing decryption key response", err)
	}
	raw, err := unwrapDataKey(wire.EncryptedPrivateKey, wire.WrappedDataKey, m.creds.Srsa)
	if err != nil {
		return nil, err
	}
	entry := &KeyEntry{
		Dataset:             datasetName,
		EncryptedDataKey:    encDataKey,
		EncryptedPrivateKey: wire.EncryptedPrivateKey,
		WrappedDataKey:      wire.WrappedDataKey,
		RawKey:              raw,
		Session:             wire.EncryptionSession,
		Fingerprint:         wire.KeyFingerprint,
	}

	if entry.Session != "" {
		m.reportKeyUse(entry.Fingerprint, entry.Session, 1)
	}
	if m.cfg.KeyCaching.Unstructured {
		m.cache.SetTTL(cache.Keys, probe, m.cacheable(entry), m.cfg.KeyTTL())
	}
	return entry, nil
}

// GetStructuredKey resolves the data key for a specific key version
// of a structured dataset, as recovered from a ciphertext's leading
// character. keyNumber -1 requests the current version.
func (m *KeyManager) GetStructuredKey(ctx context.Context, ds dataset.Dataset, keyNumber int) (*KeyEntry, error) {
	probe := hashedKey(ds.Name, keyNumberMaterial(keyNumber))
	if m.cfg.KeyCaching.Structured {
		if v, ok := m.cache.Get(cache.Keys, probe); ok {
			return m.materialize(v.(*KeyEntry))
		}
	}
	entry, err := m.fetchStructuredKey(ctx, ds.Name, keyNumber)
	if err != nil {
		return nil, err
	}
	if m.cfg.KeyCaching.Structured {
		m.cache.SetTTL(cache.Keys, probe, m.cacheable(entry), m.cfg.KeyTTL())
	}
	return entry, nil
}

// GetAllEncryptionKeys fetches every active key version for the named
// structured datasets in one request, caching each key and each
// dataset definition. Entries come back sorted by key number.
func (m *KeyManager) GetAllEncryptionKeys(ctx context.Context, names []string) (map[string][]*KeyEntry, error) {
	q := url.Values{}
	q.Set("papi", m.creds.Papi)
	q.Set("ffs_name", strings.Join(names, ","))
	resp, err := m.client.Get(ctx, m.creds.Host+"/api/v0/fpe/def_keys?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, statusError("fetching dataset keys", resp)
	}
	var wire map[string]defKeysEntry
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, errors.E(errors.Kms, "parsing def_keys response", err)
	}

	out := make(map[string][]*KeyEntry, len(wire))
	for name, def := range wire {
		if len(def.FFS) > 0 && m.cfg.DatasetCaching {
			ds, err := dataset.Parse(def.FFS)
			if err != nil {
				return nil, err
			}
			m.cache.Set(cache.Datasets, name, ds)
		}
		priv, err := decryptPrivateKey(def.EncryptedPrivateKey, m.creds.Srsa)
		if err != nil {
			return nil, err
		}
		entries := make([]*KeyEntry, 0, len(def.Keys))
		for num, wrapped := range def.Keys {
			n, err := strconv.Atoi(num)
			if err != nil {
				return nil, errors.E(errors.Kms, "non-numeric key number "+num)
			}
			raw, err := unwrapWith(priv, wrapped)
			if err != nil {
				return nil, err
			}
			entry := &KeyEntry{
				Dataset:             name,
				KeyNumber:           n,
				EncryptedPrivateKey: def.EncryptedPrivateKey,
				WrappedDataKey:      wrapped,
				RawKey:              raw,
			}
			if m.cfg.KeyCaching.Structured {
				m.cache.SetTTL(cache.Keys, hashedKey(name, keyNumberMaterial(n)),
					m.cacheable(entry), m.cfg.KeyTTL())
			}
			entries = append(entries, entry)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].KeyNumber < entries[j].KeyNumber })
		out[name] = entries
	}
	return out, nil
}

func (m *KeyManager) fetchUnstructuredKey(ctx context.Context, datasetName string) (*KeyEntry, error) {
	body, err := json.Marshal(map[string]int{"uses": 1})
	if err != nil {
		return nil, errors.E("encoding encryption key request", err)
	}
	resp, err := m.client.Post(ctx, m.creds.Host+"/api/v0/encryption/key", "application/json", body)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, statusError("fetching encryption key", resp)
	}
	var wire encryptionKeyResponse
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, errors.E(errors.Kms, "parsing encryption key response", err)
	}
	encDataKey, err := base64.StdEncoding.DecodeString(wire.EncryptedDataKey)
	if err != nil {
		return nil, errors.E(errors.Kms, "decoding encrypted data key", err)
	}
	raw, err := unwrapDataKey(wire.EncryptedPrivateKey, wire.WrappedDataKey, m.creds.Srsa)
	if err != nil {
		return nil, err
	}
	return &KeyEntry{
		Dataset:             datasetName,
		EncryptedDataKey:    encDataKey,
		EncryptedPrivateKey: wire.EncryptedPrivateKey,
		WrappedDataKey:      wire.WrappedDataKey,
		RawKey:              raw,
		Algorithm:           wire.SecurityModel.Algorithm,
		Session:             wire.EncryptionSession,
		Fingerprint:         wire.KeyFingerprint,
		Fragmentation:       wire.SecurityModel.EnableFragmentation,
	}, nil
}

func (m *KeyManager) fetchStructuredKey(ctx context.Context, datasetName string, keyNumber int) (*KeyEntry, error) {
	q := url.Values{}
	q.Set("papi", m.creds.Papi)
	q.Set("ffs_name", datasetName)
	if keyNumber >= 0 {
		q.Set("key_number", strconv.Itoa(keyNumber))
	}
	resp, err := m.client.Get(ctx, m.creds.Host+"/api/v0/fpe/key?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, statusError("fetching dataset key", resp)
	}
	var wire fpeKeyResponse
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return nil, errors.E(errors.Kms, "parsing dataset key response", err)
	}
	raw, err := unwrapDataKey(wire.EncryptedPrivateKey, wire.WrappedDataKey, m.creds.Srsa)
	if err != nil {
		return nil, err
	}
	return &KeyEntry{
		Dataset:             datasetName,
		KeyNumber:           wire.KeyNumber,
		EncryptedPrivateKey: wire.EncryptedPrivateKey,
		WrappedDataKey:      wire.WrappedDataKey,
		RawKey:              raw,
	}, nil
}

// reportKeyUse tells the service a decryption key was used. The
// response is not observed.
func (m *KeyManager) reportKeyUse(fingerprint, session string, uses int) {
	body, err := json.Marshal(map[string]int{"uses": uses})
	if err != nil {
		return
	}
	u := fmt.Sprintf("%s/api/v0/decryption/key/%s/%s",
		m.creds.Host, url.PathEscape(fingerprint), url.PathEscape(session))
	if log.At(log.Debug) {
		log.Debug.Printf("kms: reporting %d use(s) of key %s", uses, fingerprint)
	}
	m.client.PatchAsync(u, "application/json", body)
}

func statusError(op string, r *sign.Response) error {
	var wire errorResponse
	if err := json.Unmarshal(r.Body, &wire); err == nil && wire.Message != "" {
		return errors.E(errors.Kms, fmt.Sprintf("%s: server returned %d: %s", op, r.Status, wire.Message))
	}
	return errors.E(errors.Kms, fmt.Sprintf("%s: server returned %d", op, r.Status))
}
