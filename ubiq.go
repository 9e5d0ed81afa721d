// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ubiq is a client for the Ubiq platform. A Client encrypts
// and decrypts data against keys issued by the key service, in two
// modes: unstructured authenticated encryption of arbitrary bytes,
// and structured (format-preserving) encryption of strings driven by
// named datasets. Each Client owns its own cache and usage reporter;
// independent Clients share nothing.
package ubiq

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/grailbio/ubiq/algorithm"
	"github.com/grailbio/ubiq/cache"
	"github.com/grailbio/ubiq/config"
	"github.com/grailbio/ubiq/credentials"
	"github.com/grailbio/ubiq/dataset"
	"github.com/grailbio/ubiq/errors"
	"github.com/grailbio/ubiq/events"
	"github.com/grailbio/ubiq/ff1"
	"github.com/grailbio/ubiq/header"
	"github.com/grailbio/ubiq/kms"
	"github.com/grailbio/ubiq/log"
	"github.com/grailbio/ubiq/sign"
	"github.com/grailbio/ubiq/structured"
	"github.com/grailbio/ubiq/unstructured"
)

// A Client is the top-level handle on the library. It is safe for
// concurrent use. Close flushes any usage events still queued.
type Client struct {
	creds    *credentials.Credentials
	cfg      *config.Config
	cache    *cache.Cache
	http     *sign.Client
	keys     *kms.KeyManager
	datasets *kms.DatasetManager
	events   *events.Aggregator
}

// An Option adjusts Client construction.
type Option func(*Client)

// WithConfig supplies a configuration other than the defaults.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// NewClient builds a client from credentials.
func NewClient(creds *credentials.Credentials, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.E(errors.Credentials, "nil credentials")
	}
	c := &Client{creds: creds, cfg: config.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Logging.Verbose {
		log.SetLevel(log.Debug)
	}
	c.cache = cache.New()
	c.http = sign.NewClient(creds)
	c.keys = kms.NewKeyManager(c.http, creds, c.cfg, c.cache)
	c.datasets = kms.NewDatasetManager(c.http, creds, c.cfg, c.cache)
	c.events = events.NewAggregator(c.http, creds, c.cfg, c.cache)
	return c, nil
}

// Close flushes queued usage events. The flush is synchronous unless
// event_reporting.destroy_report_async is set.
func (c *Client) Close() error {
	return c.events.Process(context.Background(), c.cfg.EventReporting.DestroyReportAsync)
}

// AddUserMetadata attaches a JSON object to every usage record this
// client reports from now on.
func (c *Client) AddUserMetadata(s string) error {
	return c.events.AddUserMetadata(s)
}

// Encrypt encrypts arbitrary bytes with a fresh or cached data key.
// The returned ciphertext is self-describing; hand it unmodified to
// Decrypt.
func (c *Client) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ds := dataset.NewUnstructured("")
	entry, err := c.keys.GetEncryptionKey(ctx, ds, !c.cfg.KeyCaching.Unstructured)
	if err != nil {
		return nil, err
	}
	algo, err := algorithmFor(entry)
	if err != nil {
		return nil, err
	}
	ct, err := unstructured.Seal(algo, entry.RawKey, entry.EncryptedDataKey, plaintext)
	if err != nil {
		return nil, err
	}
	if err := c.addEvent(ds, "encrypt", 0); err != nil {
		return nil, err
	}
	return ct, nil
}

// Decrypt inverts Encrypt, recovering the data key referenced by the
// ciphertext header.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	hdr, err := header.Decode(ciphertext)
	if err != nil {
		return nil, err
	}
	algo, err := algorithm.ByID(hdr.AlgoID)
	if err != nil {
		return nil, err
	}
	entry, err := c.keys.GetDecryptionKey(ctx, "", hdr.KeyEnc)
	if err != nil {
		return nil, err
	}
	pt, err := unstructured.Open(algo, entry.RawKey, hdr, ciphertext[len(hdr.Raw):])
	if err != nil {
		return nil, err
	}
	ds := dataset.NewUnstructured("")
	if err := c.addEvent(ds, "decrypt", 0); err != nil {
		return nil, err
	}
	return pt, nil
}

// Encrypter returns a piecewise encrypter over one data key. Begin,
// a single Update, and End produce a ciphertext in the same format as
// Encrypt, which Decrypt accepts.
func (c *Client) Encrypter(ctx context.Context) (*unstructured.Encrypter, error) {
	ds := dataset.NewUnstructured("")
	entry, err := c.keys.GetEncryptionKey(ctx, ds, !c.cfg.KeyCaching.Unstructured)
	if err != nil {
		return nil, err
	}
	algo, err := algorithmFor(entry)
	if err != nil {
		return nil, err
	}
	if err := c.addEvent(ds, "encrypt", 0); err != nil {
		return nil, err
	}
	return unstructured.NewEncrypter(algo, entry.RawKey, entry.EncryptedDataKey), nil
}

// Decrypter returns a piecewise decrypter. The data key is resolved
// when End sees the ciphertext header.
func (c *Client) Decrypter(ctx context.Context) *unstructured.Decrypter {
	return unstructured.NewDecrypter(func(hdr header.Header, algo algorithm.Algorithm) ([]byte, error) {
		entry, err := c.keys.GetDecryptionKey(ctx, "", hdr.KeyEnc)
		if err != nil {
			return nil, err
		}
		if err := c.addEvent(dataset.NewUnstructured(""), "decrypt", 0); err != nil {
			return nil, err
		}
		return entry.RawKey, nil
	})
}

// EncryptStructured format-preserving-encrypts plaintext under the
// named dataset. The ciphertext has the same shape as the plaintext:
// passthrough characters, prefixes, and suffixes survive in place.
func (c *Client) EncryptStructured(ctx context.Context, datasetName, plaintext string) (string, error) {
	ds, err := c.structuredDataset(ctx, datasetName)
	if err != nil {
		return "", err
	}
	entry, err := c.keys.GetEncryptionKey(ctx, ds, !c.cfg.KeyCaching.Structured)
	if err != nil {
		return "", err
	}
	out, err := c.encryptStructuredWith(ds, entry, plaintext)
	if err != nil {
		return "", err
	}
	if err := c.addEvent(ds, "encrypt", entry.KeyNumber); err != nil {
		return "", err
	}
	return out, nil
}

func (c *Client) encryptStructuredWith(ds dataset.Dataset, entry *kms.KeyEntry, plaintext string) (string, error) {
	core, parts, err := structured.Deconstruct(plaintext, ds.Config)
	if err != nil {
		return "", err
	}
	fc, err := c.cipherFor(ds, entry)
	if err != nil {
		return "", err
	}
	out, err := structured.EncryptCore(ds.Config, fc, entry.KeyNumber, core)
	if err != nil {
		return "", err
	}
	return parts.Reconstruct(out), nil
}

// DecryptStructured inverts EncryptStructured, fetching the key
// version named by the ciphertext's leading character.
func (c *Client) DecryptStructured(ctx context.Context, datasetName, ciphertext string) (string, error) {
	ds, err := c.structuredDataset(ctx, datasetName)
	if err != nil {
		return "", err
	}
	core, parts, err := structured.Deconstruct(ciphertext, ds.Config)
	if err != nil {
		return "", err
	}
	keyNum, core, err := structured.DecodeKeyNumber(ds.Config, core)
	if err != nil {
		return "", err
	}
	entry, err := c.keys.GetStructuredKey(ctx, ds, keyNum)
	if err != nil {
		return "", err
	}
	fc, err := c.cipherFor(ds, entry)
	if err != nil {
		return "", err
	}
	pt, err := structured.DecryptCore(ds.Config, fc, core)
	if err != nil {
		return "", err
	}
	if err := c.addEvent(ds, "decrypt", keyNum); err != nil {
		return "", err
	}
	return parts.Reconstruct(pt), nil
}

// EncryptForSearch encrypts plaintext under every active key version
// of the dataset, returning one candidate ciphertext per version.
// Searching stored ciphertext for any of the candidates finds values
// encrypted before a key rotation.
func (c *Client) EncryptForSearch(ctx context.Context, datasetName, plaintext string) ([]string, error) {
	keys, err := c.keys.GetAllEncryptionKeys(ctx, []string{datasetName})
	if err != nil {
		return nil, err
	}
	ds, err := c.structuredDataset(ctx, datasetName)
	if err != nil {
		return nil, err
	}
	entries := keys[datasetName]
	if len(entries) == 0 {
		return nil, errors.E(errors.DatasetInvalid, "no keys for dataset "+datasetName)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		ct, err := c.encryptStructuredWith(ds, entry, plaintext)
		if err != nil {
			return nil, err
		}
		if err := c.addEvent(ds, "encrypt", entry.KeyNumber); err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, nil
}

// PrimeKeyCache warms the key and dataset caches for the named
// structured datasets in a single request.
func (c *Client) PrimeKeyCache(ctx context.Context, datasetNames []string) error {
	_, err := c.keys.GetAllEncryptionKeys(ctx, datasetNames)
	return err
}

func (c *Client) structuredDataset(ctx context.Context, name string) (dataset.Dataset, error) {
	ds, err := c.datasets.GetDataset(ctx, name)
	if err != nil {
		return dataset.Dataset{}, err
	}
	if ds.Kind != dataset.Structured {
		return dataset.Dataset{}, errors.E(errors.DatasetInvalid,
			"dataset "+name+" is not structured")
	}
	return ds, nil
}

// cipherFor returns the FF1 instance for a dataset and key version.
// Instances are memoized unless cached keys are kept wrapped, in
// which case retaining a keyed cipher would defeat the policy.
func (c *Client) cipherFor(ds dataset.Dataset, entry *kms.KeyEntry) (*ff1.Cipher, error) {
	key := fmt.Sprintf("ff1-%s-%d", ds.Name, entry.KeyNumber)
	if !c.cfg.KeyCaching.Encrypt {
		if v, ok := c.cache.Get(cache.Ciphers, key); ok {
			return v.(*ff1.Cipher), nil
		}
	}
	tweak, err := base64.StdEncoding.DecodeString(ds.Config.TweakB64)
	if err != nil {
		return nil, errors.E(errors.InputInvalid, "decoding dataset tweak", err)
	}
	fc, err := ff1.New(entry.RawKey, tweak, ds.Config.InputCharacters)
	if err != nil {
		return nil, err
	}
	if !c.cfg.KeyCaching.Encrypt {
		c.cache.SetTTL(cache.Ciphers, key, fc, c.cfg.KeyTTL())
	}
	return fc, nil
}

// algorithmFor maps a key's security model to an algorithm, falling
// back to AES-256-GCM when the service names none.
func algorithmFor(entry *kms.KeyEntry) (algorithm.Algorithm, error) {
	if entry.Algorithm == "" {
		return algorithm.ByID(algorithm.IDAES256GCM)
	}
	return algorithm.ByName(entry.Algorithm)
}

func (c *Client) addEvent(ds dataset.Dataset, action string, keyNumber int) error {
	return c.events.Add(events.Event{
		ApiKey:       c.creds.Papi,
		Dataset:      ds.Name,
		DatasetGroup: ds.GroupName,
		Action:       action,
		DatasetType:  ds.TypeName(),
		KeyNumber:    keyNumber,
	})
}
