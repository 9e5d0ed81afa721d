// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package credentials loads and validates the API credentials used to
// talk to the key service. Credentials come from explicit values, from
// the environment, or from an INI-style credentials file with named
// profiles.
package credentials

import (
	"os"
	"strings"

	"github.com/go-ini/ini"

	"github.com/grailbio/ubiq/errors"
)

// Environment variables recognized by FromEnv.
const (
	EnvAccessKeyID     = "UBIQ_ACCESS_KEY_ID"
	EnvSigningKey      = "UBIQ_SECRET_SIGNING_KEY"
	EnvCryptoAccessKey = "UBIQ_SECRET_CRYPTO_ACCESS_KEY"
	EnvServer          = "UBIQ_SERVER"
)

// DefaultServer is used when no server is configured.
const DefaultServer = "https://api.ubiqsecurity.com"

// Credentials identify and authenticate a client of the key service.
// They are immutable once constructed.
type Credentials struct {
	// Papi is the public API identifier, used as the HMAC key id.
	Papi string
	// Sapi is the secret HMAC signing key.
	Sapi string
	// Srsa is the passphrase that decrypts wrapped private keys.
	Srsa string
	// Host is the key service base URL.
	Host string
}

// New constructs credentials from explicit values. An empty host
// selects the default server.
func New(papi, sapi, srsa, host string) (*Credentials, error) {
	c := &Credentials{
		Papi: papi,
		Sapi: sapi,
		Srsa: srsa,
		Host: normalizeHost(host),
	}
	if !c.viable() {
		return nil, errors.E(errors.Credentials, "incomplete credentials")
	}
	return c, nil
}

// FromEnv constructs credentials from the UBIQ_* environment
// variables.
func FromEnv() (*Credentials, error) {
	return New(
		os.Getenv(EnvAccessKeyID),
		os.Getenv(EnvSigningKey),
		os.Getenv(EnvCryptoAccessKey),
		os.Getenv(EnvServer))
}

// Load reads credentials from the INI file at path, selecting the
// named profile. An empty profile selects "default". Values present
// in the environment take precedence over the file.
func Load(path, profile string) (*Credentials, error) {
	if profile == "" {
		profile = "default"
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.E(errors.Credentials, "reading credentials file", err)
	}
	sec, err := f.GetSection(profile)
	if err != nil {
		return nil, errors.E(errors.Credentials, "no profile "+profile, err)
	}
	get := func(env, key string) string {
		if v := os.Getenv(env); v != "" {
			return v
		}
		return sec.Key(key).String()
	}
	return New(
		get(EnvAccessKeyID, "ACCESS_KEY_ID"),
		get(EnvSigningKey, "SECRET_SIGNING_KEY"),
		get(EnvCryptoAccessKey, "SECRET_CRYPTO_ACCESS_KEY"),
		get(EnvServer, "SERVER"))
}

func (c *Credentials) viable() bool {
	return c.Papi != "" && c.Sapi != "" && c.Srsa != ""
}

// A missing server falls back to the hosted service; a bare host gets
// https prepended; an explicit http scheme is preserved as-is.
func normalizeHost(host string) string {
	if host == "" {
		return DefaultServer
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		return "https://" + host
	}
	return host
}
