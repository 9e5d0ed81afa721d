// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sign

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/grailbio/ubiq/credentials"
	"github.com/grailbio/ubiq/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	creds, err := credentials.New("test-papi", "test-sapi", "test-srsa", srv.URL)
	require.NoError(t, err)
	return NewClient(creds)
}

// parseSignature splits the Signature header into its parameters.
func parseSignature(t *testing.T, hdr string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(hdr, ", ") {
		kv := strings.SplitN(part, "=", 2)
		require.Len(t, kv, 2)
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// verify recomputes the signing string from the request the server
// received and checks the HMAC.
func verify(t *testing.T, r *http.Request, body []byte, sapi string) {
	params := parseSignature(t, r.Header.Get("Signature"))
	assert.Equal(t, "test-papi", params["keyId"])
	assert.Equal(t, "hmac-sha512", params["algorithm"])

	target := r.Method + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	var signing strings.Builder
	for _, name := range strings.Split(params["headers"], " ") {
		var value string
		switch name {
		case "(created)":
			value = params["created"]
		case "(request-target)":
			value = strings.ToLower(target)
		case "content-length":
			value = fmt.Sprint(len(body))
		case "host":
			value = r.Host
		default:
			value = r.Header.Get(name)
		}
		fmt.Fprintf(&signing, "%s: %s\n", name, value)
	}
	mac := hmac.New(sha512.New, []byte(sapi))
	mac.Write([]byte(signing.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, params["signature"])
}

func TestGet(t *testing.T) {
	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`)) // nolint: errcheck
	}))
	defer srv.Close()

	c := testClient(t, srv)
	resp, err := c.Get(context.Background(), srv.URL+"/api/v0/ffs?ffs_name=SSN")
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, "application/json", resp.ContentType)
	assert.Equal(t, []byte(`{"ok":true}`), resp.Body)

	require.NotNil(t, seen)
	assert.Equal(t, UserAgent, seen.Header.Get("User-Agent"))
	params := parseSignature(t, seen.Header.Get("Signature"))
	// GET requests carry no body, so the content headers are not signed.
	assert.Equal(t, "(created) (request-target) date digest host", params["headers"])
	verify(t, seen, nil, "test-sapi")
}

func TestPost(t *testing.T) {
	body := []byte(`{"uses":1}`)
	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	resp, err := c.Post(context.Background(), srv.URL+"/api/v0/encryption/key", "application/json", body)
	require.NoError(t, err)
	assert.True(t, resp.Success())

	require.NotNil(t, seen)
	params := parseSignature(t, seen.Header.Get("Signature"))
	assert.Equal(t, "(created) (request-target) content-length content-type date digest host", params["headers"])

	sum := sha512.Sum512(body)
	assert.Equal(t, "SHA-512="+base64.StdEncoding.EncodeToString(sum[:]), seen.Header.Get("Digest"))
	verify(t, seen, body, "test-sapi")
}

func TestPatch(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	resp, err := c.Patch(context.Background(), srv.URL+"/api/v0/decryption/key/fp/sess", "application/json", []byte(`{"uses":2}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, method)
	assert.False(t, resp.Success())
	assert.Equal(t, http.StatusNoContent, resp.Status)
}

func TestPostAsync(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(done)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	c.PostAsync(srv.URL+"/api/v3/tracking/events", "application/json", []byte(`{"usage":[]}`))
	<-done
}

func TestTransportError(t *testing.T) {
	u, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)
	creds, err := credentials.New("p", "s", "r", u.String())
	require.NoError(t, err)

	_, err = NewClient(creds).Get(context.Background(), creds.Host+"/nope")
	assert.True(t, errors.Is(errors.Transport, err))
}
