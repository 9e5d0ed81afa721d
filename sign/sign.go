// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sign implements the HTTP client used for every key service
// request. Requests carry an IETF draft-cavage style Signature header:
// an HMAC-SHA512 over a canonical list of headers, keyed by the
// caller's secret signing key and identified by the public API key.
package sign

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/ubiq/credentials"
	"github.com/grailbio/ubiq/errors"
	"github.com/grailbio/ubiq/log"
)

// UserAgent identifies the library on every request and in usage
// reports.
const UserAgent = "ubiq-go/" + Version

// Version is the library version reported to the service.
const Version = "2.0.0"

// asyncTimeout bounds the lifetime of a fire-and-forget request.
const asyncTimeout = 5 * time.Second

// A Response is the result of a signed request.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Success reports whether the service accepted the request.
func (r *Response) Success() bool {
	return r.Status == http.StatusOK || r.Status == http.StatusCreated
}

// A Client issues signed requests on behalf of a set of credentials.
type Client struct {
	creds *credentials.Credentials
	http  *http.Client
}

// NewClient returns a client signing with the given credentials.
func NewClient(creds *credentials.Credentials) *Client {
	return &Client{
		creds: creds,
		http:  &http.Client{},
	}
}

// Get issues a signed GET.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, "", nil)
}

// Post issues a signed POST with the given body and content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, url, contentType, body)
}

// Patch issues a signed PATCH with the given body and content type.
func (c *Client) Patch(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPatch, url, contentType, body)
}

// PostAsync issues a signed POST without waiting for the response.
// The request is handed to a detached goroutine with a bounded time
// budget; failures are logged at debug level and otherwise swallowed.
func (c *Client) PostAsync(url, contentType string, body []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if _, err := c.do(ctx, http.MethodPost, url, contentType, body); err != nil {
			log.Debug.Printf("sign: async post %s: %v", url, err)
		}
	}()
}

// PatchAsync issues a signed PATCH without waiting for the response.
func (c *Client) PatchAsync(url, contentType string, body []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if _, err := c.do(ctx, http.MethodPatch, url, contentType, body); err != nil {
			log.Debug.Printf("sign: async patch %s: %v", url, err)
		}
	}()
}

func (c *Client) do(ctx context.Context, method, url, contentType string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.E(errors.Transport, "building request", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	signRequest(req, c.creds.Papi, c.creds.Sapi, body)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.E(errors.Transport, method+" "+url, err)
	}
	defer resp.Body.Close() // nolint: errcheck
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.E(errors.Transport, "reading response", err)
	}
	if log.At(log.Debug) {
		log.Debug.Printf("sign: %s %s -> %d (%d bytes)", method, url, resp.StatusCode, len(content))
	}
	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        content,
	}, nil
}

// signRequest computes the Signature header and sets the concrete
// headers it covers. The canonical header list is fixed:
//
//	(created) (request-target) content-length content-type date digest host
//
// with absent pairs omitted. The synthetic (created) and
// (request-target) members exist only in the signing string.
func signRequest(req *http.Request, papi, sapi string, body []byte) {
	created := time.Now().Unix()

	target := req.Method + " " + req.URL.Path
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	sum := sha512.Sum512(body)
	digest := "SHA-512=" + base64.StdEncoding.EncodeToString(sum[:])
	date := time.Now().UTC().Format(http.TimeFormat)

	type pair struct{ name, value string }
	pairs := []pair{
		{"(created)", strconv.FormatInt(created, 10)},
		{"(request-target)", strings.ToLower(target)},
	}
	if len(body) > 0 {
		pairs = append(pairs,
			pair{"content-length", strconv.Itoa(len(body))},
			pair{"content-type", req.Header.Get("Content-Type")})
	}
	pairs = append(pairs,
		pair{"date", date},
		pair{"digest", digest},
		pair{"host", req.URL.Host})

	var signing strings.Builder
	names := make([]string, 0, len(pairs))
	for _, p := range pairs {
		fmt.Fprintf(&signing, "%s: %s\n", p.name, p.value)
		names = append(names, p.name)
	}
	mac := hmac.New(sha512.New, []byte(sapi))
	mac.Write([]byte(signing.String())) // nolint: errcheck
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("Date", date)
	req.Header.Set("Digest", digest)
	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s", algorithm="hmac-sha512", created=%d, headers="%s", signature="%s"`,
		papi, created, strings.Join(names, " "), signature))
}
