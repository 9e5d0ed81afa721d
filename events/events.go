// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package events aggregates per-operation usage counts and reports
// them to the tracking endpoint. Events with the same identity merge
// into a single record; flushes are driven by caller activity rather
// than a background timer.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/ubiq/cache"
	"github.com/grailbio/ubiq/config"
	"github.com/grailbio/ubiq/credentials"
	"github.com/grailbio/ubiq/errors"
	"github.com/grailbio/ubiq/log"
	"github.com/grailbio/ubiq/sign"
)

const (
	product    = "ubiq-go"
	apiVersion = "V3"
)

// An Event identifies one class of billable operation. Events with
// equal fields aggregate into a single usage record.
type Event struct {
	ApiKey       string
	Dataset      string
	DatasetGroup string
	Action       string
	DatasetType  string
	KeyNumber    int
}

func (e Event) identity() string {
	return fmt.Sprintf("api_key='%s' datasets='%s' billing_action='%s' dataset_groups='%s' key_number='%d'",
		e.ApiKey, e.Dataset, e.Action, e.DatasetGroup, e.KeyNumber)
}

type record struct {
	event Event
	count int
	first time.Time
	last  time.Time
}

type usageRecord struct {
	ApiKey         string          `json:"api_key"`
	Datasets       string          `json:"datasets"`
	DatasetGroups  string          `json:"dataset_groups"`
	Action         string          `json:"action"`
	DatasetType    string          `json:"dataset_type"`
	KeyNumber      int             `json:"key_number"`
	Count          int             `json:"count"`
	FirstCall      string          `json:"first_call_timestamp"`
	LastCall       string          `json:"last_call_timestamp"`
	Product        string          `json:"product"`
	ProductVersion string          `json:"product_version"`
	UserAgent      string          `json:"user-agent"`
	ApiVersion     string          `json:"api_version"`
	UserDefined    json.RawMessage `json:"user_defined,omitempty"`
}

type usagePayload struct {
	Usage []usageRecord `json:"usage"`
}

// An Aggregator merges usage events in the client's cache and posts
// them in batches. The processing flag is an advisory guard that
// keeps a teardown flush and a hot-path flush from overlapping.
type Aggregator struct {
	client *sign.Client
	creds  *credentials.Credentials
	cfg    *config.Config
	cache  *cache.Cache

	processing int32

	mu           sync.Mutex
	lastReported time.Time
	queued       int
	userMetadata json.RawMessage
}

// NewAggregator returns an aggregator backed by the given cache.
func NewAggregator(client *sign.Client, creds *credentials.Credentials, cfg *config.Config, c *cache.Cache) *Aggregator {
	return &Aggregator{
		client:       client,
		creds:        creds,
		cfg:          cfg,
		cache:        c,
		lastReported: time.Now(),
	}
}

// AddUserMetadata attaches a caller-supplied JSON object to every
// subsequent usage record. The string must parse to a non-empty JSON
// object and may be at most 1024 characters.
func (a *Aggregator) AddUserMetadata(s string) error {
	if len(s) > 1024 {
		return errors.E(errors.InputInvalid, "user metadata exceeds 1024 characters")
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return errors.E(errors.InputInvalid, "user metadata is not a JSON object", err)
	}
	if len(obj) == 0 {
		return errors.E(errors.InputInvalid, "user metadata object is empty")
	}
	a.mu.Lock()
	a.userMetadata = json.RawMessage(s)
	a.mu.Unlock()
	return nil
}

// Add merges an event into the queue, then flushes asynchronously if
// the queue has crossed a reporting threshold.
func (a *Aggregator) Add(e Event) error {
	now := time.Now()
	a.cache.Update(cache.Events, e.identity(), func(cur interface{}) interface{} {
		if cur == nil {
			return &record{event: e, count: 1, first: now, last: now}
		}
		r := cur.(*record)
		r.count++
		r.last = now
		return r
	})
	a.mu.Lock()
	a.queued++
	a.mu.Unlock()

	if a.shouldProcess(now) {
		return a.Process(context.Background(), true)
	}
	return nil
}

func (a *Aggregator) shouldProcess(now time.Time) bool {
	if atomic.LoadInt32(&a.processing) != 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Sub(a.lastReported) > time.Duration(a.cfg.EventReporting.FlushInterval)*time.Second {
		return true
	}
	return a.queued > a.cfg.EventReporting.MinimumCount
}

// Process drains the queued events and posts them as one report. When
// async is set the post is fire-and-forget. A flush already in
// progress makes Process a no-op.
func (a *Aggregator) Process(ctx context.Context, async bool) error {
	if !atomic.CompareAndSwapInt32(&a.processing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&a.processing, 0)

	_, vals := a.cache.GetAll(cache.Events)
	a.cache.ClearAll(cache.Events)

	a.mu.Lock()
	a.lastReported = time.Now()
	a.queued = 0
	meta := a.userMetadata
	a.mu.Unlock()

	if len(vals) == 0 {
		return nil
	}

	payload := usagePayload{Usage: make([]usageRecord, 0, len(vals))}
	for _, v := range vals {
		r := v.(*record)
		payload.Usage = append(payload.Usage, usageRecord{
			ApiKey:         r.event.ApiKey,
			Datasets:       r.event.Dataset,
			DatasetGroups:  r.event.DatasetGroup,
			Action:         r.event.Action,
			DatasetType:    r.event.DatasetType,
			KeyNumber:      r.event.KeyNumber,
			Count:          r.count,
			FirstCall:      formatTimestamp(r.first, a.cfg.EventReporting.TimestampGranularity),
			LastCall:       formatTimestamp(r.last, a.cfg.EventReporting.TimestampGranularity),
			Product:        product,
			ProductVersion: sign.Version,
			UserAgent:      sign.UserAgent,
			ApiVersion:     apiVersion,
			UserDefined:    meta,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return a.trap(errors.E("encoding usage report", err))
	}

	url := a.creds.Host + "/api/v3/tracking/events"
	if log.At(log.Debug) {
		log.Debug.Printf("events: reporting %d usage record(s)", len(payload.Usage))
	}
	if async {
		a.client.PostAsync(url, "application/json", body)
		return nil
	}
	resp, err := a.client.Post(ctx, url, "application/json", body)
	if err != nil {
		return a.trap(err)
	}
	if !resp.Success() {
		return a.trap(errors.E(errors.Kms,
			fmt.Sprintf("usage report rejected with status %d", resp.Status)))
	}
	return nil
}

// trap applies the trap_exceptions policy to a reporting error.
func (a *Aggregator) trap(err error) error {
	if a.cfg.EventReporting.TrapExceptions {
		log.Debug.Printf("events: %v", err)
		return nil
	}
	return err
}

func formatTimestamp(t time.Time, g config.Granularity) string {
	t = t.UTC()
	switch g {
	case config.Micros:
		return t.Format("2006-01-02T15:04:05.000000Z07:00")
	case config.Millis:
		return t.Format("2006-01-02T15:04:05.000Z07:00")
	case config.Minutes:
		return t.Truncate(time.Minute).Format(time.RFC3339)
	case config.Hours:
		return t.Truncate(time.Hour).Format(time.RFC3339)
	case config.HalfDays:
		return t.Truncate(12 * time.Hour).Format(time.RFC3339)
	case config.Days:
		return t.Truncate(24 * time.Hour).Format(time.RFC3339)
	default:
		return t.Format(time.RFC3339)
	}
}
