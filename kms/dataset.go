// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kms

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/grailbio/ubiq/cache"
	"github.com/grailbio/ubiq/config"
	"github.com/grailbio/ubiq/credentials"
	"github.com/grailbio/ubiq/dataset"
	"github.com/grailbio/ubiq/errors"
	"github.com/grailbio/ubiq/sign"
)

// invalidDatasetMessage is the server's sentinel for a name that has
// no structured definition. Such names encrypt unstructured.
const invalidDatasetMessage = "Invalid Dataset name"

// A DatasetManager resolves dataset names to their definitions,
// caching results when dataset_caching is enabled.
type DatasetManager struct {
	client *sign.Client
	creds  *credentials.Credentials
	cfg    *config.Config
	cache  *cache.Cache
}

// NewDatasetManager returns a dataset manager backed by the given cache.
func NewDatasetManager(client *sign.Client, creds *credentials.Credentials, cfg *config.Config, c *cache.Cache) *DatasetManager {
	return &DatasetManager{client: client, creds: creds, cfg: cfg, cache: c}
}

// GetDataset resolves name to its definition. The empty name and any
// name the server rejects as a dataset are unstructured.
func (m *DatasetManager) GetDataset(ctx context.Context, name string) (dataset.Dataset, error) {
	if name == "" {
		return dataset.NewUnstructured(""), nil
	}
	if m.cfg.DatasetCaching {
		if v, ok := m.cache.Get(cache.Datasets, name); ok {
			return v.(dataset.Dataset), nil
		}
	}

	q := url.Values{}
	q.Set("papi", m.creds.Papi)
	q.Set("ffs_name", name)
	resp, err := m.client.Get(ctx, m.creds.Host+"/api/v0/ffs?"+q.Encode())
	if err != nil {
		return dataset.Dataset{}, err
	}

	var ds dataset.Dataset
	switch {
	case resp.Success():
		ds, err = dataset.Parse(resp.Body)
		if err != nil {
			return dataset.Dataset{}, err
		}
	case isInvalidDataset(resp):
		ds = dataset.NewUnstructured(name)
	default:
		return dataset.Dataset{}, errors.E(errors.DatasetInvalid,
			"resolving dataset "+name, statusError("fetching dataset definition", resp))
	}

	if m.cfg.DatasetCaching {
		m.cache.Set(cache.Datasets, name, ds)
	}
	return ds, nil
}

func isInvalidDataset(r *sign.Response) bool {
	if r.Status != 401 {
		return false
	}
	var wire errorResponse
	if err := json.Unmarshal(r.Body, &wire); err != nil {
		return false
	}
	return wire.Message == invalidDatasetMessage
}
