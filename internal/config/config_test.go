// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Setenv("DAQINGEST_CATALOG_DSN", "postgres://user:pw@localhost/daqingest")
	t.Setenv("DAQINGEST_STORE_PASSWORD", "s3cret")

	Init("../../configs/config.json")

	assert.Equal(t, "sf-databuffer", Keys.Backend)
	assert.Equal(t, "0.0.0.0:8080", Keys.BindAddr)
	assert.Equal(t, 4096, Keys.ArrayTruncate)
	assert.Equal(t, []string{"172.26.0.1:5064", "172.26.0.2:5064"}, Keys.Gateways)
	assert.Equal(t, "postgres://user:pw@localhost/daqingest", Keys.Catalog.ResolvedDSN())
	assert.Equal(t, "s3cret", Keys.Store.ResolvedPassword())
	assert.Equal(t, "nats://localhost:4222", Keys.Notify.Addr)
}

func TestInitMissingFileKeepsDefaults(t *testing.T) {
	Keys = Config{BindAddr: "0.0.0.0:8080", ArrayTruncate: 4096, InsertQueueMax: 1024}
	Init("does-not-exist.json")
	assert.Equal(t, "0.0.0.0:8080", Keys.BindAddr)
}

func TestCatalogResolvedDSNWithoutIndirection(t *testing.T) {
	c := CatalogConfig{Driver: "sqlite3", DSN: "./var/daqingest.db"}
	require.Equal(t, "./var/daqingest.db", c.ResolvedDSN())
}
