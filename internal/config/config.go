// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config decodes and validates the daemon's JSON config file,
// following the teacher's internal/config + pkg/metricstore/configSchema.go
// pattern: an embedded jsonschema.v5 schema validates the raw document
// before json.Decoder (DisallowUnknownFields) fills a Go struct.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dominikwerder/daqingest/pkg/log"
)

// CatalogConfig describes the relational catalog connection (spec.md §6:
// "catalog DSN"). DSN may be given directly or, as a special case for
// secrets, indirected through an environment variable with an "env:"
// prefix, exactly as cmd/cc-backend/main.go does for ProgramConfig.DB.
type CatalogConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ResolvedDSN returns c.DSN, substituting the named environment variable's
// value when DSN has an "env:" prefix.
func (c CatalogConfig) ResolvedDSN() string {
	return resolveEnvIndirection(c.DSN)
}

// StoreConfig describes the columnar time-series store connection (spec.md
// §6: "columnar store contact points and keyspace"). Password follows the
// same "env:" indirection as CatalogConfig.DSN.
type StoreConfig struct {
	ContactPoints []string `json:"contact_points"`
	Keyspace      string   `json:"keyspace"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
}

// ResolvedPassword returns c.Password, substituting the named environment
// variable's value when Password has an "env:" prefix.
func (c StoreConfig) ResolvedPassword() string {
	return resolveEnvIndirection(c.Password)
}

// NotifyConfig configures the optional internal/notify event bus. A zero
// value (empty Addr) leaves the bus in its no-op state, per SPEC_FULL.md
// §2.2.1.
type NotifyConfig struct {
	Addr    string `json:"addr,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// Config is the full daemon configuration, decoded from the JSON file
// named by the `-config` flag. Field names mirror spec.md §6's
// "Configuration" list directly.
type Config struct {
	Backend            string        `json:"backend"`
	BindAddr           string        `json:"bind_addr"`
	LocalEpicsHostname string        `json:"local_epics_hostname"`
	Gateways           []string      `json:"gateways"`
	Blacklist          []string      `json:"blacklist"`
	// Channels names FindIoc resolves once at startup (mirrors ca_search's
	// static channel list), seeding CaConnSet.AddChannelToAddr for every
	// address it finds. Channels discovered later arrive only through the
	// admin HTTP boundary's channel/add route.
	Channels           []string      `json:"channels,omitempty"`
	ArrayTruncate      int           `json:"array_truncate"`
	InsertQueueMax     int           `json:"insert_queue_max"`
	InsertFrac         float64       `json:"insert_frac"`
	InsertIvlMin       int           `json:"insert_ivl_min"`
	StoreWorkersRate   int           `json:"store_workers_rate"`
	Catalog            CatalogConfig `json:"catalog"`
	Store              StoreConfig   `json:"store"`
	Notify             NotifyConfig  `json:"notify,omitempty"`
	Bsread             BsreadConfig  `json:"bsread,omitempty"`
}

// BsreadConfig configures the secondary ZMTP "bsread" ingest path.
type BsreadConfig struct {
	ListenAddr string `json:"listen_addr,omitempty"`
}

// Keys holds the process-wide configuration, mirroring the teacher's
// package-level `config.Keys` singleton. The values below are the
// defaults for any field the config file omits.
var Keys = Config{
	BindAddr:           "0.0.0.0:8080",
	ArrayTruncate:      4096,
	InsertQueueMax:     1024,
	InsertFrac:         1.0,
	InsertIvlMin:       1,
	StoreWorkersRate:   100,
	LocalEpicsHostname: "localhost",
}

// Init reads, validates, and decodes the config file at path into Keys.
// A missing file is not an error (Keys keeps its defaults); any other
// read, validation, or decode failure is fatal, matching
// internal/config.Init's behavior in the teacher.
func Init(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatal(err)
		}
		return
	}

	sch, err := jsonschema.CompileString("daqingest-config.json", configSchema)
	if err != nil {
		log.Fatalf("config: schema: %v", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Fatalf("config: invalid json: %v", err)
	}
	if err := sch.Validate(v); err != nil {
		log.Fatalf("config: validate: %v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		log.Fatalf("config: decode: %v", err)
	}

	if Keys.Backend == "" {
		log.Fatal("config: backend is required")
	}
}

func resolveEnvIndirection(v string) string {
	if strings.HasPrefix(v, "env:") {
		return os.Getenv(strings.TrimPrefix(v, "env:"))
	}
	return v
}
