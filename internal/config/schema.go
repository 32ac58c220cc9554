// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// configSchema validates the daemon's config.json before decode, the same
// embedded-schema-as-Go-const idiom as pkg/metricstore/configSchema.go.
const configSchema = `{
  "type": "object",
  "description": "daqingest daemon configuration",
  "properties": {
    "backend": {
      "description": "Logical catalog namespace distinguishing independent deployments sharing a catalog.",
      "type": "string"
    },
    "bind_addr": {
      "description": "Address the admin HTTP boundary listens on.",
      "type": "string"
    },
    "local_epics_hostname": {
      "description": "Hostname identifier carried in the CA client handshake.",
      "type": "string"
    },
    "gateways": {
      "description": "Positive gateway list FindIoc searches against.",
      "type": "array",
      "items": {"type": "string"}
    },
    "blacklist": {
      "description": "Addresses FindIoc must never return a result for.",
      "type": "array",
      "items": {"type": "string"}
    },
    "channels": {
      "description": "Channel names FindIoc resolves at startup, seeding CaConnSet via add_channel_to_addr.",
      "type": "array",
      "items": {"type": "string"}
    },
    "array_truncate": {
      "type": "integer",
      "minimum": 1
    },
    "insert_queue_max": {
      "type": "integer",
      "minimum": 1
    },
    "insert_frac": {
      "type": "number",
      "minimum": 0,
      "maximum": 1
    },
    "insert_ivl_min": {
      "type": "integer",
      "minimum": 0
    },
    "store_workers_rate": {
      "type": "integer",
      "minimum": 1
    },
    "catalog": {
      "type": "object",
      "properties": {
        "driver": {"type": "string", "enum": ["postgres", "sqlite3"]},
        "dsn": {"type": "string"}
      },
      "required": ["driver", "dsn"]
    },
    "store": {
      "type": "object",
      "properties": {
        "contact_points": {
          "type": "array",
          "items": {"type": "string"}
        },
        "keyspace": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"}
      },
      "required": ["contact_points", "keyspace"]
    },
    "notify": {
      "type": "object",
      "properties": {
        "addr": {"type": "string"},
        "subject": {"type": "string"}
      }
    },
    "bsread": {
      "type": "object",
      "properties": {
        "listen_addr": {"type": "string"}
      }
    }
  },
  "required": ["backend", "catalog", "store"]
}`
