// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the single deployment-wide
// configuration file: HTTP address, store DSN, blob store location,
// worker auth credentials, and the per-job-class Capacity Manager
// settings.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/dispatchforge/jobcore/pkg/clog"
)

// ClassConfig is the Capacity Manager's per-job-class scaling and
// placement configuration.
type ClassConfig struct {
	TaskDefinitionArn string  `json:"taskDefinitionArn"`
	ClusterArn        string  `json:"clusterArn"`
	MinCapacity       int     `json:"minCapacity"`
	MaxCapacity       int     `json:"maxCapacity"`
	Sensitivity       float64 `json:"sensitivity"`
	Factor            float64 `json:"factor"`
	CooldownSeconds   int     `json:"cooldownSeconds"`
	SecurityGroup     string  `json:"securityGroup"`

	// InputSchema/ResultSchema/TimeoutMinutes register this class with
	// the Payload Registry; class registration happens once at startup,
	// not at request time.
	InputSchema    json.RawMessage `json:"inputSchema"`
	ResultSchema   json.RawMessage `json:"resultSchema,omitempty"`
	TimeoutMinutes int             `json:"timeoutMinutes,omitempty"`
}

// AuthConfig is the Worker Auth Client's login credential pair.
type AuthConfig struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// BlobConfig locates the object store backing presigned downloads.
type BlobConfig struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"`
	Prefix string `json:"prefix"`
}

// ProgramConfig is the full, validated shape of the deployment's
// configuration file.
type ProgramConfig struct {
	Addr           string                 `json:"addr"`
	DBDriver       string                 `json:"dbDriver"`
	DB             string                 `json:"db"`
	PollIntervalMs int                    `json:"pollIntervalMs"`
	ApiEndpoint    string                 `json:"apiEndpoint"`
	Region         string                 `json:"region"`
	VpcID          string                 `json:"vpcId"`
	Blob           BlobConfig             `json:"blob"`
	Classes        map[string]ClassConfig `json:"classes"`
	Auth           AuthConfig             `json:"auth"`
}

// Keys holds the process-wide configuration after Init has run.
var Keys ProgramConfig = ProgramConfig{
	Addr:           ":8080",
	DBDriver:       "sqlite3",
	DB:             "./var/jobcore.db",
	PollIntervalMs: 2000,
}

// Init reads and validates the configuration file at path, fatally
// exiting the process on any missing or malformed value. A path that
// does not exist is treated as "use the defaults above", matching the
// teacher's own convention for first-run deployments.
func Init(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		clog.Fatalf("read config file: %v", err)
	}

	Validate(configSchema, raw)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		clog.Fatalf("decode config file: %v", err)
	}

	if len(Keys.Classes) < 1 {
		clog.Fatal("at least one job class must be configured")
	}
	if Keys.PollIntervalMs < 1000 {
		clog.Fatal("pollIntervalMs must be >= 1000")
	}
}

const configSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"addr": {"type": "string"},
		"dbDriver": {"type": "string", "enum": ["sqlite3", "mysql"]},
		"db": {"type": "string"},
		"pollIntervalMs": {"type": "integer", "minimum": 1000},
		"apiEndpoint": {"type": "string"},
		"region": {"type": "string"},
		"vpcId": {"type": "string"},
		"blob": {
			"type": "object",
			"properties": {
				"bucket": {"type": "string"},
				"region": {"type": "string"},
				"prefix": {"type": "string"}
			},
			"required": ["bucket", "region"]
		},
		"classes": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"taskDefinitionArn": {"type": "string"},
					"clusterArn": {"type": "string"},
					"minCapacity": {"type": "integer", "minimum": 0},
					"maxCapacity": {"type": "integer", "minimum": 0},
					"sensitivity": {"type": "number"},
					"factor": {"type": "number", "exclusiveMinimum": 0},
					"cooldownSeconds": {"type": "integer", "minimum": 0},
					"securityGroup": {"type": "string"},
					"inputSchema": {"type": "object"},
					"resultSchema": {"type": "object"},
					"timeoutMinutes": {"type": "integer", "minimum": 1}
				},
				"required": ["taskDefinitionArn", "clusterArn", "minCapacity", "maxCapacity", "sensitivity", "factor", "cooldownSeconds", "securityGroup", "inputSchema"]
			}
		},
		"auth": {
			"type": "object",
			"properties": {
				"email": {"type": "string"},
				"password": {"type": "string"}
			},
			"required": ["email", "password"]
		}
	},
	"required": ["classes", "auth", "apiEndpoint"]
}`
