// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"testing"

	_ "github.com/santhosh-tekuri/jsonschema/v5/httploader"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	Init("testdata/config.json")
	require.Equal(t, "0.0.0.0:8080", Keys.Addr)
	require.Equal(t, "https://jobs.example.internal", Keys.ApiEndpoint)
	require.Contains(t, Keys.Classes, "render")
	require.Equal(t, 4, Keys.Classes["render"].MaxCapacity)
}

func TestInitMissingFileKeepsDefaults(t *testing.T) {
	Keys = ProgramConfig{Addr: ":8080", DBDriver: "sqlite3", DB: "./var/jobcore.db", PollIntervalMs: 2000}
	Init("testdata/does-not-exist.json")
	require.Equal(t, ":8080", Keys.Addr)
}
