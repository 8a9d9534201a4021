// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"

	"github.com/dispatchforge/jobcore/pkg/clog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate compiles schema and checks instance against it, exiting the
// process on any failure so a missing or malformed config value fails
// startup outright instead of booting partially configured.
func Validate(schema string, instance json.RawMessage) {
	sch, err := jsonschema.CompileString("config.schema.json", schema)
	if err != nil {
		clog.Fatalf("compile config schema: %#v", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		clog.Fatalf("decode config for validation: %v", err)
	}

	if err := sch.Validate(v); err != nil {
		clog.Fatalf("config does not satisfy schema: %#v", err)
	}
}
