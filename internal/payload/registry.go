// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package payload is the Payload Registry: per job-class input/result
// schema and assignment timeout, immutable once the server has started.
package payload

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dispatchforge/jobcore/internal/apierr"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const defaultTimeout = 60 * time.Minute

// ClassSpec is the static definition registered for one job class.
type ClassSpec struct {
	Class         string
	InputSchema   string // JSON schema text; mandatory.
	ResultSchema  string // JSON schema text; optional, empty disables result validation.
	TimeoutMinute int    // 0 uses defaultTimeout.
}

type compiledClass struct {
	input   *jsonschema.Schema
	result  *jsonschema.Schema // nil if no result schema was registered.
	timeout time.Duration
}

// Registry validates payloads and resolves assignment timeouts for every
// registered job class. It is built once at startup and not mutated
// afterwards; an RWMutex guards the class map, and lookups take the
// read lock.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*compiledClass
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*compiledClass)}
}

// Register compiles spec's schemas and adds it to the registry. Intended
// to run only during startup/config load.
func (r *Registry) Register(spec ClassSpec) error {
	if spec.Class == "" {
		return fmt.Errorf("payload: class name must not be empty")
	}

	inputSchema, err := jsonschema.CompileString(spec.Class+"-input.json", withAdditionalPropsFalse(spec.InputSchema))
	if err != nil {
		return fmt.Errorf("payload: compile input schema for %s: %w", spec.Class, err)
	}

	cc := &compiledClass{input: inputSchema, timeout: defaultTimeout}
	if spec.TimeoutMinute > 0 {
		cc.timeout = time.Duration(spec.TimeoutMinute) * time.Minute
	}

	if spec.ResultSchema != "" {
		resultSchema, err := jsonschema.CompileString(spec.Class+"-result.json", spec.ResultSchema)
		if err != nil {
			return fmt.Errorf("payload: compile result schema for %s: %w", spec.Class, err)
		}
		cc.result = resultSchema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[spec.Class] = cc
	return nil
}

func (r *Registry) lookup(class string) (*compiledClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.classes[class]
	if !ok {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("unknown job class %q", class))
	}
	return cc, nil
}

// ValidateInput validates payload against class's input schema and
// returns payload as given; it does not re-encode or normalize it.
func (r *Registry) ValidateInput(class string, payload json.RawMessage) (json.RawMessage, error) {
	cc, err := r.lookup(class)
	if err != nil {
		return nil, err
	}

	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, apierr.Wrap(apierr.Validation, "input payload is not valid JSON", err)
	}
	if err := cc.input.Validate(v); err != nil {
		return nil, apierr.Wrap(apierr.Validation, "input payload failed schema validation", err)
	}
	return payload, nil
}

// ValidateResult validates payload against class's result schema. A
// class with no registered result schema always accepts.
func (r *Registry) ValidateResult(class string, payload json.RawMessage) error {
	cc, err := r.lookup(class)
	if err != nil {
		return err
	}
	if cc.result == nil || len(payload) == 0 {
		return nil
	}

	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return apierr.Wrap(apierr.Validation, "result payload is not valid JSON", err)
	}
	if err := cc.result.Validate(v); err != nil {
		return apierr.Wrap(apierr.Validation, "result payload failed schema validation", err)
	}
	return nil
}

// Timeout returns the assignment lease duration configured for class.
func (r *Registry) Timeout(class string) (time.Duration, error) {
	cc, err := r.lookup(class)
	if err != nil {
		return 0, err
	}
	return cc.timeout, nil
}

// withAdditionalPropsFalse is a light convenience: callers may supply a
// bare schema without an explicit additionalProperties clause, and the
// registry still rejects unknown top-level fields. Only the top-level
// object is changed, and only when it has a properties clause; nested
// object schemas and schemas without properties are left as written.
func withAdditionalPropsFalse(schemaText string) string {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(schemaText), &doc); err != nil {
		return schemaText
	}
	if _, ok := doc["additionalProperties"]; ok {
		return schemaText
	}
	if _, ok := doc["properties"]; !ok {
		return schemaText
	}
	doc["additionalProperties"] = false
	out, err := json.Marshal(doc)
	if err != nil {
		return schemaText
	}
	return string(out)
}
