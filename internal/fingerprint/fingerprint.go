// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fingerprint computes the stable content hash used to
// deduplicate jobs: a pure function of (class, normalized payload).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Of returns the hex SHA-256 digest of class prefixed to the canonical
// JSON serialization of payload's normalized form.
func Of(class string, payload interface{}) (string, error) {
	var v interface{}
	switch p := payload.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(p, &v); err != nil {
			return "", fmt.Errorf("fingerprint: decode payload: %w", err)
		}
	case []byte:
		if err := json.Unmarshal(p, &v); err != nil {
			return "", fmt.Errorf("fingerprint: decode payload: %w", err)
		}
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("fingerprint: marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", fmt.Errorf("fingerprint: renormalize payload: %w", err)
		}
	}

	normalized := normalize(v)
	canonical, err := canonicalJSON(normalized)
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(class))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalize drops undefined/NaN/Infinity (as null), collapses internal
// whitespace runs in strings to a single space and trims their ends,
// sorts object keys lexicographically, and preserves array order.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case string:
		return collapseWhitespace(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	default:
		return t
	}
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// canonicalJSON serializes v with object keys in lexicographic order and
// no incidental whitespace, recursing manually because encoding/json
// does not guarantee key order for map[string]interface{}.
func canonicalJSON(v interface{}) ([]byte, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		sb.Write(b)
		return nil
	}
}
