// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// JSON renders v as canonical JSON: object keys sorted by codepoint,
// array order preserved, numbers emitted in their original literal
// form. v may be a struct (with json tags), a map, a slice, or a
// scalar - it is round-tripped through an intermediate decode so that
// struct field declaration order never leaks into the hash input.
func JSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if nil != err {
		return nil, err
	}
	normalised, err := normalise(raw)
	if nil != err {
		return nil, err
	}
	return json.Marshal(normalised)
}

// normalise decodes raw JSON into maps, slices and scalars, preserving
// number literals (via json.Number) - json.Marshal already sorts map
// keys, so the only job here is to decode without losing integer
// precision.
func normalise(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); nil != err {
		return nil, err
	}
	return v, nil
}

// ToMap converts any JSON-shaped value into a map[string]interface{},
// preserving number literals. Used when a caller needs to mutate the
// blocks tree (JSON-Patch) or inspect individual fields rather than
// just hash the whole value.
func ToMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if nil != err {
		return nil, err
	}
	normalised, err := normalise(raw)
	if nil != err {
		return nil, err
	}
	m, ok := normalised.(map[string]interface{})
	if !ok {
		return nil, errNotAnObject
	}
	return m, nil
}

var errNotAnObject = jsonShapeError("canon: value is not a JSON object")

type jsonShapeError string

func (e jsonShapeError) Error() string { return string(e) }

// DeepCopyBlocks returns a structurally independent copy of m by
// canonical re-serialize and re-parse - the blocks document must never
// alias nested maps or slices with the copy it was taken from.
func DeepCopyBlocks(m map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(m)
	if nil != err {
		return nil, err
	}
	normalised, err := normalise(raw)
	if nil != err {
		return nil, err
	}
	copied, ok := normalised.(map[string]interface{})
	if !ok {
		return nil, errNotAnObject
	}
	return copied, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of the UTF-8 bytes
// of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashJSON canonicalizes v and returns the lowercase hex SHA-256 digest
// of the canonical bytes - the one routine the hash chain and the AAD
// binding both funnel through.
func HashJSON(v interface{}) (string, error) {
	b, err := JSON(v)
	if nil != err {
		return "", err
	}
	return SHA256Hex(b), nil
}

// Equal reports whether two JSON-shaped values canonicalize to the
// same bytes - used to compare a recomputed AAD context against the
// one bound at encryption time.
func Equal(a, b interface{}) (bool, error) {
	ca, err := JSON(a)
	if nil != err {
		return false, err
	}
	cb, err := JSON(b)
	if nil != err {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}
