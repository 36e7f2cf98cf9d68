// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package canon_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmvproject/lmv/canon"
)

func TestJSONSortsKeys(t *testing.T) {
	in := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": 1, "y": 2}}
	out, err := canon.JSON(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(out))
}

func TestJSONPreservesArrayOrder(t *testing.T) {
	in := map[string]interface{}{"list": []interface{}{3, 1, 2}}
	out, err := canon.JSON(in)
	require.NoError(t, err)
	assert.Equal(t, `{"list":[3,1,2]}`, string(out))
}

func TestJSONPreservesLargeIntegerLiterals(t *testing.T) {
	in := map[string]interface{}{"cursor": int64(9007199254740993)}
	out, err := canon.JSON(in)
	require.NoError(t, err)
	assert.Equal(t, `{"cursor":9007199254740993}`, string(out))
}

func TestDeepCopyBlocksIsIndependent(t *testing.T) {
	original := map[string]interface{}{"identity": map[string]interface{}{"name": "Alice"}}
	copied, err := canon.DeepCopyBlocks(original)
	require.NoError(t, err)

	copied["identity"].(map[string]interface{})["name"] = "Bob"

	assert.Equal(t, "Alice", original["identity"].(map[string]interface{})["name"])
	assert.Equal(t, "Bob", copied["identity"].(map[string]interface{})["name"])
}

func TestEqualAndHashJSONAreOrderInsensitive(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": 2}
	b := map[string]interface{}{"y": 2, "x": 1}

	eq, err := canon.Equal(a, b)
	require.NoError(t, err)
	assert.True(t, eq)

	ha, err := canon.HashJSON(a)
	require.NoError(t, err)
	hb, err := canon.HashJSON(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestSHA256HexKnownVector(t *testing.T) {
	// sha256("") well-known empty-string digest
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", canon.SHA256Hex([]byte{}))
}
