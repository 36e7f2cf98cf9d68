// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package envelope_test

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmvproject/lmv/envelope"
	"github.com/lmvproject/lmv/lmverr"
)

func TestRoundTrip(t *testing.T) {
	payload := map[string]interface{}{"hello": "world", "n": float64(3)}
	aad := map[string]interface{}{"record_type": "vault", "vault_version": float64(1)}

	env, err := envelope.Encrypt(payload, envelope.InfoVault, aad, "pass-a")
	require.NoError(t, err)

	gotPayload, gotAAD, err := envelope.Decrypt(env, envelope.InfoVault, "pass-a")
	require.NoError(t, err)
	assert.Equal(t, "world", gotPayload["hello"])
	assert.Equal(t, "vault", gotAAD["record_type"])
}

func TestWrongInfoFailsAsCorruption(t *testing.T) {
	env, err := envelope.Encrypt(map[string]interface{}{"a": 1}, envelope.InfoVault, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)

	_, _, err = envelope.Decrypt(env, envelope.InfoLedger, "pass-a")
	require.Error(t, err)
	assert.True(t, lmverr.IsCorruption(err))
}

func TestWrongPassphraseFailsAsCorruption(t *testing.T) {
	env, err := envelope.Encrypt(map[string]interface{}{"a": 1}, envelope.InfoVault, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)

	_, _, err = envelope.Decrypt(env, envelope.InfoVault, "wrong-pass")
	require.Error(t, err)
	assert.True(t, lmverr.IsCorruption(err))
}

func TestTamperedCiphertextFailsAsCorruption(t *testing.T) {
	env, err := envelope.Encrypt(map[string]interface{}{"a": 1}, envelope.InfoVault, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.CiphertextB64)
	require.NoError(t, err)
	if len(raw) == 0 {
		raw = []byte{0}
	} else {
		raw[0] ^= 0xff
	}
	env.CiphertextB64 = base64.StdEncoding.EncodeToString(raw)

	_, _, err = envelope.Decrypt(env, envelope.InfoVault, "pass-a")
	require.Error(t, err)
	assert.True(t, lmverr.IsCorruption(err))
}

func TestTamperedTagFailsAsCorruption(t *testing.T) {
	env, err := envelope.Encrypt(map[string]interface{}{"a": 1}, envelope.InfoVault, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.AEAD.TagB64)
	require.NoError(t, err)
	raw[0] ^= 0xff
	env.AEAD.TagB64 = base64.StdEncoding.EncodeToString(raw)

	_, _, err = envelope.Decrypt(env, envelope.InfoVault, "pass-a")
	require.Error(t, err)
	assert.True(t, lmverr.IsCorruption(err))
}

func TestTamperedAADFailsAsCorruption(t *testing.T) {
	env, err := envelope.Encrypt(map[string]interface{}{"a": 1}, envelope.InfoVault, map[string]interface{}{"k": "v"}, "pass-a")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.AEAD.AADB64)
	require.NoError(t, err)
	raw[0] ^= 0xff
	env.AEAD.AADB64 = base64.StdEncoding.EncodeToString(raw)

	_, _, err = envelope.Decrypt(env, envelope.InfoVault, "pass-a")
	require.Error(t, err)
	assert.True(t, lmverr.IsCorruption(err))
}

func TestTamperedIVFailsAsCorruption(t *testing.T) {
	env, err := envelope.Encrypt(map[string]interface{}{"a": 1}, envelope.InfoVault, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.AEAD.IVB64)
	require.NoError(t, err)
	raw[0] ^= 0xff
	env.AEAD.IVB64 = base64.StdEncoding.EncodeToString(raw)

	_, _, err = envelope.Decrypt(env, envelope.InfoVault, "pass-a")
	require.Error(t, err)
	assert.True(t, lmverr.IsCorruption(err))
}

func TestTamperedSaltFailsAsCorruption(t *testing.T) {
	env, err := envelope.Encrypt(map[string]interface{}{"a": 1}, envelope.InfoVault, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(env.KDF.SaltB64)
	require.NoError(t, err)
	raw[0] ^= 0xff
	env.KDF.SaltB64 = base64.StdEncoding.EncodeToString(raw)

	_, _, err = envelope.Decrypt(env, envelope.InfoVault, "pass-a")
	require.Error(t, err)
	assert.True(t, lmverr.IsCorruption(err))
}

func TestFreshSaltAndIVPerEncryption(t *testing.T) {
	env1, err := envelope.Encrypt(map[string]interface{}{"a": 1}, envelope.InfoVault, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)
	env2, err := envelope.Encrypt(map[string]interface{}{"a": 1}, envelope.InfoVault, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)

	assert.NotEqual(t, env1.KDF.SaltB64, env2.KDF.SaltB64)
	assert.NotEqual(t, env1.AEAD.IVB64, env2.AEAD.IVB64)
}
