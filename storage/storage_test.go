// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmvproject/lmv/envelope"
	"github.com/lmvproject/lmv/storage"
)

func TestEnsureExistsCreatesAllThreeArtifacts(t *testing.T) {
	dir := t.TempDir()

	s, err := storage.EnsureExists(dir, "pass-a")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "vault.enc"))
	assert.FileExists(t, filepath.Join(dir, "ledger.jsonl.enc"))
	assert.FileExists(t, filepath.Join(dir, "meta.json"))

	env, err := s.ReadSnapshot()
	require.NoError(t, err)
	_, _, err = envelope.Decrypt(env, envelope.InfoVault, "pass-a")
	require.NoError(t, err)
}

func TestEnsureExistsIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	_, err := storage.EnsureExists(dir, "pass-a")
	require.NoError(t, err)

	before, err := os.ReadFile(filepath.Join(dir, "vault.enc"))
	require.NoError(t, err)

	_, err = storage.EnsureExists(dir, "pass-a")
	require.NoError(t, err)

	after, err := os.ReadFile(filepath.Join(dir, "vault.enc"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAppendAndReadLedgerLines(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.EnsureExists(dir, "pass-a")
	require.NoError(t, err)

	env, err := envelope.Encrypt(map[string]interface{}{"cursor": 1}, envelope.InfoLedger, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)

	require.NoError(t, s.AppendLedgerLine(env))
	require.NoError(t, s.AppendLedgerLine(env))

	lines, err := s.ReadLedgerLines()
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestWriteSnapshotAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.EnsureExists(dir, "pass-a")
	require.NoError(t, err)

	env, err := envelope.Encrypt(map[string]interface{}{"memory": "new"}, envelope.InfoVault, map[string]interface{}{}, "pass-a")
	require.NoError(t, err)
	require.NoError(t, s.WriteSnapshotAtomic(env))

	got, err := s.ReadSnapshot()
	require.NoError(t, err)
	payload, _, err := envelope.Decrypt(got, envelope.InfoVault, "pass-a")
	require.NoError(t, err)
	assert.Equal(t, "new", payload["memory"])

	// no stray temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestRenameAsideReportsAbsence(t *testing.T) {
	dir := t.TempDir()
	existed, err := storage.RenameAside(filepath.Join(dir, "missing"), "run1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRenameAsideMovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thing")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	existed, err := storage.RenameAside(path, "run1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.NoFileExists(t, path)
	assert.FileExists(t, path+".bak.run1")
}
