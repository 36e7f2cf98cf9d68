// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmvproject/lmv/envelope"
	"github.com/lmvproject/lmv/storage"
)

// TestRotateSurvivesCrashBetweenVaultAndLedgerInstall simulates a crash
// that kills the process after the vault install has renamed the new
// snapshot into place but before the ledger install has run. It does so
// by performing the first half of installStaged's on-disk effect by
// hand rather than by letting Rotate finish, matching exactly the state
// a killed process would leave behind: a live vault.enc under the new
// passphrase, a "vault.enc.bak.<runID>" sibling holding the old one, and
// a ledger.jsonl.enc untouched under the old passphrase. Re-opening the
// directory must see storage.RecoverInterruptedRotation undo the stray
// install and must still yield the pre-rotation memory under the old
// passphrase.
func TestRotateSurvivesCrashBetweenVaultAndLedgerInstall(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "old-pass")
	require.NoError(t, err)

	patch := []PatchOp{{"op": "add", "path": "/identity/name", "value": "Alice"}}
	_, _, err = e.PatchMemory(ETag(0), patch, "agent-a", "seed", false)
	require.NoError(t, err)

	preCrashMem, _, preCrashCursor, err := e.CurrentState()
	require.NoError(t, err)

	snap, err := e.readSnapshot()
	require.NoError(t, err)
	newSnapEnv, err := envelope.Encrypt(*snap, envelope.InfoVault, vaultAAD(snap.Memory.Version), "new-pass")
	require.NoError(t, err)

	stagingDir := t.TempDir()
	stagingStore := storage.New(stagingDir)
	require.NoError(t, stagingStore.WriteSnapshotAtomic(newSnapEnv))

	const runID = "crash-sim"
	var rollback []func()
	require.NoError(t, e.installStaged(stagingStore.VaultPath(), e.store.VaultPath(), runID, &rollback))
	// Ledger install never runs - this is the simulated crash.

	reopened, err := Open(dir, "old-pass")
	require.NoError(t, err)

	mem, _, cursor, err := reopened.CurrentState()
	require.NoError(t, err)
	assert.Equal(t, preCrashMem.Version, mem.Version)
	assert.Equal(t, preCrashCursor, cursor)
	identity := mem.Blocks["identity"].(map[string]interface{})
	assert.Equal(t, "Alice", identity["name"])

	count, err := reopened.VerifyLedger()
	require.NoError(t, err)
	assert.EqualValues(t, preCrashCursor, count)
}

// TestRotateSurvivesCrashBetweenLedgerAndMetaInstall simulates a crash
// after the vault and ledger installs have both completed but before
// meta.json's install runs, leaving vault.enc and ledger.jsonl.enc under
// the new passphrase next to their ".bak.<runID>" siblings and meta.json
// untouched. RecoverInterruptedRotation must restore both backups on next
// open, so the half-installed rotation is undone rather than left
// straddling two passphrases.
func TestRotateSurvivesCrashBetweenLedgerAndMetaInstall(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, "old-pass")
	require.NoError(t, err)

	patch := []PatchOp{{"op": "add", "path": "/identity/name", "value": "Alice"}}
	_, _, err = e.PatchMemory(ETag(0), patch, "agent-a", "seed", false)
	require.NoError(t, err)

	snap, err := e.readSnapshot()
	require.NoError(t, err)
	entries, err := e.readLedgerEntries()
	require.NoError(t, err)

	newSnapEnv, err := envelope.Encrypt(*snap, envelope.InfoVault, vaultAAD(snap.Memory.Version), "new-pass")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	newEntryEnv, err := envelope.Encrypt(entries[0], envelope.InfoLedger, ledgerAAD(entries[0].Cursor), "new-pass")
	require.NoError(t, err)

	stagingDir := t.TempDir()
	stagingStore := storage.New(stagingDir)
	require.NoError(t, stagingStore.WriteSnapshotAtomic(newSnapEnv))
	require.NoError(t, stagingStore.WriteLedgerRaw(append(mustMarshal(t, newEntryEnv), '\n')))

	const runID = "crash-sim-meta"
	var rollback []func()
	require.NoError(t, e.installStaged(stagingStore.VaultPath(), e.store.VaultPath(), runID, &rollback))
	require.NoError(t, e.installStaged(stagingStore.LedgerPath(), e.store.LedgerPath(), runID, &rollback))
	// meta.json install never runs - this is the simulated crash.

	reopened, err := Open(dir, "old-pass")
	require.NoError(t, err)

	mem, _, cursor, err := reopened.CurrentState()
	require.NoError(t, err)
	assert.EqualValues(t, 1, mem.Version)
	assert.EqualValues(t, 1, cursor)

	count, err := reopened.VerifyLedger()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
