// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lmvproject/lmv/envelope"
	"github.com/lmvproject/lmv/lmverr"
	"github.com/lmvproject/lmv/storage"
)

// Rotate re-encrypts the snapshot and every ledger entry under
// newPassphrase, and rewrites meta.json's updated_at, leaving plaintext
// and cursors unchanged, then swaps the engine over to the new
// passphrase.
//
// All three files are built entirely inside a fresh staging directory
// and verified there - by assembling state against it exactly as Open
// would against the live directory - before any live file is touched.
// Only once the staged content verifies does install begin: each live
// file is renamed aside to a ".bak.<runID>" sibling and the matching
// staged file is renamed into its place. Once all three are installed,
// the live directory is re-opened under newPassphrase and verified
// again - this catches a defect in the install step itself (as opposed
// to the re-encryption step, already caught by the pre-install verify)
// before any backup is discarded. A failure at any point up to and
// including this final check, while the process is still alive, unwinds
// every completed install through the deferred rollback below. A
// failure that kills the process instead leaves a live file sitting
// next to its own backup - exactly the state
// storage.RecoverInterruptedRotation looks for and undoes the next time
// the directory is opened, so a crash at any point during Rotate leaves
// the directory opening cleanly under the old passphrase.
func (e *Engine) Rotate(newPassphrase string) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runID := uuid.NewString()
	stagingDir := filepath.Join(e.store.Dir(), storage.StagingDirPrefix+runID)
	if err := os.MkdirAll(stagingDir, 0o700); nil != err {
		return lmverr.New(lmverr.Internal, "rotate: create staging directory: %s", err)
	}
	defer os.RemoveAll(stagingDir)

	snap, err := e.readSnapshot()
	if nil != err {
		return err
	}
	entries, err := e.readLedgerEntries()
	if nil != err {
		return err
	}
	meta, err := e.store.ReadMeta()
	if nil != err {
		return err
	}
	meta.UpdatedAt = nowMillis()

	newSnapEnv, err := envelope.Encrypt(*snap, envelope.InfoVault, vaultAAD(snap.Memory.Version), newPassphrase)
	if nil != err {
		return lmverr.New(lmverr.Internal, "rotate: re-encrypt snapshot: %s", err)
	}

	var ledgerBuf bytes.Buffer
	for _, entry := range entries {
		env, err := envelope.Encrypt(entry, envelope.InfoLedger, ledgerAAD(entry.Cursor), newPassphrase)
		if nil != err {
			return lmverr.New(lmverr.Internal, "rotate: re-encrypt entry %d: %s", entry.Cursor, err)
		}
		raw, err := json.Marshal(env)
		if nil != err {
			return lmverr.New(lmverr.Internal, "rotate: marshal entry %d: %s", entry.Cursor, err)
		}
		ledgerBuf.Write(raw)
		ledgerBuf.WriteByte('\n')
	}

	stagingStore := storage.New(stagingDir)
	if err := stagingStore.WriteSnapshotAtomic(newSnapEnv); nil != err {
		return err
	}
	if err := stagingStore.WriteLedgerRaw(ledgerBuf.Bytes()); nil != err {
		return err
	}
	if err := stagingStore.WriteMeta(meta); nil != err {
		return err
	}

	verifyEngine := &Engine{store: stagingStore, passphrase: newPassphrase}
	if _, _, _, err := verifyEngine.assembleState(); nil != err {
		return lmverr.New(lmverr.Internal, "rotate: staged content failed verification: %s", err)
	}
	if _, err := stagingStore.ReadMeta(); nil != err {
		return lmverr.New(lmverr.Internal, "rotate: staged metadata failed verification: %s", err)
	}

	committed := false
	var rollback []func()
	defer func() {
		if !committed {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i]()
			}
		}
	}()

	if err := e.installStaged(stagingStore.VaultPath(), e.store.VaultPath(), runID, &rollback); nil != err {
		return err
	}
	if err := e.installStaged(stagingStore.LedgerPath(), e.store.LedgerPath(), runID, &rollback); nil != err {
		return err
	}
	if err := e.installStaged(stagingStore.MetaPath(), e.store.MetaPath(), runID, &rollback); nil != err {
		return err
	}

	installed := &Engine{store: e.store, passphrase: newPassphrase}
	if _, _, _, err := installed.assembleState(); nil != err {
		return lmverr.New(lmverr.Internal, "rotate: post-install verification failed: %s", err)
	}
	if _, err := installed.VerifyLedger(); nil != err {
		return lmverr.New(lmverr.Internal, "rotate: post-install ledger verification failed: %s", err)
	}

	e.passphrase = newPassphrase
	committed = true

	for _, path := range []string{e.store.VaultPath(), e.store.LedgerPath(), e.store.MetaPath()} {
		os.Remove(path + storage.BackupSuffix + runID)
	}
	return nil
}

// installStaged renames the live file at livePath aside to a
// ".bak.<runID>" sibling, then renames stagedPath into livePath. It
// pushes a rollback closure onto rollback that undoes exactly that
// rename pair, so Rotate's deferred unwind can retract an install this
// process is still around to retract.
func (e *Engine) installStaged(stagedPath, livePath, runID string, rollback *[]func()) error {
	existed, err := storage.RenameAside(livePath, runID)
	if nil != err {
		return err
	}
	backup := livePath + storage.BackupSuffix + runID
	*rollback = append(*rollback, func() {
		os.Remove(livePath)
		if existed {
			os.Rename(backup, livePath)
		}
	})
	if err := os.Rename(stagedPath, livePath); nil != err {
		return lmverr.New(lmverr.Internal, "rotate: install %s: %s", livePath, err)
	}
	return nil
}
