// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"encoding/json"
	"sync"

	"github.com/lmvproject/lmv/canon"
	"github.com/lmvproject/lmv/envelope"
	"github.com/lmvproject/lmv/lmverr"
	"github.com/lmvproject/lmv/storage"
)

const (
	storeUID           = storage.UID
	storeSchemaVersion = storage.SchemaVersion
)

// Engine is the vault - the sole owner of mutation against one data
// directory. mu serializes every operation that appends to the journal
// or replaces the snapshot; reads take no lock and observe whatever
// consistent prefix happens to be on disk at the moment they run.
type Engine struct {
	mu         sync.Mutex
	store      *storage.Store
	passphrase string
}

// Open wires a Store rooted at dataDir, creating it on first use, and
// returns an Engine ready to serve requests.
func Open(dataDir, passphrase string) (*Engine, error) {
	store, err := storage.EnsureExists(dataDir, passphrase)
	if nil != err {
		return nil, err
	}
	return &Engine{store: store, passphrase: passphrase}, nil
}

// readSnapshot decrypts vault.enc and verifies its AAD was bound to the
// memory version it claims to carry.
func (e *Engine) readSnapshot() (*Snapshot, error) {
	env, err := e.store.ReadSnapshot()
	if nil != err {
		return nil, err
	}
	payload, aad, err := envelope.Decrypt(env, envelope.InfoVault, e.passphrase)
	if nil != err {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "vault: re-marshal snapshot payload: %s", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); nil != err {
		return nil, lmverr.New(lmverr.Corruption, "vault: snapshot payload is malformed: %s", err)
	}

	ok, err := canon.Equal(vaultAAD(snap.Memory.Version), aad)
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "vault: compare snapshot aad: %s", err)
	}
	if !ok {
		return nil, lmverr.New(lmverr.Corruption, "vault: snapshot aad does not match its own content")
	}
	return &snap, nil
}

// readLedgerEntries decrypts every line of ledger.jsonl.enc, verifying
// cursor contiguity and the hash chain as it goes. A decode failure
// (JSON parse, envelope parse, decrypt, or AEAD verify) on any line but
// the last is corruption; on the last line it is treated as a torn
// write from an interrupted append and the line is discarded. A
// hash-chain or cursor break is always corruption, last line or not -
// that can never be explained by a partial write.
func (e *Engine) readLedgerEntries() ([]LedgerEntry, error) {
	lines, err := e.store.ReadLedgerLines()
	if nil != err {
		return nil, err
	}

	entries := make([]LedgerEntry, 0, len(lines))
	prevHash := ""
	for i, line := range lines {
		entry, aad, decErr := e.decodeLedgerLine(line)
		if nil != decErr {
			if i == len(lines)-1 {
				break
			}
			return nil, lmverr.New(lmverr.Corruption, "vault: ledger line %d failed to decode: %s", i+1, decErr)
		}

		if entry.Cursor != int64(len(entries))+1 {
			return nil, lmverr.New(lmverr.Corruption, "vault: ledger cursor discontinuity at line %d", i+1)
		}
		if entry.PrevHash != prevHash {
			return nil, lmverr.New(lmverr.Corruption, "vault: ledger hash chain broken at cursor %d", entry.Cursor)
		}
		want, err := entryHash(entry)
		if nil != err {
			return nil, lmverr.New(lmverr.Internal, "vault: hash ledger entry: %s", err)
		}
		if want != entry.EntryHash {
			return nil, lmverr.New(lmverr.Corruption, "vault: ledger entry hash mismatch at cursor %d", entry.Cursor)
		}
		ok, err := canon.Equal(ledgerAAD(entry.Cursor), aad)
		if nil != err {
			return nil, lmverr.New(lmverr.Internal, "vault: compare ledger aad: %s", err)
		}
		if !ok {
			return nil, lmverr.New(lmverr.Corruption, "vault: ledger entry aad does not match cursor %d", entry.Cursor)
		}

		prevHash = entry.EntryHash
		entries = append(entries, entry)
	}
	return entries, nil
}

func (e *Engine) decodeLedgerLine(line []byte) (LedgerEntry, map[string]interface{}, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(line, &env); nil != err {
		return LedgerEntry{}, nil, err
	}
	payload, aad, err := envelope.Decrypt(&env, envelope.InfoLedger, e.passphrase)
	if nil != err {
		return LedgerEntry{}, nil, err
	}
	raw, err := json.Marshal(payload)
	if nil != err {
		return LedgerEntry{}, nil, err
	}
	var entry LedgerEntry
	if err := json.Unmarshal(raw, &entry); nil != err {
		return LedgerEntry{}, nil, err
	}
	return entry, aad, nil
}

// assembleState performs the full read: decrypt the snapshot, decrypt
// and chain-verify every ledger entry, then replay every entry whose
// cursor exceeds snapshot_cursor against the snapshot memory, requiring
// each entry's base_version to match the running version before
// applying its patch.
func (e *Engine) assembleState() (*Memory, *Snapshot, []LedgerEntry, error) {
	snap, err := e.readSnapshot()
	if nil != err {
		return nil, nil, nil, err
	}
	entries, err := e.readLedgerEntries()
	if nil != err {
		return nil, nil, nil, err
	}

	blocks, err := canon.DeepCopyBlocks(snap.Memory.Blocks)
	if nil != err {
		return nil, nil, nil, lmverr.New(lmverr.Internal, "vault: copy snapshot blocks: %s", err)
	}
	mem := &Memory{Version: snap.Memory.Version, Blocks: blocks, UpdatedAt: snap.Memory.UpdatedAt}

	for _, entry := range entries {
		if entry.Cursor <= snap.SnapshotCursor {
			continue
		}
		if entry.BaseVersion != mem.Version {
			return nil, nil, nil, lmverr.New(lmverr.Corruption, "vault: base_version mismatch at cursor %d: have %d want %d", entry.Cursor, entry.BaseVersion, mem.Version)
		}
		newBlocks, err := applyPatch(mem.Blocks, entry.Patch)
		if nil != err {
			return nil, nil, nil, lmverr.New(lmverr.Corruption, "vault: replay of cursor %d failed: %s", entry.Cursor, err)
		}
		mem.Blocks = newBlocks
		mem.Version = entry.NewVersion
		mem.UpdatedAt = entry.Ts
	}
	return mem, snap, entries, nil
}

// CurrentState returns the fully assembled memory document along with
// the snapshot cursor it was built from and the ledger's current
// cursor.
func (e *Engine) CurrentState() (*Memory, int64, int64, error) {
	mem, snap, entries, err := e.assembleState()
	if nil != err {
		return nil, 0, 0, err
	}
	return mem, snap.SnapshotCursor, int64(len(entries)), nil
}

// VerifyLedger re-derives the hash chain (via assembleState's read path)
// and confirms base_version continuity without needing the patched
// result, returning the number of entries checked.
func (e *Engine) VerifyLedger() (int64, error) {
	snap, err := e.readSnapshot()
	if nil != err {
		return 0, err
	}
	entries, err := e.readLedgerEntries()
	if nil != err {
		return 0, err
	}

	version := snap.Memory.Version
	for _, entry := range entries {
		if entry.Cursor <= snap.SnapshotCursor {
			continue
		}
		if entry.BaseVersion != version {
			return 0, lmverr.New(lmverr.Corruption, "vault: base_version mismatch at cursor %d: have %d want %d", entry.Cursor, entry.BaseVersion, version)
		}
		version = entry.NewVersion
	}
	return int64(len(entries)), nil
}

// GetLedger returns entries with cursor > since, newest-first semantics
// left to the caller - entries are returned in ascending cursor order,
// capped at limit, normalised into [1, 500].
func (e *Engine) GetLedger(since int64, limit int) (*LedgerPage, error) {
	if since < 0 {
		since = 0
	}
	if limit < 1 {
		limit = 1
	} else if limit > 500 {
		limit = 500
	}

	snap, err := e.readSnapshot()
	if nil != err {
		return nil, err
	}
	entries, err := e.readLedgerEntries()
	if nil != err {
		return nil, err
	}

	var filtered []LedgerEntry
	for _, entry := range entries {
		if entry.Cursor > since {
			filtered = append(filtered, entry)
		}
	}

	page := filtered
	hasMore := false
	if len(page) > limit {
		page = page[:limit]
		hasMore = true
	}

	nextCursor := since
	if len(page) > 0 {
		nextCursor = page[len(page)-1].Cursor
	}

	return &LedgerPage{
		Entries:        page,
		NextCursor:     nextCursor,
		HasMore:        hasMore,
		SnapshotCursor: snap.SnapshotCursor,
		LedgerCursor:   int64(len(entries)),
	}, nil
}

// Compact writes a fresh snapshot at the current ledger cursor if the
// journal has grown past the last snapshot, leaving the journal itself
// untouched. A no-op returns the existing cursors unchanged.
func (e *Engine) Compact() (snapshotCursor, ledgerCursor, memoryVersion int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mem, snap, entries, err := e.assembleState()
	if nil != err {
		return 0, 0, 0, err
	}
	ledgerCursor = int64(len(entries))
	if ledgerCursor <= snap.SnapshotCursor {
		return snap.SnapshotCursor, ledgerCursor, mem.Version, nil
	}

	now := nowMillis()
	newSnap := Snapshot{
		UID:            snap.UID,
		SchemaVersion:  snap.SchemaVersion,
		Memory:         *mem,
		SnapshotCursor: ledgerCursor,
		UpdatedAt:      now,
	}
	env, err := envelope.Encrypt(newSnap, envelope.InfoVault, vaultAAD(mem.Version), e.passphrase)
	if nil != err {
		return 0, 0, 0, err
	}
	if err := e.store.WriteSnapshotAtomic(env); nil != err {
		return 0, 0, 0, err
	}
	return newSnap.SnapshotCursor, ledgerCursor, mem.Version, nil
}
