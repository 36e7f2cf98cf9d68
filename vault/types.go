// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

// Memory is the shared document every agent reads and patches: a
// version counter, the blocks document, and a last-modified timestamp.
type Memory struct {
	Version   int64                  `json:"version"`
	Blocks    map[string]interface{} `json:"blocks"`
	UpdatedAt string                 `json:"updated_at"`
}

// reservedBlockKeys are always present in Memory.Blocks, even if empty.
// Additional top-level keys under blocks are permitted.
var reservedBlockKeys = []string{"identity", "methodology", "projects", "rules"}

// Snapshot is the decrypted form of vault.enc.
type Snapshot struct {
	UID            string `json:"uid"`
	SchemaVersion  int    `json:"schema_version"`
	Memory         Memory `json:"memory"`
	SnapshotCursor int64  `json:"snapshot_cursor"`
	UpdatedAt      string `json:"updated_at"`
}

// PatchOp is one RFC 6902 operation, held as a generic map so admission
// can inspect "path"/"from" without a bespoke patch-op type, and so the
// whole array can be re-marshaled byte-for-byte into the ledger entry it
// becomes part of.
type PatchOp map[string]interface{}

// LedgerEntry is the decrypted form of one line of ledger.jsonl.enc.
type LedgerEntry struct {
	Cursor      int64     `json:"cursor"`
	Ts          string    `json:"ts"`
	Actor       string    `json:"actor"`
	BaseVersion int64     `json:"base_version"`
	NewVersion  int64     `json:"new_version"`
	Reason      string    `json:"reason"`
	Auth        string    `json:"auth"`
	Patch       []PatchOp `json:"patch"`
	PrevHash    string    `json:"prev_hash"`
	EntryHash   string    `json:"entry_hash,omitempty"`
}

// LedgerPage is one page of get_ledger results.
type LedgerPage struct {
	Entries        []LedgerEntry
	NextCursor     int64
	HasMore        bool
	SnapshotCursor int64
	LedgerCursor   int64
}
