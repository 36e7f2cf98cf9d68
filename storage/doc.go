// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storage - atomic on-disk layout for the vault
//
// Three files live in a data directory:
//
//	vault.enc          - one envelope: the encrypted snapshot
//	ledger.jsonl.enc    - zero or more lines, each an encrypted journal entry, LF-terminated
//	meta.json           - plaintext KDF/HKDF/envelope parameter description, no key material
//
// Snapshot replacement goes through a temp-file-then-rename so a reader
// never observes a half-written file: write to "vault.enc.tmp-<random>",
// fsync, then os.Rename onto "vault.enc" (same directory, same
// filesystem, so the rename is atomic). Journal entries are appended
// with an fsync before the append is reported durable.
//
// EnsureExists calls RecoverInterruptedRotation before touching
// anything else, so a data directory left with a stray
// "<name>.bak.<runID>" file or ".rotate-<runID>" staging directory by a
// process that died mid-rotation is put back into a consistent state
// before it is ever opened.
package storage
