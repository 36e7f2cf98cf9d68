// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"time"

	"github.com/lmvproject/lmv/canon"
)

// nowMillis returns the current instant as UTC RFC 3339 with millisecond
// precision - the one timestamp format every record in this package
// uses, since that is what the hash chain hashes.
func nowMillis() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// entryHash returns the lowercase hex SHA-256 digest of e canonicalized
// with entry_hash absent - the value that must appear as e.EntryHash,
// and the value every replayer recomputes to detect tampering.
func entryHash(e LedgerEntry) (string, error) {
	e.EntryHash = ""
	return canon.HashJSON(e)
}

func vaultAAD(snapshotVersion int64) map[string]interface{} {
	return map[string]interface{}{
		"record_type":    "vault",
		"uid":            storeUID,
		"schema_version": storeSchemaVersion,
		"vault_version":  snapshotVersion,
	}
}

func ledgerAAD(cursor int64) map[string]interface{} {
	return map[string]interface{}{
		"record_type":    "ledger_entry",
		"uid":            storeUID,
		"schema_version": storeSchemaVersion,
		"entry_cursor":   cursor,
	}
}
