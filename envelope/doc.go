// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package envelope - per-record authenticated encryption
//
// Key derivation is two-stage: scrypt(passphrase, salt) produces a
// master key, then HKDF-SHA256(master, info) separates that master
// into a vault key and a ledger key that can never decrypt each
// other's records. This mirrors the key-then-encrypt shape of
// command/bitmark-cli/encrypt/encrypt.go's hashPassword +
// encryptPrivateKey, upgraded from AES-CBC to AES-256-GCM so the
// ciphertext is authenticated and bound to an AAD context.
package envelope
