// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package canon - deterministic JSON serialization and hashing
//
// canonical_json is the sole source of hashable bytes for the vault's
// hash chain and for the AAD bound to every encrypted record. Go's
// encoding/json already sorts map[string]X keys by codepoint and uses
// shortest round-trip number formatting, which is exactly the canonical
// form this package needs - it is a thin, deliberate wrapper, not a
// reimplementation.
package canon
