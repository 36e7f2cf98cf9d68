// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package vault - state assembly, patch admission, compaction,
// verification, and passphrase rotation for the memory document.
//
// Engine is the sole owner of mutation for the three on-disk artifacts;
// every mutating operation serializes on Engine.mu, an instance-scoped
// lock rather than a package-level one, since a process may serve more
// than one data directory and each must be independently lockable.
package vault
