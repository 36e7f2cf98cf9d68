// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package lmverr - error taxonomy
//
// Provides one error type per failure class so callers can classify a
// failure without resorting to string matching, and so the request
// surface can map a failure onto the correct boundary status without
// knowing which component produced it.
package lmverr
