// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpc is the thin HTTP control plane: GET /healthz, GET
// /v1/memory, PATCH /v1/memory, GET /v1/ledger, and POST /v1/snapshot,
// each a direct net/http handler registered on a plain http.ServeMux -
// no RPC framework, one method per handler plus shared sendJSON/
// sendError helpers.
package rpc
