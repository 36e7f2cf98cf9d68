// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/lmvproject/lmv/lmverr"
	"github.com/lmvproject/lmv/vault"
)

const defaultLedgerLimit = 100

// handler is the argument passed to every route's method: one struct,
// one method per route, no per-request allocation of shared state.
type handler struct {
	log        *logger.L
	engine     *vault.Engine
	writeToken string
	start      time.Time
	inFlight   int64
}

func (h *handler) root(w http.ResponseWriter, r *http.Request) {
	sendError(w, lmverr.BadRequest, "not found")
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if http.MethodGet != r.Method {
		sendError(w, lmverr.BadRequest, "method not allowed")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"uptime": time.Since(h.start).String(),
	})
}

func (h *handler) memory(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.inFlight, 1)
	defer atomic.AddInt64(&h.inFlight, -1)

	switch r.Method {
	case http.MethodGet:
		h.getMemory(w, r)
	case http.MethodPatch:
		h.patchMemory(w, r)
	default:
		sendError(w, lmverr.BadRequest, "method not allowed")
	}
}

func (h *handler) getMemory(w http.ResponseWriter, r *http.Request) {
	mem, snapshotCursor, ledgerCursor, err := h.engine.CurrentState()
	if nil != err {
		h.sendEngineError(w, err)
		return
	}
	w.Header().Set("ETag", vault.ETag(mem.Version))
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"memory":          mem,
		"snapshot_cursor": snapshotCursor,
		"ledger_cursor":   ledgerCursor,
	})
}

func (h *handler) patchMemory(w http.ResponseWriter, r *http.Request) {
	if !h.checkWriteGate(w, r) {
		return
	}

	if ct := r.Header.Get("Content-Type"); "application/json-patch+json" != ct {
		sendError(w, lmverr.BadRequest, "expected Content-Type: application/json-patch+json")
		return
	}
	ifMatch := r.Header.Get("If-Match")
	actor := r.Header.Get("X-LMV-Actor")
	reason := r.Header.Get("X-LMV-Reason")
	if "" == actor {
		sendError(w, lmverr.BadRequest, "missing X-LMV-Actor header")
		return
	}
	if "" == reason {
		sendError(w, lmverr.BadRequest, "missing X-LMV-Reason header")
		return
	}

	var patch []vault.PatchOp
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&patch); nil != err {
		sendError(w, lmverr.BadRequest, "malformed JSON-Patch body: %s", err)
		return
	}

	authSatisfied := "" != h.writeToken
	mem, appliedCursor, err := h.engine.PatchMemory(ifMatch, patch, actor, reason, authSatisfied)
	if nil != err {
		if lmverr.IsConflict(err) {
			w.Header().Set("ETag", conflictETag(err))
		}
		h.sendEngineError(w, err)
		return
	}

	_, snapshotCursor, _, err := h.engine.CurrentState()
	if nil != err {
		h.sendEngineError(w, err)
		return
	}

	w.Header().Set("ETag", vault.ETag(mem.Version))
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"memory":               mem,
		"snapshot_cursor":      snapshotCursor,
		"ledger_cursor":        appliedCursor,
		"applied_entry_cursor": appliedCursor,
	})
}

func conflictETag(err error) string {
	e, ok := err.(*lmverr.Error)
	if !ok || nil == e.Meta {
		return ""
	}
	v, _ := e.Meta["current_etag"].(string)
	if "" == v {
		return ""
	}
	return `"` + v + `"`
}

func (h *handler) ledger(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.inFlight, 1)
	defer atomic.AddInt64(&h.inFlight, -1)

	if http.MethodGet != r.Method {
		sendError(w, lmverr.BadRequest, "method not allowed")
		return
	}

	r.ParseForm()

	since := int64(0)
	if s := r.Form.Get("since"); "" != s {
		n, err := strconv.ParseInt(s, 10, 64)
		if nil != err || n < 0 {
			sendError(w, lmverr.BadRequest, "invalid since=%q", s)
			return
		}
		since = n
	}

	limit := defaultLedgerLimit
	if l := r.Form.Get("limit"); "" != l {
		n, err := strconv.Atoi(l)
		if nil != err || n < 1 || n > 500 {
			sendError(w, lmverr.BadRequest, "invalid limit=%q", l)
			return
		}
		limit = n
	}

	page, err := h.engine.GetLedger(since, limit)
	if nil != err {
		h.sendEngineError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"entries":         page.Entries,
		"next_cursor":     page.NextCursor,
		"has_more":        page.HasMore,
		"snapshot_cursor": page.SnapshotCursor,
		"ledger_cursor":   page.LedgerCursor,
	})
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.inFlight, 1)
	defer atomic.AddInt64(&h.inFlight, -1)

	if http.MethodPost != r.Method {
		sendError(w, lmverr.BadRequest, "method not allowed")
		return
	}
	if !h.checkWriteGate(w, r) {
		return
	}

	snapshotCursor, ledgerCursor, memoryVersion, err := h.engine.Compact()
	if nil != err {
		h.sendEngineError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot_cursor": snapshotCursor,
		"ledger_cursor":   ledgerCursor,
		"memory_version":  memoryVersion,
	})
}

// checkWriteGate enforces the write gate: when writeToken is configured,
// PATCH /v1/memory and POST /v1/snapshot require Authorization: Bearer
// <token> with byte-exact, constant-time equality. Absent, malformed,
// or mismatched -> 401.
func (h *handler) checkWriteGate(w http.ResponseWriter, r *http.Request) bool {
	if "" == h.writeToken {
		return true
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		sendError(w, lmverr.Unauthorized, "missing or malformed Authorization header")
		return false
	}
	presented := auth[len(prefix):]
	if 1 != subtle.ConstantTimeCompare([]byte(presented), []byte(h.writeToken)) {
		sendError(w, lmverr.Unauthorized, "invalid bearer token")
		return false
	}
	return true
}

func (h *handler) sendEngineError(w http.ResponseWriter, err error) {
	kind := lmverr.KindOf(err)
	if lmverr.Corruption == kind || lmverr.Internal == kind {
		h.log.Errorf("request failed: %s", err)
	}
	sendErrorWithMeta(w, err)
}

func statusFor(k lmverr.Kind) int {
	switch k {
	case lmverr.BadRequest:
		return http.StatusBadRequest
	case lmverr.Unauthorized:
		return http.StatusUnauthorized
	case lmverr.Conflict:
		return http.StatusConflict
	case lmverr.PatchApply:
		return http.StatusUnprocessableEntity
	case lmverr.Corruption, lmverr.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	text, err := json.Marshal(v)
	if nil != err {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(text)
}

func sendError(w http.ResponseWriter, k lmverr.Kind, format string, args ...interface{}) {
	sendErrorWithMeta(w, lmverr.New(k, format, args...))
}

// sendErrorWithMeta maps err's kind to a status, replacing corruption
// and internal error messages with a generic one so implementation
// detail never reaches a client, and folds in any structured Meta
// (e.g. current_etag on a conflict).
func sendErrorWithMeta(w http.ResponseWriter, err error) {
	kind := lmverr.KindOf(err)
	status := statusFor(kind)

	message := err.Error()
	if lmverr.Corruption == kind || lmverr.Internal == kind {
		message = "internal server error"
	}

	body := map[string]interface{}{"kind": string(kind), "error": message}
	if e, ok := err.(*lmverr.Error); ok {
		for k, v := range e.Meta {
			body[k] = v
		}
	}
	sendJSON(w, status, body)
}
