// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"encoding/json"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lmvproject/lmv/canon"
	"github.com/lmvproject/lmv/envelope"
	"github.com/lmvproject/lmv/lmverr"
)

const (
	reservedPathVersion   = "/version"
	reservedPathUpdatedAt = "/updated_at"
)

// validatePatchShape rejects any operation that targets a reserved
// top-level path directly - clients mutate memory.version and
// memory.updated_at only by way of a successful patch, never directly.
func validatePatchShape(patch []PatchOp) error {
	if 0 == len(patch) {
		return lmverr.New(lmverr.BadRequest, "patch: empty patch")
	}
	for i, op := range patch {
		opName, _ := op["op"].(string)
		if "" == opName {
			return lmverr.New(lmverr.BadRequest, "patch: operation %d missing \"op\"", i)
		}
		if path, ok := op["path"].(string); ok && isReservedPath(path) {
			return lmverr.New(lmverr.BadRequest, "patch: operation %d targets reserved path %q", i, path)
		}
		if from, ok := op["from"].(string); ok && isReservedPath(from) {
			return lmverr.New(lmverr.BadRequest, "patch: operation %d sources reserved path %q", i, from)
		}
	}
	return nil
}

func isReservedPath(path string) bool {
	return reservedPathVersion == path || reservedPathUpdatedAt == path
}

// applyPatch applies patch to a deep copy of blocks using RFC 6902
// semantics (add/remove/replace/move/copy/test), returning the patched
// document as a fresh map. Any failure - malformed patch, path not
// found, failed test - is reported as lmverr.PatchApply.
func applyPatch(blocks map[string]interface{}, patch []PatchOp) (map[string]interface{}, error) {
	docBytes, err := json.Marshal(blocks)
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "patch: marshal blocks: %s", err)
	}
	patchBytes, err := json.Marshal(patch)
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "patch: marshal ops: %s", err)
	}

	decoded, err := jsonpatch.DecodePatch(patchBytes)
	if nil != err {
		return nil, lmverr.New(lmverr.PatchApply, "patch: malformed operations: %s", err)
	}
	result, err := decoded.Apply(docBytes)
	if nil != err {
		return nil, lmverr.New(lmverr.PatchApply, "patch: apply failed: %s", err)
	}

	patched, err := canon.ToMap(json.RawMessage(result))
	if nil != err {
		return nil, lmverr.New(lmverr.PatchApply, "patch: result is not a JSON object: %s", err)
	}
	for _, key := range reservedBlockKeys {
		if _, ok := patched[key]; !ok {
			return nil, lmverr.New(lmverr.PatchApply, "patch: result is missing reserved block %q", key)
		}
	}
	return patched, nil
}

// parseETag parses the literal quoted "v<decimal>" form required of
// If-Match, returning the version it names.
func parseETag(raw string) (int64, error) {
	if len(raw) < 4 || '"' != raw[0] || '"' != raw[len(raw)-1] {
		return 0, lmverr.New(lmverr.BadRequest, "if-match: expected a quoted etag, got %q", raw)
	}
	inner := raw[1 : len(raw)-1]
	if !strings.HasPrefix(inner, "v") {
		return 0, lmverr.New(lmverr.BadRequest, "if-match: expected form \"v<n>\", got %q", raw)
	}
	n, err := strconv.ParseInt(inner[1:], 10, 64)
	if nil != err || n < 0 {
		return 0, lmverr.New(lmverr.BadRequest, "if-match: expected form \"v<n>\", got %q", raw)
	}
	return n, nil
}

// ETag formats a memory version the way every GET and PATCH response
// reports it.
func ETag(version int64) string {
	return "\"v" + strconv.FormatInt(version, 10) + "\""
}

// PatchMemory runs the full admission pipeline: validate the patch
// shape, parse if_match, acquire the mutation lock, assemble current
// state, check the version precondition, apply the patch, build and
// hash the next journal entry, and append it durably. auth reports
// whether the request satisfied the bearer-token gate, so the journal
// entry can record auth as "token" or "none".
func (e *Engine) PatchMemory(ifMatch string, patch []PatchOp, actor, reason string, auth bool) (*Memory, int64, error) {
	if err := validatePatchShape(patch); nil != err {
		return nil, 0, err
	}
	wantVersion, err := parseETag(ifMatch)
	if nil != err {
		return nil, 0, err
	}
	if "" == actor {
		return nil, 0, lmverr.New(lmverr.BadRequest, "patch: missing actor")
	}
	if "" == reason {
		return nil, 0, lmverr.New(lmverr.BadRequest, "patch: missing reason")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mem, _, entries, err := e.assembleState()
	if nil != err {
		return nil, 0, err
	}
	if wantVersion != mem.Version {
		return nil, 0, lmverr.WithMeta(lmverr.Conflict,
			map[string]interface{}{"current_etag": "v" + strconv.FormatInt(mem.Version, 10)},
			"patch: version mismatch: if-match names %d, current is %d", wantVersion, mem.Version)
	}

	newBlocks, err := applyPatch(mem.Blocks, patch)
	if nil != err {
		return nil, 0, err
	}

	cursor := int64(len(entries)) + 1
	prevHash := ""
	if len(entries) > 0 {
		prevHash = entries[len(entries)-1].EntryHash
	}
	ts := nowMillis()
	authLabel := "none"
	if auth {
		authLabel = "token"
	}

	entry := LedgerEntry{
		Cursor:      cursor,
		Ts:          ts,
		Actor:       actor,
		BaseVersion: mem.Version,
		NewVersion:  mem.Version + 1,
		Reason:      reason,
		Auth:        authLabel,
		Patch:       patch,
		PrevHash:    prevHash,
	}
	hash, err := entryHash(entry)
	if nil != err {
		return nil, 0, lmverr.New(lmverr.Internal, "patch: hash entry: %s", err)
	}
	entry.EntryHash = hash

	env, err := envelope.Encrypt(entry, envelope.InfoLedger, ledgerAAD(cursor), e.passphrase)
	if nil != err {
		return nil, 0, err
	}
	if err := e.store.AppendLedgerLine(env); nil != err {
		return nil, 0, err
	}

	newMem := &Memory{Version: entry.NewVersion, Blocks: newBlocks, UpdatedAt: ts}
	return newMem, cursor, nil
}
