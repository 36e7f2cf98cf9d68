// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lmverr

import "fmt"

// Kind classifies a failure into the taxonomy the HTTP boundary maps to
// a status code.
type Kind string

// the taxonomy - keep in the order the boundary maps them to a status
const (
	BadRequest   Kind = "bad-request"
	Unauthorized Kind = "unauthorized"
	Conflict     Kind = "conflict"
	PatchApply   Kind = "patch-apply"
	Corruption   Kind = "corruption"
	Internal     Kind = "internal"
)

// Error is the single error type produced by the vault engine and the
// request surface. Meta carries classification-specific structured data,
// e.g. {"current_etag": "v3"} for a Conflict.
type Error struct {
	K    Kind
	Msg  string
	Meta map[string]interface{}
}

func (e *Error) Error() string {
	return e.Msg
}

// New builds an Error of the given kind with no metadata.
func New(k Kind, format string, arguments ...interface{}) *Error {
	return &Error{K: k, Msg: fmt.Sprintf(format, arguments...)}
}

// WithMeta builds an Error of the given kind carrying structured metadata.
func WithMeta(k Kind, meta map[string]interface{}, format string, arguments ...interface{}) *Error {
	return &Error{K: k, Msg: fmt.Sprintf(format, arguments...), Meta: meta}
}

// KindOf returns the Kind of err, or Internal if err is not an *Error -
// an unexpected error is always treated as internal, never leaked raw.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.K
	}
	return Internal
}

func IsBadRequest(err error) bool   { return KindOf(err) == BadRequest }
func IsUnauthorized(err error) bool { return KindOf(err) == Unauthorized }
func IsConflict(err error) bool     { return KindOf(err) == Conflict }
func IsPatchApply(err error) bool   { return KindOf(err) == PatchApply }
func IsCorruption(err error) bool   { return KindOf(err) == Corruption }
func IsInternal(err error) bool     { return KindOf(err) == Internal }
