// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpc

import (
	"net/http"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/lmvproject/lmv/vault"
)

// Config names the process-wide settings this package needs at
// startup - everything else (passphrase, data dir) belongs to
// vault.Open, called before this package ever sees the engine.
type Config struct {
	WriteToken string
}

// NewHandler builds the full routing table against engine: one
// ServeMux, one HandleFunc per route, a catch-all "/" handler.
func NewHandler(engine *vault.Engine, cfg Config, log *logger.L) http.Handler {
	h := &handler{
		engine:     engine,
		writeToken: cfg.WriteToken,
		log:        log,
		start:      time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthz)
	mux.HandleFunc("/v1/memory", h.memory)
	mux.HandleFunc("/v1/ledger", h.ledger)
	mux.HandleFunc("/v1/snapshot", h.snapshot)
	mux.HandleFunc("/", h.root)
	return mux
}

// ListenAndServe starts a plain HTTP server on addr - no TLS, since this
// service is meant to run on a single trusted host reachable only over
// loopback or a private network, never exposed directly to clients.
func ListenAndServe(addr string, handler http.Handler) error {
	s := &http.Server{
		Addr:           addr,
		Handler:        handler,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s.ListenAndServe()
}
