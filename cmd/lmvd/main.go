// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/bitmark-inc/exitwithstatus"
	"github.com/bitmark-inc/logger"

	"github.com/lmvproject/lmv/rpc"
	"github.com/lmvproject/lmv/vault"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero" // do not change this value

func main() {
	// ensure exit handler is first
	defer exitwithstatus.Handler()

	passphrase := os.Getenv("LMV_PASSPHRASE")
	if "" == passphrase {
		exitwithstatus.Message("lmvd: LMV_PASSPHRASE is required")
	}
	writeToken := os.Getenv("LMV_WRITE_TOKEN")
	dataDir := firstNonEmpty(os.Getenv("LMV_DATA_DIR"), os.Getenv("DATA_DIR"), "./data")
	port := firstNonEmpty(os.Getenv("LMV_PORT"), os.Getenv("PORT"), "8787")

	logConfig := logger.Configuration{
		Directory: ".",
		File:      "lmvd.log",
		Size:      1048576,
		Count:     10,
		Console:   true,
		Levels: map[string]string{
			logger.DefaultTag: "info",
		},
	}
	if err := logger.Initialise(logConfig); nil != err {
		exitwithstatus.Message("lmvd: logger setup failed: %s", err)
	}
	defer logger.Finalise()

	log := logger.New("main")
	log.Infof("starting lmvd %s", version)

	engine, err := vault.Open(dataDir, passphrase)
	if nil != err {
		exitwithstatus.Message("lmvd: vault open failed: %s", err)
	}

	handler := rpc.NewHandler(engine, rpc.Config{WriteToken: writeToken}, logger.New("rpc"))

	addr := ":" + port
	log.Infof("listening on %s", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- rpc.ListenAndServe(addr, handler)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		exitwithstatus.Message("lmvd: server failed: %s", err)
	case s := <-sig:
		log.Infof("received signal: %s", s)
	}

	log.Info("shutting down")
	log.Flush()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if "" != v {
			return v
		}
	}
	return ""
}
