// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// lmv-rotate is a standalone tool that re-encrypts a data directory's
// snapshot and journal under a new passphrase. It must not be run
// against a data directory an lmvd process is currently serving - two
// engines must never share one data directory at once.
package main

import (
	"os"

	"github.com/bitmark-inc/exitwithstatus"
	"github.com/bitmark-inc/logger"

	"github.com/lmvproject/lmv/vault"
)

func main() {
	defer exitwithstatus.Handler()

	passphrase := os.Getenv("LMV_PASSPHRASE")
	if "" == passphrase {
		exitwithstatus.Message("lmv-rotate: LMV_PASSPHRASE is required")
	}
	newPassphrase := os.Getenv("LMV_NEW_PASSPHRASE")
	if "" == newPassphrase {
		exitwithstatus.Message("lmv-rotate: LMV_NEW_PASSPHRASE is required")
	}
	dataDir := firstNonEmpty(os.Getenv("LMV_DATA_DIR"), os.Getenv("DATA_DIR"), "./data")

	logConfig := logger.Configuration{
		Directory: ".",
		File:      "lmv-rotate.log",
		Size:      1048576,
		Count:     5,
		Console:   true,
		Levels: map[string]string{
			logger.DefaultTag: "info",
		},
	}
	if err := logger.Initialise(logConfig); nil != err {
		exitwithstatus.Message("lmv-rotate: logger setup failed: %s", err)
	}
	defer logger.Finalise()

	log := logger.New("main")
	log.Infof("opening data directory: %s", dataDir)

	engine, err := vault.Open(dataDir, passphrase)
	if nil != err {
		exitwithstatus.Message("lmv-rotate: open failed: %s", err)
	}

	log.Info("rotating passphrase")
	if err := engine.Rotate(newPassphrase); nil != err {
		exitwithstatus.Message("lmv-rotate: rotation failed and was rolled back: %s", err)
	}

	log.Info("rotation complete")
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
