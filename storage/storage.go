// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/lmvproject/lmv/envelope"
	"github.com/lmvproject/lmv/lmverr"
)

const (
	vaultFile  = "vault.enc"
	ledgerFile = "ledger.jsonl.enc"
	metaFile   = "meta.json"

	uid           = UID
	schemaVersion = SchemaVersion

	dirMode  = 0o700
	fileMode = 0o600
)

// BackupSuffix is appended, along with a run identifier, to a live
// file's name when it is renamed aside during an install step - so
// "vault.enc" becomes "vault.enc.bak.<runID>".
const BackupSuffix = ".bak."

// StagingDirPrefix names the subdirectory a passphrase rotation builds
// and verifies its re-encrypted content in before touching any live
// file. A directory with this prefix, or a file with the ".bak."
// suffix, left behind in a data directory means a rotation was
// interrupted; RecoverInterruptedRotation cleans both up.
const StagingDirPrefix = ".rotate-"

// UID and SchemaVersion identify this store's record family and layout
// generation - bound into both the snapshot envelope's AAD and every
// ledger entry's AAD, so the vault engine can recognise a foreign or
// stale data directory before it ever attempts a decrypt.
const (
	UID           = "lmv-v1"
	SchemaVersion = 1
)

// Meta is the non-secret, plaintext description of the parameters this
// data directory was written with. It carries no key material - only
// algorithm names and tunables. Nothing in this package compares it
// against the parameters recorded in the envelopes on disk.
type Meta struct {
	UID           string   `json:"uid"`
	SchemaVersion int      `json:"schema_version"`
	KDF           MetaKDF  `json:"kdf"`
	HKDF          MetaHKDF `json:"hkdf"`
	AEAD          MetaAEAD `json:"aead"`
	UpdatedAt     string   `json:"updated_at"`
}

type MetaKDF struct {
	Name   string `json:"name"`
	N      int    `json:"N"`
	R      int    `json:"r"`
	P      int    `json:"p"`
	KeyLen int    `json:"keylen"`
}

type MetaHKDF struct {
	Name string `json:"name"`
}

type MetaAEAD struct {
	Alg string `json:"alg"`
}

func defaultMeta(now string) *Meta {
	return &Meta{
		UID:           uid,
		SchemaVersion: schemaVersion,
		KDF:           MetaKDF{Name: "scrypt", N: 32768, R: 8, P: 1, KeyLen: 32},
		HKDF:          MetaHKDF{Name: "hkdf-sha256"},
		AEAD:          MetaAEAD{Alg: "aes-256-gcm"},
		UpdatedAt:     now,
	}
}

// Store is a handle onto one data directory. It owns no mutable state
// of its own beyond the directory path - concurrency control over the
// files it touches is the vault engine's responsibility.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. It does not touch the filesystem -
// call EnsureExists before any other operation.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) vaultPath() string  { return filepath.Join(s.dir, vaultFile) }
func (s *Store) ledgerPath() string { return filepath.Join(s.dir, ledgerFile) }
func (s *Store) metaPath() string   { return filepath.Join(s.dir, metaFile) }

// VaultPath, LedgerPath and MetaPath expose the on-disk file locations
// for callers that need to manage them directly - namely the rotation
// procedure's backup/swap dance.
func (s *Store) VaultPath() string  { return s.vaultPath() }
func (s *Store) LedgerPath() string { return s.ledgerPath() }
func (s *Store) MetaPath() string   { return s.metaPath() }

// EnsureExists creates the data directory if absent and, for whichever
// of the three artifacts is missing, writes its initial form: an empty
// snapshot (version 0, empty reserved blocks) encrypted with
// passphrase, an empty journal, and default metadata. It never
// overwrites an existing artifact.
func EnsureExists(dir string, passphrase string) (*Store, error) {
	if err := os.MkdirAll(dir, dirMode); nil != err {
		return nil, lmverr.New(lmverr.Internal, "storage: create data dir: %s", err)
	}
	if err := RecoverInterruptedRotation(dir); nil != err {
		return nil, err
	}
	s := New(dir)

	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	if _, err := os.Stat(s.vaultPath()); os.IsNotExist(err) {
		if err := s.writeInitialSnapshot(now, passphrase); nil != err {
			return nil, err
		}
	} else if nil != err {
		return nil, lmverr.New(lmverr.Internal, "storage: stat vault file: %s", err)
	}

	if _, err := os.Stat(s.ledgerPath()); os.IsNotExist(err) {
		if err := s.TruncateLedger(); nil != err {
			return nil, err
		}
	} else if nil != err {
		return nil, lmverr.New(lmverr.Internal, "storage: stat ledger file: %s", err)
	}

	if _, err := os.Stat(s.metaPath()); os.IsNotExist(err) {
		if err := s.WriteMeta(defaultMeta(now)); nil != err {
			return nil, err
		}
	} else if nil != err {
		return nil, lmverr.New(lmverr.Internal, "storage: stat meta file: %s", err)
	}

	return s, nil
}

func (s *Store) writeInitialSnapshot(now string, passphrase string) error {
	memory := map[string]interface{}{
		"version": 0,
		"blocks": map[string]interface{}{
			"identity":    map[string]interface{}{},
			"methodology": map[string]interface{}{},
			"projects":    map[string]interface{}{},
			"rules":       map[string]interface{}{},
		},
		"updated_at": now,
	}
	snapshot := map[string]interface{}{
		"uid":             uid,
		"schema_version":  schemaVersion,
		"memory":          memory,
		"snapshot_cursor": 0,
		"updated_at":      now,
	}
	aad := map[string]interface{}{
		"record_type":   "vault",
		"uid":           uid,
		"schema_version": schemaVersion,
		"vault_version": 0,
	}
	env, err := envelope.Encrypt(snapshot, envelope.InfoVault, aad, passphrase)
	if nil != err {
		return err
	}
	return s.WriteSnapshotAtomic(env)
}

// ReadSnapshot parses vault.enc as an envelope. It does not decrypt -
// that is the vault engine's job, since only the engine holds the
// passphrase and knows which AAD to expect.
func (s *Store) ReadSnapshot() (*envelope.Envelope, error) {
	raw, err := os.ReadFile(s.vaultPath())
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "storage: read vault file: %s", err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); nil != err {
		return nil, lmverr.New(lmverr.Corruption, "storage: vault file is not a valid envelope: %s", err)
	}
	return &env, nil
}

// WriteSnapshotAtomic replaces vault.enc via temp-file + fsync + rename
// so a reader never observes a partially written snapshot.
func (s *Store) WriteSnapshotAtomic(env *envelope.Envelope) error {
	raw, err := json.Marshal(env)
	if nil != err {
		return lmverr.New(lmverr.Internal, "storage: marshal envelope: %s", err)
	}
	return atomicReplace(s.vaultPath(), raw)
}

// AppendLedgerLine appends one LF-terminated envelope line to
// ledger.jsonl.enc, fsyncing before the write is reported durable.
func (s *Store) AppendLedgerLine(env *envelope.Envelope) error {
	raw, err := json.Marshal(env)
	if nil != err {
		return lmverr.New(lmverr.Internal, "storage: marshal envelope: %s", err)
	}

	f, err := os.OpenFile(s.ledgerPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if nil != err {
		return lmverr.New(lmverr.Internal, "storage: open ledger file: %s", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); nil != err {
		return lmverr.New(lmverr.Internal, "storage: append ledger line: %s", err)
	}
	if err := f.Sync(); nil != err {
		return lmverr.New(lmverr.Internal, "storage: fsync ledger file: %s", err)
	}
	return nil
}

// ReadLedgerLines returns the raw bytes of every non-empty line of
// ledger.jsonl.enc, in file order. It performs no JSON parsing and no
// decryption - the crash-recovery rule that tolerates a torn final line
// needs decode/decrypt results, which only the vault engine can produce.
func (s *Store) ReadLedgerLines() ([][]byte, error) {
	f, err := os.Open(s.ledgerPath())
	if nil != err {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, lmverr.New(lmverr.Internal, "storage: open ledger file: %s", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if 0 == len(line) {
			continue
		}
		lines = append(lines, append([]byte{}, line...))
	}
	if err := scanner.Err(); nil != err {
		return nil, lmverr.New(lmverr.Internal, "storage: scan ledger file: %s", err)
	}
	return lines, nil
}

// TruncateLedger replaces ledger.jsonl.enc with an empty file. Used by
// EnsureExists to create a fresh journal for a new data directory -
// never against a live one, since compaction keeps the ledger intact.
func (s *Store) TruncateLedger() error {
	return atomicReplace(s.ledgerPath(), nil)
}

// WriteLedgerRaw atomically replaces the whole of ledger.jsonl.enc with
// raw. Used by passphrase rotation, which re-encrypts every entry under
// a new key and must swap the journal in as one unit.
func (s *Store) WriteLedgerRaw(raw []byte) error {
	return atomicReplace(s.ledgerPath(), raw)
}

// ReadMeta parses meta.json.
func (s *Store) ReadMeta() (*Meta, error) {
	raw, err := os.ReadFile(s.metaPath())
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "storage: read meta file: %s", err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); nil != err {
		return nil, lmverr.New(lmverr.Corruption, "storage: meta file is malformed: %s", err)
	}
	return &m, nil
}

// WriteMeta overwrites meta.json atomically.
func (s *Store) WriteMeta(m *Meta) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if nil != err {
		return lmverr.New(lmverr.Internal, "storage: marshal meta: %s", err)
	}
	return atomicReplace(s.metaPath(), raw)
}

// Dir returns the directory this store is rooted at.
func (s *Store) Dir() string { return s.dir }

func atomicReplace(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if nil != err {
		return lmverr.New(lmverr.Internal, "storage: create temp file: %s", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); nil != err {
		tmp.Close()
		os.Remove(tmpPath)
		return lmverr.New(lmverr.Internal, "storage: write temp file: %s", err)
	}
	if err := tmp.Sync(); nil != err {
		tmp.Close()
		os.Remove(tmpPath)
		return lmverr.New(lmverr.Internal, "storage: fsync temp file: %s", err)
	}
	if err := tmp.Close(); nil != err {
		os.Remove(tmpPath)
		return lmverr.New(lmverr.Internal, "storage: close temp file: %s", err)
	}
	if err := os.Rename(tmpPath, path); nil != err {
		os.Remove(tmpPath)
		return lmverr.New(lmverr.Internal, "storage: rename temp file: %s", err)
	}
	return nil
}

// RenameAside renames path to path.bak.<runID>, returning false if path
// does not exist (nothing to back up). Used by the rotation procedure.
func RenameAside(path, runID string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	backup := path + BackupSuffix + runID
	if err := os.Rename(path, backup); nil != err {
		return false, lmverr.New(lmverr.Internal, "storage: rename aside %s: %s", path, err)
	}
	return true, nil
}

// RecoverInterruptedRotation restores dir to a consistent state after a
// rotation that crashed between installing its re-encrypted files. A
// live file with a sibling "<name>.bak.<runID>" means that file's
// install rename completed but the rotation as a whole never finished,
// so the backup is moved back over the live file, undoing the install.
// Any leftover staging directory is then discarded - its content was
// either never installed or has already been restored from, so it is
// no longer needed either way. Called at the top of EnsureExists, so a
// data directory always opens under its pre-rotation passphrase after a
// crash, never half under the old and half under the new one.
func RecoverInterruptedRotation(dir string) error {
	for _, name := range []string{vaultFile, ledgerFile, metaFile} {
		backups, err := filepath.Glob(filepath.Join(dir, name+BackupSuffix+"*"))
		if nil != err {
			return lmverr.New(lmverr.Internal, "storage: scan for interrupted rotation: %s", err)
		}
		for _, backup := range backups {
			live := filepath.Join(dir, name)
			if err := os.Rename(backup, live); nil != err {
				return lmverr.New(lmverr.Internal, "storage: restore %s from interrupted rotation: %s", live, err)
			}
		}
	}

	staging, err := filepath.Glob(filepath.Join(dir, StagingDirPrefix+"*"))
	if nil != err {
		return lmverr.New(lmverr.Internal, "storage: scan for rotation staging directories: %s", err)
	}
	for _, s := range staging {
		if err := os.RemoveAll(s); nil != err {
			return lmverr.New(lmverr.Internal, "storage: remove stale staging directory %s: %s", s, err)
		}
	}
	return nil
}
