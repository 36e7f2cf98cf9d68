// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/lmvproject/lmv/canon"
	"github.com/lmvproject/lmv/lmverr"
)

// Info identifies which record class a key was derived for, so a vault
// key can never decrypt a ledger record and vice versa.
type Info string

const (
	InfoVault  Info = "vault"
	InfoLedger Info = "ledger"
)

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	keyLen       = 32
	saltSize     = 16
	nonceSize    = 12
	kdfName      = "scrypt"
	hkdfName     = "hkdf-sha256"
	aeadAlg      = "aes-256-gcm"
	envelopeVers = 1
)

// KDFParams - non-secret description of the scrypt parameters used to
// derive the master key, plus the fresh salt for this record.
type KDFParams struct {
	Name   string `json:"name"`
	N      int    `json:"N"`
	R      int    `json:"r"`
	P      int    `json:"p"`
	KeyLen int    `json:"keylen"`
	SaltB64 string `json:"salt_b64"`
}

// HKDFParams - names the domain-separation label bound into this record.
type HKDFParams struct {
	Name string `json:"name"`
	Info string `json:"info"`
}

// AEADParams - the AES-256-GCM wire fields: fresh IV, detached tag, and
// the AAD bytes the tag is bound to.
type AEADParams struct {
	Alg    string `json:"alg"`
	IVB64  string `json:"iv_b64"`
	TagB64 string `json:"tag_b64"`
	AADB64 string `json:"aad_b64"`
}

// Envelope is the on-disk record format for both vault.enc and every
// line of ledger.jsonl.enc.
type Envelope struct {
	V             int        `json:"v"`
	KDF           KDFParams  `json:"kdf"`
	HKDF          HKDFParams `json:"hkdf"`
	AEAD          AEADParams `json:"aead"`
	CiphertextB64 string     `json:"ciphertext_b64"`
}

// Encrypt canonicalizes aad, serializes payload, and AES-256-GCM
// encrypts it under a freshly derived per-record key, binding the
// canonical AAD bytes into the authentication tag.
func Encrypt(payload interface{}, info Info, aad map[string]interface{}, passphrase string) (*Envelope, error) {
	aadBytes, err := canon.JSON(aad)
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "envelope: canonicalize aad: %s", err)
	}

	plaintext, err := json.Marshal(payload)
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "envelope: marshal payload: %s", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); nil != err {
		return nil, lmverr.New(lmverr.Internal, "envelope: read salt: %s", err)
	}

	key, err := deriveKey(passphrase, salt, scryptN, scryptR, scryptP, keyLen, string(info))
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "envelope: derive key: %s", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); nil != err {
		return nil, lmverr.New(lmverr.Internal, "envelope: read nonce: %s", err)
	}

	gcm, err := newGCM(key)
	if nil != err {
		return nil, lmverr.New(lmverr.Internal, "envelope: aead setup: %s", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, aadBytes)
	ciphertext, tag := splitTag(sealed, gcm.Overhead())

	return &Envelope{
		V: envelopeVers,
		KDF: KDFParams{
			Name: kdfName, N: scryptN, R: scryptR, P: scryptP, KeyLen: keyLen,
			SaltB64: base64.StdEncoding.EncodeToString(salt),
		},
		HKDF: HKDFParams{Name: hkdfName, Info: string(info)},
		AEAD: AEADParams{
			Alg:    aeadAlg,
			IVB64:  base64.StdEncoding.EncodeToString(nonce),
			TagB64: base64.StdEncoding.EncodeToString(tag),
			AADB64: base64.StdEncoding.EncodeToString(aadBytes),
		},
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt parses env, rejects a key-separation mismatch, decrypts with
// the recorded AAD, and returns both the decrypted payload and the AAD
// context - both as JSON objects so the caller can inspect or re-derive
// against them. Any malformed envelope, wrong info, or AEAD failure is
// reported as lmverr.Corruption, never as a more specific error: the
// caller cannot distinguish "wrong passphrase" from "bit flipped" and
// must not be encouraged to.
func Decrypt(env *Envelope, expectedInfo Info, passphrase string) (payload map[string]interface{}, aad map[string]interface{}, err error) {
	if nil == env {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: nil envelope")
	}
	if envelopeVers != env.V {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: unsupported version %d", env.V)
	}
	if kdfName != env.KDF.Name || aeadAlg != env.AEAD.Alg || hkdfName != env.HKDF.Name {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: unrecognised parameters")
	}
	if string(expectedInfo) != env.HKDF.Info {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: key-separation mismatch: expected %q got %q", expectedInfo, env.HKDF.Info)
	}

	decoded, err := decodeAll(env.KDF.SaltB64, env.AEAD.IVB64, env.AEAD.TagB64, env.AEAD.AADB64, env.CiphertextB64)
	if nil != err {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: malformed base64: %s", err)
	}
	saltBytes, nonce, tag, aadBytes, ciphertext := decoded[0], decoded[1], decoded[2], decoded[3], decoded[4]

	key, err := deriveKey(passphrase, saltBytes, env.KDF.N, env.KDF.R, env.KDF.P, env.KDF.KeyLen, env.HKDF.Info)
	if nil != err {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: derive key: %s", err)
	}

	gcm, err := newGCM(key)
	if nil != err {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: aead setup: %s", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, aadBytes)
	if nil != err {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: aead verify failed: %s", err)
	}

	payloadMap, err := parseObject(plaintext)
	if nil != err {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: plaintext is not a JSON object: %s", err)
	}
	aadMap, err := parseObject(aadBytes)
	if nil != err {
		return nil, nil, lmverr.New(lmverr.Corruption, "envelope: aad is not a JSON object: %s", err)
	}

	return payloadMap, aadMap, nil
}

func deriveKey(passphrase string, salt []byte, n, r, p, length int, info string) ([]byte, error) {
	master, err := scrypt.Key([]byte(passphrase), salt, n, r, p, length)
	if nil != err {
		return nil, err
	}
	kdf := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(kdf, key); nil != err {
		return nil, err
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if nil != err {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func splitTag(sealed []byte, overhead int) (ciphertext, tag []byte) {
	n := len(sealed) - overhead
	return sealed[:n], sealed[n:]
}

func decodeAll(values ...string) ([][]byte, error) {
	out := make([][]byte, len(values))
	for i, v := range values {
		b, err := base64.StdEncoding.DecodeString(v)
		if nil != err {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func parseObject(raw []byte) (map[string]interface{}, error) {
	return canon.ToMap(json.RawMessage(raw))
}
