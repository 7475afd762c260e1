// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-psa.
//
// go-psa is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/jeremyhahn/go-psa/pkg/health"
)

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         health.Status        `json:"status"`
	Version        string               `json:"version,omitempty"`
	Slots          map[string]SlotUsage `json:"slots"`
	SecureElements []uint32             `json:"secure_elements"`
	Checks         []health.CheckResult `json:"checks,omitempty"`
}

// SlotUsage is the occupancy of one slot pool.
type SlotUsage struct {
	InUse int `json:"in_use"`
	Empty int `json:"empty"`
}

// ImportKeyRequest imports key material with the given attributes.
type ImportKeyRequest struct {
	engine.KeySpec
	Data []byte `json:"data"`
}

// GenerateKeyRequest generates a key with the given attributes.
type GenerateKeyRequest struct {
	engine.KeySpec
}

// ListKeysResponse lists key attributes.
type ListKeysResponse struct {
	Keys []engine.KeyInfo `json:"keys"`
}

// ExportKeyRequest selects the key material or the public key.
type ExportKeyRequest struct {
	Public bool `json:"public,omitempty"`
}

// ExportKeyResponse carries exported key material.
type ExportKeyResponse struct {
	Data   []byte `json:"data"`
	Public bool   `json:"public"`
}

// SignRequest signs Message, or Hash when Message is empty.
type SignRequest struct {
	Algorithm string `json:"algorithm"`
	Message   []byte `json:"message,omitempty"`
	Hash      []byte `json:"hash,omitempty"`
}

// SignResponse carries a signature.
type SignResponse struct {
	Signature []byte `json:"signature"`
	Algorithm string `json:"algorithm"`
}

// VerifyRequest verifies Signature over Message, or over Hash when Message
// is empty.
type VerifyRequest struct {
	Algorithm string `json:"algorithm"`
	Message   []byte `json:"message,omitempty"`
	Hash      []byte `json:"hash,omitempty"`
	Signature []byte `json:"signature"`
}

// VerifyResponse reports a valid signature. Invalid signatures are
// returned as errors.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// CipherRequest drives encrypt and decrypt. Nonce and AdditionalData apply
// to AEAD algorithms only.
type CipherRequest struct {
	Algorithm      string `json:"algorithm"`
	Input          []byte `json:"input"`
	Nonce          []byte `json:"nonce,omitempty"`
	AdditionalData []byte `json:"additional_data,omitempty"`
}

// CipherResponse carries the output and, for AEAD encryption, the nonce.
type CipherResponse struct {
	Output []byte `json:"output"`
	Nonce  []byte `json:"nonce,omitempty"`
}

// MACRequest computes a MAC, or verifies MAC when it is set.
type MACRequest struct {
	Algorithm string `json:"algorithm"`
	Input     []byte `json:"input"`
	MAC       []byte `json:"mac,omitempty"`
}

// MACResponse carries the computed MAC or the verification outcome.
type MACResponse struct {
	MAC   []byte `json:"mac,omitempty"`
	Valid bool   `json:"valid,omitempty"`
}

// HashRequest computes a digest, or compares against Hash when it is set.
type HashRequest struct {
	Algorithm string `json:"algorithm"`
	Input     []byte `json:"input"`
	Hash      []byte `json:"hash,omitempty"`
}

// HashResponse carries the digest or the comparison outcome.
type HashResponse struct {
	Hash  []byte `json:"hash,omitempty"`
	Valid bool   `json:"valid,omitempty"`
}

// RandomRequest asks for Length random bytes.
type RandomRequest struct {
	Length int `json:"length"`
}

// RandomResponse carries random bytes.
type RandomResponse struct {
	Data []byte `json:"data"`
}
