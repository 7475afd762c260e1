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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-psa/internal/engine"
	"github.com/jeremyhahn/go-psa/pkg/health"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// maxBodySize caps request bodies.
const maxBodySize = 1 << 20

// HandlerContext holds the engine shared by all handlers.
type HandlerContext struct {
	Engine        *engine.Engine
	Version       string
	HealthChecker HealthChecker
	log           logger.Logger
}

// HealthChecker is the probe interface used by the health handlers.
type HealthChecker interface {
	Live(ctx context.Context) health.CheckResult
	Ready(ctx context.Context) []health.CheckResult
	Startup(ctx context.Context) health.CheckResult
}

// NewHandlerContext creates a handler context over e.
func NewHandlerContext(e *engine.Engine, version string, log logger.Logger) *HandlerContext {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &HandlerContext{Engine: e, Version: version, log: log}
}

// SetHealthChecker sets the health checker.
func (h *HandlerContext) SetHealthChecker(checker HealthChecker) {
	h.HealthChecker = checker
}

func (h *HandlerContext) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := mapErrorToStatusCode(err)
	recordStatus(r, err)
	if code >= http.StatusInternalServerError && code != http.StatusNotImplemented {
		h.log.ErrorContext(r.Context(), op+" failed", logger.Error(err))
	} else {
		h.log.DebugContext(r.Context(), op+" failed", logger.Error(err))
	}
	writeError(w, err, code)
}

func decode(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func keyID(r *http.Request) (types.KeyID, error) {
	return engine.ParseKeyID(chi.URLParam(r, "id"))
}

// HealthHandler handles GET /health.
func (h *HandlerContext) HealthHandler(w http.ResponseWriter, r *http.Request) {
	stats := h.Engine.Crypto.Stats()
	resp := HealthResponse{
		Status:         health.StatusHealthy,
		Version:        h.Version,
		Slots:          make(map[string]SlotUsage),
		SecureElements: []uint32{},
	}
	for shape := slot.ShapeSingleKey; shape <= slot.ShapeProtected; shape++ {
		resp.Slots[shape.String()] = SlotUsage{InUse: stats.InUse[shape], Empty: stats.Empty[shape]}
	}
	for _, l := range h.Engine.Crypto.SecureElements() {
		resp.SecureElements = append(resp.SecureElements, uint32(l))
	}
	if h.HealthChecker != nil {
		resp.Checks = h.HealthChecker.Ready(r.Context())
		resp.Status = health.AggregateStatus(resp.Checks)
	}

	code := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(code)
		return
	}
	writeJSON(w, resp, code)
}

// ImportKeyHandler handles POST /v1/keys/import.
func (h *HandlerContext) ImportKeyHandler(w http.ResponseWriter, r *http.Request) {
	var req ImportKeyRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	attrs, err := req.Attributes()
	if err != nil {
		h.fail(w, r, "import", err)
		return
	}
	id, err := h.Engine.Crypto.ImportKey(attrs, req.Data)
	if err != nil {
		h.fail(w, r, "import", err)
		return
	}
	h.writeKey(w, r, id, http.StatusCreated)
}

// GenerateKeyHandler handles POST /v1/keys/generate.
func (h *HandlerContext) GenerateKeyHandler(w http.ResponseWriter, r *http.Request) {
	var req GenerateKeyRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	attrs, err := req.Attributes()
	if err != nil {
		h.fail(w, r, "generate", err)
		return
	}
	id, err := h.Engine.Crypto.GenerateKey(attrs)
	if err != nil {
		h.fail(w, r, "generate", err)
		return
	}
	h.writeKey(w, r, id, http.StatusCreated)
}

func (h *HandlerContext) writeKey(w http.ResponseWriter, r *http.Request, id types.KeyID, code int) {
	attrs, err := h.Engine.Crypto.GetKeyAttributes(id)
	if err != nil {
		h.fail(w, r, "get key", err)
		return
	}
	writeJSON(w, engine.Describe(attrs), code)
}

// ListKeysHandler handles GET /v1/keys.
func (h *HandlerContext) ListKeysHandler(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Engine.Crypto.ListKeys()
	if err != nil {
		h.fail(w, r, "list keys", err)
		return
	}
	resp := ListKeysResponse{Keys: make([]engine.KeyInfo, 0, len(keys))}
	for _, attrs := range keys {
		resp.Keys = append(resp.Keys, engine.Describe(attrs))
	}
	writeJSON(w, resp, http.StatusOK)
}

// GetKeyHandler handles GET /v1/keys/{id}.
func (h *HandlerContext) GetKeyHandler(w http.ResponseWriter, r *http.Request) {
	id, err := keyID(r)
	if err != nil {
		h.fail(w, r, "get key", err)
		return
	}
	h.writeKey(w, r, id, http.StatusOK)
}

// DeleteKeyHandler handles DELETE /v1/keys/{id}.
func (h *HandlerContext) DeleteKeyHandler(w http.ResponseWriter, r *http.Request) {
	id, err := keyID(r)
	if err != nil {
		h.fail(w, r, "destroy", err)
		return
	}
	if err := h.Engine.Destroy(id); err != nil {
		h.fail(w, r, "destroy", err)
		return
	}
	h.log.InfoContext(r.Context(), "key destroyed", logger.Stringer("key_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// ExportKeyHandler handles POST /v1/keys/{id}/export. The body is optional.
func (h *HandlerContext) ExportKeyHandler(w http.ResponseWriter, r *http.Request) {
	id, err := keyID(r)
	if err != nil {
		h.fail(w, r, "export", err)
		return
	}
	var req ExportKeyRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	data, err := h.Engine.Export(id, req.Public)
	if err != nil {
		h.fail(w, r, "export", err)
		return
	}
	writeJSON(w, ExportKeyResponse{Data: data, Public: req.Public}, http.StatusOK)
}

// signInput returns the message or hash and whether it is prehashed.
func signInput(message, hash []byte) ([]byte, bool, error) {
	if len(message) > 0 && len(hash) > 0 {
		return nil, false, fmt.Errorf("%w: message and hash are mutually exclusive", ErrInvalidRequest)
	}
	if len(hash) > 0 {
		return hash, true, nil
	}
	return message, false, nil
}

// SignHandler handles POST /v1/keys/{id}/sign.
func (h *HandlerContext) SignHandler(w http.ResponseWriter, r *http.Request) {
	id, err := keyID(r)
	if err != nil {
		h.fail(w, r, "sign", err)
		return
	}
	var req SignRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	alg, err := types.ParseAlgorithm(req.Algorithm)
	if err != nil {
		h.fail(w, r, "sign", err)
		return
	}
	input, prehashed, err := signInput(req.Message, req.Hash)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	sig, err := h.Engine.Sign(id, alg, input, prehashed)
	if err != nil {
		h.fail(w, r, "sign", err)
		return
	}
	writeJSON(w, SignResponse{Signature: sig, Algorithm: alg.String()}, http.StatusOK)
}

// VerifyHandler handles POST /v1/keys/{id}/verify.
func (h *HandlerContext) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	id, err := keyID(r)
	if err != nil {
		h.fail(w, r, "verify", err)
		return
	}
	var req VerifyRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	alg, err := types.ParseAlgorithm(req.Algorithm)
	if err != nil {
		h.fail(w, r, "verify", err)
		return
	}
	input, prehashed, err := signInput(req.Message, req.Hash)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if err := h.Engine.Verify(id, alg, input, req.Signature, prehashed); err != nil {
		h.fail(w, r, "verify", err)
		return
	}
	writeJSON(w, VerifyResponse{Valid: true}, http.StatusOK)
}

func (h *HandlerContext) cipherRequest(w http.ResponseWriter, r *http.Request, op string) (types.KeyID, types.Algorithm, *CipherRequest, bool) {
	id, err := keyID(r)
	if err != nil {
		h.fail(w, r, op, err)
		return 0, 0, nil, false
	}
	var req CipherRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return 0, 0, nil, false
	}
	alg, err := types.ParseAlgorithm(req.Algorithm)
	if err != nil {
		h.fail(w, r, op, err)
		return 0, 0, nil, false
	}
	return id, alg, &req, true
}

// EncryptHandler handles POST /v1/keys/{id}/encrypt.
func (h *HandlerContext) EncryptHandler(w http.ResponseWriter, r *http.Request) {
	id, alg, req, ok := h.cipherRequest(w, r, "encrypt")
	if !ok {
		return
	}
	out, nonce, err := h.Engine.Encrypt(id, alg, req.Input, req.Nonce, req.AdditionalData)
	if err != nil {
		h.fail(w, r, "encrypt", err)
		return
	}
	writeJSON(w, CipherResponse{Output: out, Nonce: nonce}, http.StatusOK)
}

// DecryptHandler handles POST /v1/keys/{id}/decrypt.
func (h *HandlerContext) DecryptHandler(w http.ResponseWriter, r *http.Request) {
	id, alg, req, ok := h.cipherRequest(w, r, "decrypt")
	if !ok {
		return
	}
	out, err := h.Engine.Decrypt(id, alg, req.Input, req.Nonce, req.AdditionalData)
	if err != nil {
		h.fail(w, r, "decrypt", err)
		return
	}
	writeJSON(w, CipherResponse{Output: out}, http.StatusOK)
}

// MACHandler handles POST /v1/keys/{id}/mac.
func (h *HandlerContext) MACHandler(w http.ResponseWriter, r *http.Request) {
	id, err := keyID(r)
	if err != nil {
		h.fail(w, r, "mac", err)
		return
	}
	var req MACRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	alg, err := types.ParseAlgorithm(req.Algorithm)
	if err != nil {
		h.fail(w, r, "mac", err)
		return
	}
	if len(req.MAC) > 0 {
		if err := h.Engine.Crypto.MACVerify(id, alg, req.Input, req.MAC); err != nil {
			h.fail(w, r, "mac verify", err)
			return
		}
		writeJSON(w, MACResponse{Valid: true}, http.StatusOK)
		return
	}
	mac, err := h.Engine.MAC(id, alg, req.Input)
	if err != nil {
		h.fail(w, r, "mac", err)
		return
	}
	writeJSON(w, MACResponse{MAC: mac}, http.StatusOK)
}

// HashHandler handles POST /v1/hash.
func (h *HandlerContext) HashHandler(w http.ResponseWriter, r *http.Request) {
	var req HashRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	alg, err := types.ParseAlgorithm(req.Algorithm)
	if err != nil {
		h.fail(w, r, "hash", err)
		return
	}
	if len(req.Hash) > 0 {
		if err := h.Engine.Crypto.HashCompare(alg, req.Input, req.Hash); err != nil {
			h.fail(w, r, "hash compare", err)
			return
		}
		writeJSON(w, HashResponse{Valid: true}, http.StatusOK)
		return
	}
	digest, err := h.Engine.Hash(alg, req.Input)
	if err != nil {
		h.fail(w, r, "hash", err)
		return
	}
	writeJSON(w, HashResponse{Hash: digest}, http.StatusOK)
}

// RandomHandler handles POST /v1/random.
func (h *HandlerContext) RandomHandler(w http.ResponseWriter, r *http.Request) {
	var req RandomRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	data, err := h.Engine.Random(req.Length)
	if err != nil {
		h.fail(w, r, "random", err)
		return
	}
	writeJSON(w, RandomResponse{Data: data}, http.StatusOK)
}
