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
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jeremyhahn/go-psa/pkg/types"
)

// Common errors
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
)

// statusTable maps engine errors onto HTTP status codes. The first match
// wins.
var statusTable = []struct {
	err  error
	code int
}{
	{ErrInvalidRequest, http.StatusBadRequest},
	{types.ErrDoesNotExist, http.StatusNotFound},
	{types.ErrNotPermitted, http.StatusForbidden},
	{types.ErrInvalidArgument, http.StatusBadRequest},
	{types.ErrBufferTooSmall, http.StatusBadRequest},
	{types.ErrNotSupported, http.StatusNotImplemented},
	{types.ErrAlreadyExists, http.StatusConflict},
	{types.ErrInsufficientStorage, http.StatusInsufficientStorage},
	{types.ErrBadState, http.StatusConflict},
	{types.ErrInvalidSignature, http.StatusUnprocessableEntity},
}

// mapErrorToStatusCode maps errors to HTTP status codes.
func mapErrorToStatusCode(err error) int {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return http.StatusInternalServerError
}

// writeError writes an error response to the client.
func writeError(w http.ResponseWriter, err error, statusCode int) {
	resp := ErrorResponse{
		Error: err.Error(),
		Code:  statusCode,
	}
	if !errors.Is(err, ErrInvalidRequest) {
		resp.Status = types.StatusString(err)
	}
	writeJSON(w, resp, statusCode)
}

// writeErrorWithMessage writes an error response with a custom message.
func writeErrorWithMessage(w http.ResponseWriter, err error, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   err.Error(),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// handleError maps err to a status code and writes the error response.
func handleError(w http.ResponseWriter, err error) {
	writeError(w, err, mapErrorToStatusCode(err))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}
