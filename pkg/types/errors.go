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

package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// Status Taxonomy
// =============================================================================

var (
	// ErrGeneric is an error that does not fit any other category.
	ErrGeneric = errors.New("generic error")

	// ErrNotSupported means the operation or parameter is not supported.
	ErrNotSupported = errors.New("not supported")

	// ErrNotPermitted means the key policy forbids the operation.
	ErrNotPermitted = errors.New("not permitted")

	// ErrBufferTooSmall means an output buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrAlreadyExists means a key with the requested identifier exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrDoesNotExist means no key with the requested identifier exists.
	ErrDoesNotExist = errors.New("does not exist")

	// ErrBadState means the engine or operation object is in the wrong state.
	ErrBadState = errors.New("bad state")

	// ErrInvalidArgument means a parameter is invalid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientMemory means a fixed capacity table is full.
	ErrInsufficientMemory = errors.New("insufficient memory")

	// ErrInsufficientStorage means no key slot is available.
	ErrInsufficientStorage = errors.New("insufficient storage")

	// ErrCommunicationFailure means talking to a secure element failed.
	ErrCommunicationFailure = errors.New("communication failure")

	// ErrStorageFailure means the persistent storage failed.
	ErrStorageFailure = errors.New("storage failure")

	// ErrHardwareFailure means a hardware component failed.
	ErrHardwareFailure = errors.New("hardware failure")

	// ErrInsufficientEntropy means the random source failed.
	ErrInsufficientEntropy = errors.New("insufficient entropy")

	// ErrInvalidSignature means a signature, MAC or hash did not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidPadding means decrypted data had invalid padding.
	ErrInvalidPadding = errors.New("invalid padding")

	// ErrInsufficientData means a source ran out of data.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrCorruptionDetected means an internal invariant was violated.
	ErrCorruptionDetected = errors.New("corruption detected")

	// ErrDataCorrupt means persisted data failed to decode.
	ErrDataCorrupt = errors.New("data corrupt")

	// ErrDataInvalid means persisted data decoded but is not acceptable.
	ErrDataInvalid = errors.New("data invalid")
)

// Status is the numeric status code of the PSA Crypto API.
type Status int32

const (
	StatusSuccess              Status = 0
	StatusGeneric              Status = -132
	StatusNotPermitted         Status = -133
	StatusNotSupported         Status = -134
	StatusInvalidArgument      Status = -135
	StatusInvalidHandle        Status = -136
	StatusBadState             Status = -137
	StatusBufferTooSmall       Status = -138
	StatusAlreadyExists        Status = -139
	StatusDoesNotExist         Status = -140
	StatusInsufficientMemory   Status = -141
	StatusInsufficientStorage  Status = -142
	StatusInsufficientData     Status = -143
	StatusCommunicationFailure Status = -145
	StatusStorageFailure       Status = -146
	StatusHardwareFailure      Status = -147
	StatusInsufficientEntropy  Status = -148
	StatusInvalidSignature     Status = -149
	StatusInvalidPadding       Status = -150
	StatusCorruptionDetected   Status = -151
	StatusDataCorrupt          Status = -152
	StatusDataInvalid          Status = -153
)

var statusTable = []struct {
	status Status
	err    error
	name   string
}{
	{StatusNotPermitted, ErrNotPermitted, "PSA_ERROR_NOT_PERMITTED"},
	{StatusNotSupported, ErrNotSupported, "PSA_ERROR_NOT_SUPPORTED"},
	{StatusInvalidArgument, ErrInvalidArgument, "PSA_ERROR_INVALID_ARGUMENT"},
	{StatusBadState, ErrBadState, "PSA_ERROR_BAD_STATE"},
	{StatusBufferTooSmall, ErrBufferTooSmall, "PSA_ERROR_BUFFER_TOO_SMALL"},
	{StatusAlreadyExists, ErrAlreadyExists, "PSA_ERROR_ALREADY_EXISTS"},
	{StatusDoesNotExist, ErrDoesNotExist, "PSA_ERROR_DOES_NOT_EXIST"},
	{StatusInsufficientMemory, ErrInsufficientMemory, "PSA_ERROR_INSUFFICIENT_MEMORY"},
	{StatusInsufficientStorage, ErrInsufficientStorage, "PSA_ERROR_INSUFFICIENT_STORAGE"},
	{StatusInsufficientData, ErrInsufficientData, "PSA_ERROR_INSUFFICIENT_DATA"},
	{StatusCommunicationFailure, ErrCommunicationFailure, "PSA_ERROR_COMMUNICATION_FAILURE"},
	{StatusStorageFailure, ErrStorageFailure, "PSA_ERROR_STORAGE_FAILURE"},
	{StatusHardwareFailure, ErrHardwareFailure, "PSA_ERROR_HARDWARE_FAILURE"},
	{StatusInsufficientEntropy, ErrInsufficientEntropy, "PSA_ERROR_INSUFFICIENT_ENTROPY"},
	{StatusInvalidSignature, ErrInvalidSignature, "PSA_ERROR_INVALID_SIGNATURE"},
	{StatusInvalidPadding, ErrInvalidPadding, "PSA_ERROR_INVALID_PADDING"},
	{StatusCorruptionDetected, ErrCorruptionDetected, "PSA_ERROR_CORRUPTION_DETECTED"},
	{StatusDataCorrupt, ErrDataCorrupt, "PSA_ERROR_DATA_CORRUPT"},
	{StatusDataInvalid, ErrDataInvalid, "PSA_ERROR_DATA_INVALID"},
	{StatusGeneric, ErrGeneric, "PSA_ERROR_GENERIC_ERROR"},
}

// StatusCode maps err onto its status code. A nil error is StatusSuccess and
// an error outside the taxonomy is StatusGeneric.
func StatusCode(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return StatusGeneric
}

// Err returns the sentinel error of the status, or nil for StatusSuccess.
// Unknown codes map to ErrGeneric.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	for _, e := range statusTable {
		if e.status == s {
			return e.err
		}
	}
	return ErrGeneric
}

// String returns the symbolic name of the status.
func (s Status) String() string {
	if s == StatusSuccess {
		return "PSA_SUCCESS"
	}
	if s == StatusInvalidHandle {
		return "PSA_ERROR_INVALID_HANDLE"
	}
	for _, e := range statusTable {
		if e.status == s {
			return e.name
		}
	}
	return fmt.Sprintf("PSA_ERROR_UNKNOWN(%d)", int32(s))
}

// StatusString returns the symbolic status name of err.
func StatusString(err error) string {
	return StatusCode(err).String()
}
