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

// Package rest exposes a psa engine over HTTP.
//
// All binary fields travel as standard base64 strings. Key identifiers in
// paths accept decimal or 0x prefixed hexadecimal.
//
// # API Endpoints
//
// Health:
//   - GET /health - overall status, slot usage and secure elements
//   - GET /health/live, /health/ready, /health/startup - Kubernetes probes
//
// Keys (under /v1):
//   - POST   /keys/import       - import key material
//   - POST   /keys/generate     - generate a key
//   - GET    /keys              - list resident and persisted keys
//   - GET    /keys/{id}         - key attributes
//   - DELETE /keys/{id}         - destroy a key
//   - POST   /keys/{id}/export  - export key material or the public key
//
// Operations (under /v1):
//   - POST /keys/{id}/sign     - sign a message or hash
//   - POST /keys/{id}/verify   - verify a signature
//   - POST /keys/{id}/encrypt  - cipher or AEAD encryption
//   - POST /keys/{id}/decrypt  - cipher or AEAD decryption
//   - POST /keys/{id}/mac      - compute or verify a MAC
//   - POST /hash               - compute or compare a digest
//   - POST /random             - random bytes
//
// Metrics:
//   - GET /metrics - Prometheus exposition, when enabled
//
// # Errors
//
// Failures return an ErrorResponse whose status field carries the PSA
// status name, for example PSA_ERROR_DOES_NOT_EXIST.
package rest
