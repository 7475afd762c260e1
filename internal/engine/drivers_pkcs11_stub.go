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

//go:build !pkcs11

package engine

import (
	"fmt"

	"github.com/jeremyhahn/go-psa/internal/config"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// newPKCS11Driver is a stub when PKCS#11 support is not compiled in
func newPKCS11Driver(sc config.SecureElementConfig, log logger.Logger) (se.Driver, error) {
	log.Warn("pkcs11 secure element configured but not compiled in (use -tags pkcs11)",
		logger.String("library", sc.Library))
	return nil, fmt.Errorf("%w: pkcs11 driver not compiled in", types.ErrNotSupported)
}
