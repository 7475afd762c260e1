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

//go:build pkcs11

package engine

import (
	"github.com/jeremyhahn/go-psa/internal/config"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/se/pkcs11"
)

func newPKCS11Driver(sc config.SecureElementConfig, log logger.Logger) (se.Driver, error) {
	d, err := pkcs11.New(pkcs11.Config{
		Library:    sc.Library,
		TokenLabel: sc.Token,
		Slot:       sc.Slot,
		PIN:        sc.PIN,
	}, pkcs11.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return d, nil
}
