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

package engine

import (
	"fmt"

	"github.com/jeremyhahn/go-psa/internal/config"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/se/memse"
)

// NewDriver creates the secure element driver described by sc.
func NewDriver(sc config.SecureElementConfig, log logger.Logger) (se.Driver, error) {
	log = log.With(logger.String("driver", sc.Driver))
	switch sc.Driver {
	case config.DriverMemSE:
		return memse.New(memse.WithCapacity(sc.Capacity), memse.WithLogger(log)), nil
	case config.DriverPKCS11:
		return newPKCS11Driver(sc, log)
	default:
		return nil, fmt.Errorf("unknown secure element driver %q", sc.Driver)
	}
}
