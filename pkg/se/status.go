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

package se

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-psa/pkg/types"
)

// StatusError carries a raw status code reported by a driver.
type StatusError struct {
	Code types.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("se: driver status %s", e.Code)
}

// Unwrap returns the taxonomy error of the code.
func (e *StatusError) Unwrap() error {
	return TranslateStatus(e.Code)
}

// TranslateStatus maps a driver status code onto the error taxonomy. Success
// is nil and codes outside the taxonomy map to ErrGeneric.
func TranslateStatus(code types.Status) error {
	if code == types.StatusSuccess {
		return nil
	}
	if code == types.StatusInvalidHandle {
		return types.ErrDoesNotExist
	}
	return code.Err()
}

// Normalize makes sure an error returned by a driver belongs to the error
// taxonomy. Errors outside it are wrapped in ErrGeneric.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrGeneric) || types.StatusCode(err) != types.StatusGeneric {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrGeneric, err)
}
