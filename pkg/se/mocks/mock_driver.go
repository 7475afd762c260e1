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

// Package mocks provides testify based mocks of the secure element driver
// interfaces.
package mocks

import (
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/stretchr/testify/mock"
)

// Driver is a mock se.Driver. A nil group field makes the matching accessor
// report the group as unsupported.
type Driver struct {
	mock.Mock

	// Version defaults to se.HALVersion when zero.
	Version  uint32
	DataSize int

	KeyMgmt *KeyManagement
	MACs    *MAC
	Ciphers *Cipher
	Asym    *Asymmetric
	AEADs   *AEAD
}

// NewDriver returns a driver supporting key management and asymmetric
// operations.
func NewDriver() *Driver {
	return &Driver{
		KeyMgmt: &KeyManagement{},
		Asym:    &Asymmetric{},
	}
}

func (m *Driver) HALVersion() uint32 {
	if m.Version == 0 {
		return se.HALVersion
	}
	return m.Version
}

func (m *Driver) PersistentDataSize() int { return m.DataSize }

func (m *Driver) KeyManagement() se.KeyManagement {
	if m.KeyMgmt == nil {
		return nil
	}
	return m.KeyMgmt
}

func (m *Driver) MAC() se.MAC {
	if m.MACs == nil {
		return nil
	}
	return m.MACs
}

func (m *Driver) Cipher() se.Cipher {
	if m.Ciphers == nil {
		return nil
	}
	return m.Ciphers
}

func (m *Driver) Asymmetric() se.Asymmetric {
	if m.Asym == nil {
		return nil
	}
	return m.Asym
}

func (m *Driver) AEAD() se.AEAD {
	if m.AEADs == nil {
		return nil
	}
	return m.AEADs
}

func (m *Driver) KeyDerivation() se.KeyDerivation { return nil }

// InitDriver is a mock driver that also implements se.Initializer.
type InitDriver struct {
	Driver
}

func (m *InitDriver) Init(ctx *se.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// KeyManagement is a mock se.KeyManagement.
type KeyManagement struct {
	mock.Mock
}

func (m *KeyManagement) Allocate(ctx *se.Context, attrs types.KeyAttributes, method se.CreationMethod) (se.SlotNumber, error) {
	args := m.Called(ctx, attrs, method)
	return args.Get(0).(se.SlotNumber), args.Error(1)
}

func (m *KeyManagement) ValidateSlotNumber(ctx *se.Context, attrs types.KeyAttributes, method se.CreationMethod, slot se.SlotNumber) error {
	args := m.Called(ctx, attrs, method, slot)
	return args.Error(0)
}

func (m *KeyManagement) Import(ctx *se.Context, slot se.SlotNumber, attrs types.KeyAttributes, data []byte) (uint16, error) {
	args := m.Called(ctx, slot, attrs, data)
	return args.Get(0).(uint16), args.Error(1)
}

func (m *KeyManagement) Generate(ctx *se.Context, slot se.SlotNumber, attrs types.KeyAttributes) ([]byte, error) {
	args := m.Called(ctx, slot, attrs)
	return bytesArg(args, 0), args.Error(1)
}

func (m *KeyManagement) Destroy(ctx *se.Context, slot se.SlotNumber) error {
	args := m.Called(ctx, slot)
	return args.Error(0)
}

func (m *KeyManagement) Export(ctx *se.Context, slot se.SlotNumber) ([]byte, error) {
	args := m.Called(ctx, slot)
	return bytesArg(args, 0), args.Error(1)
}

func (m *KeyManagement) ExportPublic(ctx *se.Context, slot se.SlotNumber) ([]byte, error) {
	args := m.Called(ctx, slot)
	return bytesArg(args, 0), args.Error(1)
}

// MAC is a mock se.MAC.
type MAC struct {
	mock.Mock
}

func (m *MAC) Setup(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm) (se.MACOperation, error) {
	args := m.Called(ctx, slot, alg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(se.MACOperation), args.Error(1)
}

func (m *MAC) Generate(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, input []byte) ([]byte, error) {
	args := m.Called(ctx, slot, alg, input)
	return bytesArg(args, 0), args.Error(1)
}

func (m *MAC) Verify(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, input, mac []byte) error {
	args := m.Called(ctx, slot, alg, input, mac)
	return args.Error(0)
}

// Cipher is a mock se.Cipher.
type Cipher struct {
	mock.Mock
}

func (m *Cipher) Setup(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, dir types.Direction) (se.CipherOperation, error) {
	args := m.Called(ctx, slot, alg, dir)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(se.CipherOperation), args.Error(1)
}

func (m *Cipher) ECB(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, dir types.Direction, input []byte) ([]byte, error) {
	args := m.Called(ctx, slot, alg, dir, input)
	return bytesArg(args, 0), args.Error(1)
}

// Asymmetric is a mock se.Asymmetric.
type Asymmetric struct {
	mock.Mock
}

func (m *Asymmetric) Sign(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, hash []byte) ([]byte, error) {
	args := m.Called(ctx, slot, alg, hash)
	return bytesArg(args, 0), args.Error(1)
}

func (m *Asymmetric) Verify(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, hash, signature []byte) error {
	args := m.Called(ctx, slot, alg, hash, signature)
	return args.Error(0)
}

func (m *Asymmetric) Encrypt(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, input, salt []byte) ([]byte, error) {
	args := m.Called(ctx, slot, alg, input, salt)
	return bytesArg(args, 0), args.Error(1)
}

func (m *Asymmetric) Decrypt(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, input, salt []byte) ([]byte, error) {
	args := m.Called(ctx, slot, alg, input, salt)
	return bytesArg(args, 0), args.Error(1)
}

// AEAD is a mock se.AEAD.
type AEAD struct {
	mock.Mock
}

func (m *AEAD) Encrypt(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, nonce, additionalData, plaintext []byte) ([]byte, error) {
	args := m.Called(ctx, slot, alg, nonce, additionalData, plaintext)
	return bytesArg(args, 0), args.Error(1)
}

func (m *AEAD) Decrypt(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, nonce, additionalData, ciphertext []byte) ([]byte, error) {
	args := m.Called(ctx, slot, alg, nonce, additionalData, ciphertext)
	return bytesArg(args, 0), args.Error(1)
}

func bytesArg(args mock.Arguments, i int) []byte {
	if args.Get(i) == nil {
		return nil
	}
	return args.Get(i).([]byte)
}
