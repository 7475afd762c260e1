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

// Package dispatch routes key operations by key location. Keys in local
// storage go to the algorithm backend with the key material of their slot;
// keys on a secure element go to the registered driver with the slot number
// recorded at creation. Every method expects a slot the caller holds locked.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

// Dispatcher picks the backend or driver serving a key.
type Dispatcher struct {
	registry *se.Registry
	backend  backend.Backend
	log      logger.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New returns a dispatcher over the drivers of registry and the local
// backend b.
func New(registry *se.Registry, b backend.Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		backend:  b,
		log:      logger.NewNoOp(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Backend returns the local backend.
func (d *Dispatcher) Backend() backend.Backend { return d.backend }

// Driver resolves the driver of an external lifetime. Local lifetimes
// return nil and no error.
func (d *Dispatcher) Driver(lifetime types.KeyLifetime) (*se.Entry, error) {
	if lifetime.Location() == types.LocationLocalStorage {
		return nil, nil
	}
	entry := d.registry.DriverFor(lifetime)
	if entry == nil {
		return nil, fmt.Errorf("dispatch: %w: no secure element registered at location 0x%06x",
			types.ErrNotSupported, uint32(lifetime.Location()))
	}
	return entry, nil
}

func localKey(s *slot.Slot) backend.Key {
	return backend.Key{
		Attrs:  s.Attributes(),
		Data:   s.Key(),
		Public: s.PublicKey(),
	}
}

func unsupported(entry *se.Entry, group string) error {
	return fmt.Errorf("dispatch: %w: secure element at 0x%06x has no %s support",
		types.ErrNotSupported, uint32(entry.Location), group)
}

func (d *Dispatcher) driverError(entry *se.Entry, op string, err error) error {
	err = se.Normalize(err)
	d.log.Debug("secure element operation failed",
		logger.String("op", op),
		logger.Uint64("location", uint64(entry.Location)),
		logger.Error(err))
	return err
}

// =============================================================================
// Key management
// =============================================================================

// GenerateKey creates the key described by the slot attributes. Local keys
// are written into the slot; secure element keys are created in the slot
// number already recorded in s, caching the public key of a pair when the
// driver returns one.
func (d *Dispatcher) GenerateKey(s *slot.Slot) error {
	attrs := s.Attributes()
	entry, err := d.Driver(attrs.Lifetime)
	if err != nil {
		return err
	}
	if entry == nil {
		data, pub, err := d.backend.GenerateKey(attrs)
		if err != nil {
			return err
		}
		if err := s.SetKey(data); err != nil {
			return err
		}
		if len(pub) > 0 {
			return s.SetPublicKey(pub)
		}
		return nil
	}

	km := entry.Driver.KeyManagement()
	if km == nil {
		return unsupported(entry, "key management")
	}
	pub, err := km.Generate(entry.Context, se.SlotNumber(s.SlotNumber()), attrs)
	if err != nil {
		return d.driverError(entry, "generate", err)
	}
	if len(pub) > 0 && attrs.Type.IsKeyPair() {
		return s.SetPublicKey(pub)
	}
	return nil
}

// ImportKey stores data as the key of s and returns its size in bits.
func (d *Dispatcher) ImportKey(s *slot.Slot, data []byte) (uint16, error) {
	attrs := s.Attributes()
	entry, err := d.Driver(attrs.Lifetime)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		bits, pub, err := d.backend.ImportKey(attrs, data)
		if err != nil {
			return 0, err
		}
		if err := s.SetKey(data); err != nil {
			return 0, err
		}
		if len(pub) > 0 {
			if err := s.SetPublicKey(pub); err != nil {
				return 0, err
			}
		}
		return bits, nil
	}

	km := entry.Driver.KeyManagement()
	if km == nil {
		return 0, unsupported(entry, "key management")
	}
	bits, err := km.Import(entry.Context, se.SlotNumber(s.SlotNumber()), attrs, data)
	if err != nil {
		return 0, d.driverError(entry, "import", err)
	}
	if attrs.Type.IsPublicKey() {
		// public keys stay readable without a driver round trip
		if err := s.SetPublicKey(data); err != nil {
			return 0, err
		}
	}
	return bits, nil
}

// ExportKey returns the key material of s.
func (d *Dispatcher) ExportKey(s *slot.Slot) ([]byte, error) {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		out := make([]byte, len(s.Key()))
		copy(out, s.Key())
		return out, nil
	}
	km := entry.Driver.KeyManagement()
	if km == nil {
		return nil, unsupported(entry, "key management")
	}
	out, err := km.Export(entry.Context, se.SlotNumber(s.SlotNumber()))
	if err != nil {
		return nil, d.driverError(entry, "export", err)
	}
	return out, nil
}

// ExportPublicKey returns the public key of s. A public key cached in the
// slot is returned without asking the driver.
func (d *Dispatcher) ExportPublicKey(s *slot.Slot) ([]byte, error) {
	attrs := s.Attributes()
	entry, err := d.Driver(attrs.Lifetime)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return d.backend.ExportPublicKey(localKey(s))
	}
	if cached := s.PublicKey(); len(cached) > 0 {
		out := make([]byte, len(cached))
		copy(out, cached)
		return out, nil
	}
	km := entry.Driver.KeyManagement()
	if km == nil {
		return nil, unsupported(entry, "key management")
	}
	out, err := km.ExportPublic(entry.Context, se.SlotNumber(s.SlotNumber()))
	if err != nil {
		return nil, d.driverError(entry, "export public", err)
	}
	return out, nil
}

// =============================================================================
// Asymmetric
// =============================================================================

// SignHash signs a precomputed hash.
func (d *Dispatcher) SignHash(s *slot.Slot, alg types.Algorithm, hash []byte) ([]byte, error) {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return d.backend.SignHash(localKey(s), alg, hash)
	}
	return d.seSign(entry, s, alg, hash)
}

// VerifyHash verifies a signature over a precomputed hash.
func (d *Dispatcher) VerifyHash(s *slot.Slot, alg types.Algorithm, hash, signature []byte) error {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return err
	}
	if entry == nil {
		return d.backend.VerifyHash(localKey(s), alg, hash, signature)
	}
	return d.seVerify(entry, s, alg, hash, signature)
}

// SignMessage hashes message with the hash of alg and signs it. A secure
// element only signs hashes, so the message is hashed by the local backend
// first; algorithms without a hash step are not supported there.
func (d *Dispatcher) SignMessage(s *slot.Slot, alg types.Algorithm, message []byte) ([]byte, error) {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return d.backend.SignMessage(localKey(s), alg, message)
	}
	hash, err := d.hashMessage(alg, message)
	if err != nil {
		return nil, err
	}
	return d.seSign(entry, s, alg, hash)
}

// VerifyMessage verifies a signature over message.
func (d *Dispatcher) VerifyMessage(s *slot.Slot, alg types.Algorithm, message, signature []byte) error {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return err
	}
	if entry == nil {
		return d.backend.VerifyMessage(localKey(s), alg, message, signature)
	}
	hash, err := d.hashMessage(alg, message)
	if err != nil {
		return err
	}
	return d.seVerify(entry, s, alg, hash, signature)
}

func (d *Dispatcher) hashMessage(alg types.Algorithm, message []byte) ([]byte, error) {
	h := alg.Hash()
	if h == 0 || !alg.IsSignHash() {
		return nil, fmt.Errorf("dispatch: %w: %s cannot sign on a secure element", types.ErrNotSupported, alg)
	}
	op, err := d.backend.HashSetup(h)
	if err != nil {
		return nil, err
	}
	if err := op.Update(message); err != nil {
		_ = op.Abort()
		return nil, err
	}
	return op.Finish()
}

func (d *Dispatcher) seSign(entry *se.Entry, s *slot.Slot, alg types.Algorithm, hash []byte) ([]byte, error) {
	asym := entry.Driver.Asymmetric()
	if asym == nil {
		return nil, unsupported(entry, "asymmetric")
	}
	sig, err := asym.Sign(entry.Context, se.SlotNumber(s.SlotNumber()), alg, hash)
	if err != nil {
		return nil, d.driverError(entry, "sign", err)
	}
	return sig, nil
}

func (d *Dispatcher) seVerify(entry *se.Entry, s *slot.Slot, alg types.Algorithm, hash, signature []byte) error {
	asym := entry.Driver.Asymmetric()
	if asym == nil {
		return unsupported(entry, "asymmetric")
	}
	if err := asym.Verify(entry.Context, se.SlotNumber(s.SlotNumber()), alg, hash, signature); err != nil {
		return d.driverError(entry, "verify", err)
	}
	return nil
}

// =============================================================================
// MAC
// =============================================================================

// MACCompute computes the MAC of input.
func (d *Dispatcher) MACCompute(s *slot.Slot, alg types.Algorithm, input []byte) ([]byte, error) {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return d.backend.MACCompute(localKey(s), alg, input)
	}
	mac := entry.Driver.MAC()
	if mac == nil {
		return nil, unsupported(entry, "mac")
	}
	out, err := mac.Generate(entry.Context, se.SlotNumber(s.SlotNumber()), alg, input)
	if err != nil {
		return nil, d.driverError(entry, "mac generate", err)
	}
	return out, nil
}

// MACVerify checks mac against the MAC of input.
func (d *Dispatcher) MACVerify(s *slot.Slot, alg types.Algorithm, input, mac []byte) error {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return err
	}
	if entry == nil {
		return d.backend.MACVerify(localKey(s), alg, input, mac)
	}
	group := entry.Driver.MAC()
	if group == nil {
		return unsupported(entry, "mac")
	}
	if err := group.Verify(entry.Context, se.SlotNumber(s.SlotNumber()), alg, input, mac); err != nil {
		return d.driverError(entry, "mac verify", err)
	}
	return nil
}

// =============================================================================
// Cipher
// =============================================================================

// CipherEncrypt encrypts input under iv. The IV is not part of the output.
func (d *Dispatcher) CipherEncrypt(s *slot.Slot, alg types.Algorithm, iv, input []byte) ([]byte, error) {
	return d.cipher(s, alg, types.DirectionEncrypt, iv, input)
}

// CipherDecrypt decrypts input under iv.
func (d *Dispatcher) CipherDecrypt(s *slot.Slot, alg types.Algorithm, iv, input []byte) ([]byte, error) {
	return d.cipher(s, alg, types.DirectionDecrypt, iv, input)
}

func (d *Dispatcher) cipher(s *slot.Slot, alg types.Algorithm, dir types.Direction, iv, input []byte) ([]byte, error) {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		if dir == types.DirectionEncrypt {
			return d.backend.CipherEncrypt(localKey(s), alg, iv, input)
		}
		return d.backend.CipherDecrypt(localKey(s), alg, iv, input)
	}

	group := entry.Driver.Cipher()
	if group == nil {
		return nil, unsupported(entry, "cipher")
	}
	number := se.SlotNumber(s.SlotNumber())
	if alg == types.AlgECBNoPadding {
		out, err := group.ECB(entry.Context, number, alg, dir, input)
		if err != nil {
			return nil, d.driverError(entry, "cipher ecb", err)
		}
		return out, nil
	}

	op, err := group.Setup(entry.Context, number, alg, dir)
	if err != nil {
		return nil, d.driverError(entry, "cipher setup", err)
	}
	out, err := runCipher(op, iv, input)
	if err != nil {
		_ = op.Abort()
		return nil, d.driverError(entry, "cipher", err)
	}
	return out, nil
}

func runCipher(op backend.CipherOperation, iv, input []byte) ([]byte, error) {
	if len(iv) > 0 {
		if err := op.SetIV(iv); err != nil {
			return nil, err
		}
	}
	out, err := op.Update(input)
	if err != nil {
		return nil, err
	}
	last, err := op.Finish()
	if err != nil {
		return nil, err
	}
	return append(out, last...), nil
}

// CipherSetup starts a multi-part cipher operation. A secure element that
// only offers single-shot ECB is driven block by block.
func (d *Dispatcher) CipherSetup(s *slot.Slot, alg types.Algorithm, dir types.Direction) (backend.CipherOperation, error) {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return d.backend.CipherSetup(localKey(s), alg, dir)
	}
	group := entry.Driver.Cipher()
	if group == nil {
		return nil, unsupported(entry, "cipher")
	}
	number := se.SlotNumber(s.SlotNumber())
	op, err := group.Setup(entry.Context, number, alg, dir)
	if err == nil {
		return op, nil
	}
	if alg == types.AlgECBNoPadding && errors.Is(err, types.ErrNotSupported) {
		if s.Attributes().Type.BlockLength() <= 1 {
			return nil, fmt.Errorf("dispatch: %w: ecb needs a block cipher key", types.ErrInvalidArgument)
		}
		return &ecbOperation{
			entry:  entry,
			group:  group,
			number: number,
			alg:    alg,
			dir:    dir,
			block:  s.Attributes().Type.BlockLength(),
		}, nil
	}
	return nil, d.driverError(entry, "cipher setup", err)
}

// ecbOperation feeds whole blocks to the single-shot ECB method of a driver.
type ecbOperation struct {
	entry   *se.Entry
	group   se.Cipher
	number  se.SlotNumber
	alg     types.Algorithm
	dir     types.Direction
	block   int
	pending []byte
	done    bool
}

func (o *ecbOperation) SetIV([]byte) error {
	return fmt.Errorf("dispatch: %w: ecb takes no iv", types.ErrBadState)
}

func (o *ecbOperation) Update(input []byte) ([]byte, error) {
	if o.done {
		return nil, fmt.Errorf("dispatch: %w: operation finished", types.ErrBadState)
	}
	o.pending = append(o.pending, input...)
	n := len(o.pending) - len(o.pending)%o.block
	if n == 0 {
		return nil, nil
	}
	out, err := o.group.ECB(o.entry.Context, o.number, o.alg, o.dir, o.pending[:n])
	if err != nil {
		return nil, se.Normalize(err)
	}
	o.pending = append(o.pending[:0], o.pending[n:]...)
	return out, nil
}

func (o *ecbOperation) Finish() ([]byte, error) {
	if o.done {
		return nil, fmt.Errorf("dispatch: %w: operation finished", types.ErrBadState)
	}
	o.done = true
	if len(o.pending) != 0 {
		return nil, fmt.Errorf("dispatch: %w: input is not a multiple of the block size", types.ErrInvalidArgument)
	}
	return nil, nil
}

func (o *ecbOperation) Abort() error {
	o.done = true
	o.pending = nil
	return nil
}

// =============================================================================
// AEAD
// =============================================================================

// AEADEncrypt encrypts and authenticates plaintext. The tag is appended to
// the ciphertext.
func (d *Dispatcher) AEADEncrypt(s *slot.Slot, alg types.Algorithm, nonce, additionalData, plaintext []byte) ([]byte, error) {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return d.backend.AEADEncrypt(localKey(s), alg, nonce, additionalData, plaintext)
	}
	group := entry.Driver.AEAD()
	if group == nil {
		return nil, unsupported(entry, "aead")
	}
	out, err := group.Encrypt(entry.Context, se.SlotNumber(s.SlotNumber()), alg, nonce, additionalData, plaintext)
	if err != nil {
		return nil, d.driverError(entry, "aead encrypt", err)
	}
	return out, nil
}

// AEADDecrypt authenticates and decrypts ciphertext.
func (d *Dispatcher) AEADDecrypt(s *slot.Slot, alg types.Algorithm, nonce, additionalData, ciphertext []byte) ([]byte, error) {
	entry, err := d.Driver(s.Attributes().Lifetime)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return d.backend.AEADDecrypt(localKey(s), alg, nonce, additionalData, ciphertext)
	}
	group := entry.Driver.AEAD()
	if group == nil {
		return nil, unsupported(entry, "aead")
	}
	out, err := group.Decrypt(entry.Context, se.SlotNumber(s.SlotNumber()), alg, nonce, additionalData, ciphertext)
	if err != nil {
		return nil, d.driverError(entry, "aead decrypt", err)
	}
	return out, nil
}

// =============================================================================
// Keyless operations
// =============================================================================

// HashSetup starts a hash computation on the local backend.
func (d *Dispatcher) HashSetup(alg types.Algorithm) (backend.HashOperation, error) {
	return d.backend.HashSetup(alg)
}

// GenerateRandom fills out from the local backend.
func (d *Dispatcher) GenerateRandom(out []byte) error {
	return d.backend.GenerateRandom(out)
}
