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

package memse

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var location = types.LocationPrimarySecureElement

func lifetime() types.KeyLifetime {
	return types.LifetimeFromPersistenceAndLocation(types.PersistenceDefault, location)
}

func register(t *testing.T, opts ...Option) (*Driver, *se.Entry) {
	t.Helper()
	d := New(opts...)
	reg := se.NewRegistry(0)
	require.NoError(t, reg.Register(location, d, nil))
	entry := reg.DriverFor(lifetime())
	require.NotNil(t, entry)
	require.Len(t, entry.Context.PersistentData, PersistentDataSize)
	return d, entry
}

func TestAllocateAndDestroy(t *testing.T) {
	d, entry := register(t, WithCapacity(2))
	km := d.KeyManagement()
	attrs := types.KeyAttributes{Type: types.KeyTypeAES, Lifetime: lifetime()}

	s0, err := se.AllocateSlot(attrs, se.CreationImport, entry)
	require.NoError(t, err)
	s1, err := se.AllocateSlot(attrs, se.CreationImport, entry)
	require.NoError(t, err)
	assert.Equal(t, se.SlotNumber(0), s0)
	assert.Equal(t, se.SlotNumber(1), s1)
	assert.Equal(t, []byte{0x03, 0, 0, 0, 0, 0, 0, 0}, entry.Context.PersistentData)

	_, err = se.AllocateSlot(attrs, se.CreationImport, entry)
	assert.ErrorIs(t, err, types.ErrInsufficientStorage)

	// a slot that was allocated but never filled can be destroyed
	require.NoError(t, se.DestroyOnElement(entry, s0))
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0, 0, 0, 0}, entry.Context.PersistentData)
	assert.ErrorIs(t, km.Destroy(entry.Context, s0), types.ErrDoesNotExist)

	again, err := se.AllocateSlot(attrs, se.CreationImport, entry)
	require.NoError(t, err)
	assert.Equal(t, s0, again)
}

func TestValidateSlotNumber(t *testing.T) {
	d, entry := register(t, WithCapacity(4))
	km := d.KeyManagement()
	attrs := types.KeyAttributes{Type: types.KeyTypeAES}

	require.NoError(t, km.ValidateSlotNumber(entry.Context, attrs, se.CreationImport, 3))
	assert.ErrorIs(t, km.ValidateSlotNumber(entry.Context, attrs, se.CreationImport, 3), types.ErrAlreadyExists)
	assert.ErrorIs(t, km.ValidateSlotNumber(entry.Context, attrs, se.CreationImport, 4), types.ErrInvalidArgument)
}

func TestImportExportSymmetric(t *testing.T) {
	d, entry := register(t)
	km := d.KeyManagement()
	attrs := types.KeyAttributes{Type: types.KeyTypeAES, Lifetime: lifetime()}
	key := bytes.Repeat([]byte{0x42}, 16)

	slot, err := km.Allocate(entry.Context, attrs, se.CreationImport)
	require.NoError(t, err)

	bits, err := km.Import(entry.Context, slot, attrs, key)
	require.NoError(t, err)
	assert.Equal(t, uint16(128), bits)
	assert.Equal(t, 1, d.Len())

	out, err := km.Export(entry.Context, slot)
	require.NoError(t, err)
	assert.Equal(t, key, out)

	_, err = km.Import(entry.Context, 9, attrs, key)
	assert.ErrorIs(t, err, types.ErrDoesNotExist, "slot not allocated")

	_, err = km.Import(entry.Context, slot, attrs, key[:5])
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	ct, err := d.Cipher().ECB(entry.Context, slot, types.AlgECBNoPadding, types.DirectionEncrypt, make([]byte, 16))
	require.NoError(t, err)
	pt, err := d.Cipher().ECB(entry.Context, slot, types.AlgECBNoPadding, types.DirectionDecrypt, ct)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), pt)

	require.NoError(t, km.Destroy(entry.Context, slot))
	assert.Equal(t, 0, d.Len())
	_, err = km.Export(entry.Context, slot)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)
}

func TestGenerateSignVerify(t *testing.T) {
	d, entry := register(t)
	km := d.KeyManagement()
	attrs := types.KeyAttributes{
		Type:     types.KeyTypeECCKeyPair(types.ECCFamilySecpR1),
		Bits:     256,
		Lifetime: lifetime(),
	}
	slot, err := km.Allocate(entry.Context, attrs, se.CreationGenerate)
	require.NoError(t, err)

	pub, err := km.Generate(entry.Context, slot, attrs)
	require.NoError(t, err)
	assert.Len(t, pub, 65)

	exported, err := km.ExportPublic(entry.Context, slot)
	require.NoError(t, err)
	assert.Equal(t, pub, exported)

	_, err = km.Export(entry.Context, slot)
	assert.ErrorIs(t, err, types.ErrNotPermitted)

	alg := types.AlgECDSA(types.AlgSHA256)
	h := sha256.Sum256([]byte("message"))
	sig, err := d.Asymmetric().Sign(entry.Context, slot, alg, h[:])
	require.NoError(t, err)
	require.NoError(t, d.Asymmetric().Verify(entry.Context, slot, alg, h[:], sig))

	sig[0] ^= 1
	assert.ErrorIs(t, d.Asymmetric().Verify(entry.Context, slot, alg, h[:], sig), types.ErrInvalidSignature)

	_, err = d.Asymmetric().Encrypt(entry.Context, slot, alg, nil, nil)
	assert.ErrorIs(t, err, se.ErrMethodNotSupported)
	assert.ErrorIs(t, err, types.ErrNotSupported)
}

func TestMACAndAEAD(t *testing.T) {
	d, entry := register(t)
	km := d.KeyManagement()

	hmacAttrs := types.KeyAttributes{Type: types.KeyTypeHMAC, Lifetime: lifetime()}
	hmacSlot, err := km.Allocate(entry.Context, hmacAttrs, se.CreationImport)
	require.NoError(t, err)
	_, err = km.Import(entry.Context, hmacSlot, hmacAttrs, []byte("secret key"))
	require.NoError(t, err)

	alg := types.AlgHMAC(types.AlgSHA256)
	tag, err := d.MAC().Generate(entry.Context, hmacSlot, alg, []byte("data"))
	require.NoError(t, err)
	assert.Len(t, tag, 32)
	require.NoError(t, d.MAC().Verify(entry.Context, hmacSlot, alg, []byte("data"), tag))
	assert.ErrorIs(t, d.MAC().Verify(entry.Context, hmacSlot, alg, []byte("other"), tag), types.ErrInvalidSignature)

	_, err = d.MAC().Setup(entry.Context, hmacSlot, alg)
	assert.ErrorIs(t, err, se.ErrMethodNotSupported)

	aesAttrs := types.KeyAttributes{Type: types.KeyTypeAES, Lifetime: lifetime()}
	aesSlot, err := km.Allocate(entry.Context, aesAttrs, se.CreationGenerate)
	require.NoError(t, err)
	aesAttrs.Bits = 256
	_, err = km.Generate(entry.Context, aesSlot, aesAttrs)
	require.NoError(t, err)

	nonce := make([]byte, 12)
	ct, err := d.AEAD().Encrypt(entry.Context, aesSlot, types.AlgGCM, nonce, []byte("ad"), []byte("plaintext"))
	require.NoError(t, err)
	pt, err := d.AEAD().Decrypt(entry.Context, aesSlot, types.AlgGCM, nonce, []byte("ad"), ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), pt)
}

func TestInitKeepsPersistentKeys(t *testing.T) {
	d, entry := register(t)
	km := d.KeyManagement()
	key := bytes.Repeat([]byte{0x11}, 16)

	persistent := types.KeyAttributes{Type: types.KeyTypeAES, Lifetime: lifetime()}
	kept, err := km.Allocate(entry.Context, persistent, se.CreationImport)
	require.NoError(t, err)
	_, err = km.Import(entry.Context, kept, persistent, key)
	require.NoError(t, err)

	volatile := types.KeyAttributes{
		Type:     types.KeyTypeAES,
		Lifetime: types.LifetimeFromPersistenceAndLocation(types.PersistenceVolatile, location),
	}
	dropped, err := km.Allocate(entry.Context, volatile, se.CreationImport)
	require.NoError(t, err)
	_, err = km.Import(entry.Context, dropped, volatile, key)
	require.NoError(t, err)

	// allocated but never filled
	_, err = km.Allocate(entry.Context, volatile, se.CreationImport)
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())

	// a fresh registration hands the driver zeroed persistent data
	ctx := &se.Context{Location: location, PersistentData: make([]byte, PersistentDataSize)}
	require.NoError(t, d.Init(ctx))
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, []byte{0x01, 0, 0, 0, 0, 0, 0, 0}, ctx.PersistentData)

	out, err := km.Export(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, key, out)
	_, err = km.Export(ctx, dropped)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)

	next, err := km.Allocate(ctx, persistent, se.CreationImport)
	require.NoError(t, err)
	assert.NotEqual(t, kept, next)
	assert.ErrorIs(t, km.ValidateSlotNumber(ctx, persistent, se.CreationImport, kept), types.ErrAlreadyExists)

	assert.ErrorIs(t, d.Init(&se.Context{Location: location}), types.ErrBadState)
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, DefaultSlots, New().Capacity())
	assert.Equal(t, MaxSlots, New(WithCapacity(1000)).Capacity())
	assert.Equal(t, DefaultSlots, New(WithCapacity(0)).Capacity())
	assert.Nil(t, New().KeyDerivation())
	assert.Equal(t, se.HALVersion, New().HALVersion())
}

func TestBadContext(t *testing.T) {
	d := New()
	_, err := d.KeyManagement().Allocate(&se.Context{}, types.KeyAttributes{}, se.CreationImport)
	assert.ErrorIs(t, err, types.ErrBadState)
}
