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

package psa

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/se/memse"
	"github.com/jeremyhahn/go-psa/pkg/se/mocks"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var seLocation = types.LocationPrimarySecureElement

func seLifetime() types.KeyLifetime {
	return types.LifetimeFromPersistenceAndLocation(types.PersistenceVolatile, seLocation)
}

func TestRegisterSecureElement(t *testing.T) {
	rec := newCountingRecorder()
	c := newTestCrypto(t, WithMetrics(rec))

	require.NoError(t, c.RegisterSecureElement(seLocation, memse.New(), nil))
	assert.ErrorIs(t, c.RegisterSecureElement(seLocation, memse.New(), nil), types.ErrAlreadyExists)
	assert.ErrorIs(t, c.RegisterSecureElement(types.LocationLocalStorage, memse.New(), nil), types.ErrInvalidArgument)
	assert.ErrorIs(t, c.RegisterSecureElement(types.LocationSEMin, nil, nil), types.ErrInvalidArgument)
	assert.ErrorIs(t, c.RegisterSecureElement(types.LocationSEMin, &mocks.Driver{Version: 1}, nil), types.ErrNotSupported)

	assert.Equal(t, []types.KeyLocation{seLocation}, c.SecureElements())
	assert.Equal(t, 1, rec.drivers)

	require.NoError(t, c.Reset())
	assert.Empty(t, c.SecureElements())
	assert.Zero(t, rec.drivers)
}

func TestSecureElementSymmetricKey(t *testing.T) {
	c := newTestCrypto(t)
	drv := memse.New(memse.WithCapacity(4))
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))

	id, err := c.ImportKey(types.KeyAttributes{
		Type:     types.KeyTypeAES,
		Lifetime: seLifetime(),
		Policy:   types.KeyPolicy{Usage: cipherUsages | types.UsageExport, Algorithm: types.AlgGCM},
	}, bytes.Repeat([]byte{4}, 16))
	require.NoError(t, err)
	assert.Equal(t, 1, drv.Len())
	assert.Equal(t, 1, c.Stats().InUse[slot.ShapeProtected])

	attrs, err := c.GetKeyAttributes(id)
	require.NoError(t, err)
	assert.Equal(t, uint16(128), attrs.Bits)

	nonce := make([]byte, 12)
	ct := make([]byte, 32)
	n, err := c.AEADEncrypt(id, types.AlgGCM, nonce, nil, []byte("sealed"), ct)
	require.NoError(t, err)
	pt := make([]byte, 16)
	m, err := c.AEADDecrypt(id, types.AlgGCM, nonce, nil, ct[:n], pt)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), pt[:m])

	_, err = c.ExportKey(id, make([]byte, 16))
	assert.ErrorIs(t, err, types.ErrNotSupported, "secure element keys stay on the element")

	require.NoError(t, c.DestroyKey(id))
	assert.Zero(t, drv.Len())
	assert.Zero(t, c.Stats().InUse[slot.ShapeProtected])
}

func TestSecureElementKeyPair(t *testing.T) {
	c := newTestCrypto(t)
	drv := memse.New()
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))
	alg := types.AlgECDSA(types.AlgSHA256)

	id, err := c.GenerateKey(types.KeyAttributes{
		Type:     types.KeyTypeECCKeyPair(types.ECCFamilySecpR1),
		Bits:     256,
		Lifetime: seLifetime(),
		Policy:   types.KeyPolicy{Usage: signUsages, Algorithm: alg},
	})
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("on the element"))
	sig := make([]byte, 64)
	n, err := c.SignHash(id, alg, digest[:], sig)
	require.NoError(t, err)
	require.Equal(t, 64, n)

	assert.ErrorIs(t, c.VerifyHash(id, alg, digest[:], sig), types.ErrNotSupported,
		"element key pairs verify through their public key")

	pub := make([]byte, 65)
	n, err = c.ExportPublicKey(id, pub)
	require.NoError(t, err)
	pubID, err := c.ImportKey(types.KeyAttributes{
		Type:   types.KeyTypeECCPublicKey(types.ECCFamilySecpR1),
		Policy: types.KeyPolicy{Usage: types.UsageVerifyHash, Algorithm: alg},
	}, pub[:n])
	require.NoError(t, err)
	require.NoError(t, c.VerifyHash(pubID, alg, digest[:], sig))

	// messages are hashed locally and signed on the element
	msg := []byte("message")
	n, err = c.SignMessage(id, alg, msg, sig)
	require.NoError(t, err)
	h := sha256.Sum256(msg)
	assert.NoError(t, c.VerifyHash(pubID, alg, h[:], sig[:n]))
}

func TestSecureElementCapacity(t *testing.T) {
	rec := newCountingRecorder()
	c := newTestCrypto(t, WithMetrics(rec))
	require.NoError(t, c.RegisterSecureElement(seLocation, memse.New(memse.WithCapacity(1)), nil))

	attrs := types.KeyAttributes{
		Type:     types.KeyTypeAES,
		Lifetime: seLifetime(),
		Policy:   types.KeyPolicy{Usage: types.UsageEncrypt, Algorithm: types.AlgGCM},
	}
	_, err := c.ImportKey(attrs, make([]byte, 16))
	require.NoError(t, err)

	_, err = c.ImportKey(attrs, make([]byte, 16))
	assert.ErrorIs(t, err, types.ErrInsufficientStorage)
	assert.Equal(t, 1, rec.rollbacks)
	assert.Equal(t, 1, c.Stats().InUse[slot.ShapeProtected], "the failed import gives its slot back")
}

func TestSecureElementAllocateFailure(t *testing.T) {
	c := newTestCrypto(t)
	drv := mocks.NewDriver()
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))

	drv.KeyMgmt.On("Allocate", mock.Anything, mock.Anything, se.CreationImport).
		Return(se.SlotNumber(0), types.ErrInsufficientStorage).Once()

	_, err := c.ImportKey(types.KeyAttributes{Type: types.KeyTypeAES, Lifetime: seLifetime()}, make([]byte, 16))
	assert.ErrorIs(t, err, types.ErrInsufficientStorage)

	// nothing was placed on the element, so nothing is destroyed
	drv.KeyMgmt.AssertNotCalled(t, "Destroy", mock.Anything, mock.Anything)
	drv.KeyMgmt.AssertExpectations(t)
}

func TestSecureElementImportRollback(t *testing.T) {
	rec := newCountingRecorder()
	c := newTestCrypto(t, WithMetrics(rec))
	drv := mocks.NewDriver()
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))
	key := make([]byte, 16)

	drv.KeyMgmt.On("Allocate", mock.Anything, mock.Anything, se.CreationImport).Return(se.SlotNumber(7), nil).Once()
	drv.KeyMgmt.On("Import", mock.Anything, se.SlotNumber(7), mock.Anything, key).
		Return(uint16(0), types.ErrHardwareFailure).Once()
	drv.KeyMgmt.On("Destroy", mock.Anything, se.SlotNumber(7)).Return(nil).Once()

	_, err := c.ImportKey(types.KeyAttributes{Type: types.KeyTypeAES, Lifetime: seLifetime()}, key)
	assert.ErrorIs(t, err, types.ErrHardwareFailure)
	assert.Equal(t, 1, rec.rollbacks)
	assert.Zero(t, c.Stats().InUse[slot.ShapeProtected])
	drv.KeyMgmt.AssertExpectations(t)
}

func TestSecureElementBitsMismatch(t *testing.T) {
	c := newTestCrypto(t)
	drv := mocks.NewDriver()
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))
	key := make([]byte, 32)

	drv.KeyMgmt.On("Allocate", mock.Anything, mock.Anything, se.CreationImport).Return(se.SlotNumber(2), nil).Once()
	drv.KeyMgmt.On("Import", mock.Anything, se.SlotNumber(2), mock.Anything, key).Return(uint16(256), nil).Once()
	drv.KeyMgmt.On("Destroy", mock.Anything, se.SlotNumber(2)).Return(nil).Once()

	_, err := c.ImportKey(types.KeyAttributes{Type: types.KeyTypeAES, Bits: 128, Lifetime: seLifetime()}, key)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	drv.KeyMgmt.AssertExpectations(t)
}

func TestSecureElementGenerateCachesPublicKey(t *testing.T) {
	c := newTestCrypto(t)
	drv := mocks.NewDriver()
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))
	pub := append([]byte{0x04}, bytes.Repeat([]byte{0x5c}, 64)...)

	drv.KeyMgmt.On("Allocate", mock.Anything, mock.Anything, se.CreationGenerate).Return(se.SlotNumber(1), nil).Once()
	drv.KeyMgmt.On("Generate", mock.Anything, se.SlotNumber(1), mock.Anything).Return(pub, nil).Once()

	id, err := c.GenerateKey(types.KeyAttributes{
		Type:     types.KeyTypeECCKeyPair(types.ECCFamilySecpR1),
		Bits:     256,
		Lifetime: seLifetime(),
	})
	require.NoError(t, err)

	out := make([]byte, 65)
	n, err := c.ExportPublicKey(id, out)
	require.NoError(t, err)
	assert.Equal(t, pub, out[:n])

	// destroy failures on the element are logged, the key is still erased
	drv.KeyMgmt.On("Destroy", mock.Anything, se.SlotNumber(1)).Return(types.ErrCommunicationFailure).Once()
	require.NoError(t, c.DestroyKey(id))
	_, err = c.GetKeyAttributes(id)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)
	drv.KeyMgmt.AssertExpectations(t)
}

func TestSecureElementMissingGroup(t *testing.T) {
	c := newTestCrypto(t)
	drv := &mocks.Driver{}
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))

	_, err := c.ImportKey(types.KeyAttributes{Type: types.KeyTypeAES, Lifetime: seLifetime()}, make([]byte, 16))
	assert.ErrorIs(t, err, types.ErrNotSupported)
	assert.Zero(t, c.Stats().InUse[slot.ShapeProtected])
}

func TestSecureElementRollbackWithoutDestroy(t *testing.T) {
	c := newTestCrypto(t)
	drv := mocks.NewDriver()
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))
	key := make([]byte, 16)

	drv.KeyMgmt.On("Allocate", mock.Anything, mock.Anything, se.CreationImport).Return(se.SlotNumber(5), nil).Once()
	drv.KeyMgmt.On("Import", mock.Anything, se.SlotNumber(5), mock.Anything, key).Return(uint16(0), types.ErrHardwareFailure).Once()
	drv.KeyMgmt.On("Destroy", mock.Anything, se.SlotNumber(5)).Return(se.ErrMethodNotSupported).Once()

	_, err := c.ImportKey(types.KeyAttributes{Type: types.KeyTypeAES, Lifetime: seLifetime()}, key)
	assert.ErrorIs(t, err, types.ErrHardwareFailure)
	assert.NotErrorIs(t, err, types.ErrNotPermitted)
	assert.Zero(t, c.Stats().InUse[slot.ShapeProtected])
	drv.KeyMgmt.AssertExpectations(t)
}

func TestSecureElementPersistentKeySurvivesReset(t *testing.T) {
	c := newTestCrypto(t)
	drv := memse.New(memse.WithCapacity(4))
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))
	alg := types.AlgHMAC(types.AlgSHA256)
	attrs := func(id types.KeyID) types.KeyAttributes {
		return types.KeyAttributes{
			ID:       id,
			Type:     types.KeyTypeHMAC,
			Lifetime: types.LifetimeFromPersistenceAndLocation(types.PersistenceDefault, seLocation),
			Policy:   types.KeyPolicy{Usage: types.UsageSignMessage | types.UsageVerifyMessage, Algorithm: alg},
		}
	}

	first, err := c.ImportKey(attrs(0x70), bytes.Repeat([]byte{0x0b}, 20))
	require.NoError(t, err)
	tag := make([]byte, 32)
	_, err = c.MACCompute(first, alg, []byte("Hi There"), tag)
	require.NoError(t, err)

	_, err = c.ImportKey(types.KeyAttributes{
		Type:     types.KeyTypeHMAC,
		Lifetime: seLifetime(),
		Policy:   types.KeyPolicy{Usage: types.UsageSignMessage, Algorithm: alg},
	}, []byte("volatile"))
	require.NoError(t, err)
	require.Equal(t, 2, drv.Len())

	require.NoError(t, c.Reset())
	require.NoError(t, c.Init())
	require.NoError(t, c.RegisterSecureElement(seLocation, drv, nil))
	assert.Equal(t, 1, drv.Len())

	second, err := c.ImportKey(attrs(0x71), bytes.Repeat([]byte{0xaa}, 20))
	require.NoError(t, err)
	assert.Equal(t, 2, drv.Len())

	require.NoError(t, c.MACVerify(first, alg, []byte("Hi There"), tag))
	assert.ErrorIs(t, c.MACVerify(second, alg, []byte("Hi There"), tag), types.ErrInvalidSignature)
}
