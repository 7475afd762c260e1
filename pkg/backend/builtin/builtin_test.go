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

package builtin

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func aesKey(t *testing.T) backend.Key {
	return backend.Key{
		Attrs: types.KeyAttributes{Type: types.KeyTypeAES, Bits: 128},
		Data:  unhex(t, "2b7e151628aed2a6abf7158809cf4f3c"),
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestGenerateRandom(t *testing.T) {
	b := New()
	out := make([]byte, 32)
	require.NoError(t, b.GenerateRandom(out))
	assert.NotEqual(t, make([]byte, 32), out)

	b = New(WithRandom(bytes.NewReader([]byte{1, 2, 3})))
	out = make([]byte, 8)
	assert.ErrorIs(t, b.GenerateRandom(out), types.ErrInsufficientEntropy)
	assert.Equal(t, make([]byte, 8), out)
}

func TestImportKey_Symmetric(t *testing.T) {
	b := New()
	tests := []struct {
		name    string
		attrs   types.KeyAttributes
		size    int
		bits    uint16
		wantErr error
	}{
		{"aes-128", types.KeyAttributes{Type: types.KeyTypeAES}, 16, 128, nil},
		{"aes-256 with bits", types.KeyAttributes{Type: types.KeyTypeAES, Bits: 256}, 32, 256, nil},
		{"aes bad size", types.KeyAttributes{Type: types.KeyTypeAES}, 17, 0, types.ErrInvalidArgument},
		{"aes bits mismatch", types.KeyAttributes{Type: types.KeyTypeAES, Bits: 256}, 16, 0, types.ErrInvalidArgument},
		{"chacha20", types.KeyAttributes{Type: types.KeyTypeChaCha20}, 32, 256, nil},
		{"chacha20 short", types.KeyAttributes{Type: types.KeyTypeChaCha20}, 16, 0, types.ErrInvalidArgument},
		{"hmac", types.KeyAttributes{Type: types.KeyTypeHMAC}, 20, 160, nil},
		{"raw empty", types.KeyAttributes{Type: types.KeyTypeRawData}, 0, 0, types.ErrInvalidArgument},
		{"des3", types.KeyAttributes{Type: types.KeyTypeDES}, 24, 192, nil},
		{"rsa", types.KeyAttributes{Type: types.KeyTypeRSAKeyPair}, 32, 0, types.ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bits, pub, err := b.ImportKey(tt.attrs, make([]byte, tt.size))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bits, bits)
			assert.Nil(t, pub)
		})
	}
}

func TestGenerateKey_Validation(t *testing.T) {
	b := New()
	tests := []struct {
		name    string
		attrs   types.KeyAttributes
		wantErr error
	}{
		{"aes-192", types.KeyAttributes{Type: types.KeyTypeAES, Bits: 192}, nil},
		{"aes-100", types.KeyAttributes{Type: types.KeyTypeAES, Bits: 100}, types.ErrInvalidArgument},
		{"hmac zero", types.KeyAttributes{Type: types.KeyTypeHMAC}, types.ErrInvalidArgument},
		{"hmac too large", types.KeyAttributes{Type: types.KeyTypeHMAC, Bits: (types.MaxKeyDataSize + 1) * 8}, types.ErrInvalidArgument},
		{"p-224", types.KeyAttributes{Type: types.KeyTypeECCKeyPair(types.ECCFamilySecpR1), Bits: 224}, types.ErrNotSupported},
		{"secp-k1", types.KeyAttributes{Type: types.KeyTypeECCKeyPair(types.ECCFamilySecpK1), Bits: 256}, types.ErrNotSupported},
		{"public key", types.KeyAttributes{Type: types.KeyTypeECCPublicKey(types.ECCFamilySecpR1), Bits: 256}, types.ErrNotSupported},
		{"rsa", types.KeyAttributes{Type: types.KeyTypeRSAKeyPair, Bits: 2048}, types.ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _, err := b.GenerateKey(tt.attrs)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, data, int(tt.attrs.Bits/8))
		})
	}
}

func TestGenerateKey_ECC(t *testing.T) {
	b := New()
	tests := []struct {
		family  types.ECCFamily
		bits    uint16
		privLen int
		pubLen  int
	}{
		{types.ECCFamilySecpR1, 256, 32, 65},
		{types.ECCFamilySecpR1, 384, 48, 97},
		{types.ECCFamilySecpR1, 521, 66, 133},
		{types.ECCFamilyTwistedEdwards, 255, 32, 32},
		{types.ECCFamilyMontgomery, 255, 32, 32},
	}
	for _, tt := range tests {
		attrs := types.KeyAttributes{Type: types.KeyTypeECCKeyPair(tt.family), Bits: tt.bits}
		t.Run(attrs.Type.String(), func(t *testing.T) {
			priv, pub, err := b.GenerateKey(attrs)
			require.NoError(t, err)
			assert.Len(t, priv, tt.privLen)
			assert.Len(t, pub, tt.pubLen)
			assert.LessOrEqual(t, len(priv), types.MaxPrivateKeySize)
			assert.LessOrEqual(t, len(pub), types.MaxExportPublicKeySize)

			// importing the private key derives the same public key
			bits, derived, err := b.ImportKey(attrs, priv)
			require.NoError(t, err)
			assert.Equal(t, tt.bits, bits)
			assert.Equal(t, pub, derived)

			exported, err := b.ExportPublicKey(backend.Key{Attrs: attrs, Data: priv})
			require.NoError(t, err)
			assert.Equal(t, pub, exported)

			pubAttrs := types.KeyAttributes{Type: attrs.Type.PublicKeyOf()}
			bits, _, err = b.ImportKey(pubAttrs, pub)
			require.NoError(t, err)
			assert.Equal(t, tt.bits, bits)
		})
	}
}

func TestImportKey_ECCInvalid(t *testing.T) {
	b := New()
	pair := types.KeyTypeECCKeyPair(types.ECCFamilySecpR1)

	_, _, err := b.ImportKey(types.KeyAttributes{Type: pair}, make([]byte, 31))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	// zero is not a valid scalar
	_, _, err = b.ImportKey(types.KeyAttributes{Type: pair}, make([]byte, 32))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	point := make([]byte, 65)
	point[0] = 0x04
	_, _, err = b.ImportKey(types.KeyAttributes{Type: pair.PublicKeyOf()}, point)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = b.ExportPublicKey(aesKey(t))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestHash(t *testing.T) {
	b := New()
	op, err := b.HashSetup(types.AlgSHA256)
	require.NoError(t, err)
	require.NoError(t, op.Update([]byte("a")))

	clone, err := op.Clone()
	require.NoError(t, err)

	require.NoError(t, op.Update([]byte("bc")))
	sum, err := op.Finish()
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"), sum)

	_, err = op.Finish()
	assert.ErrorIs(t, err, types.ErrBadState)
	assert.ErrorIs(t, op.Update(nil), types.ErrBadState)

	require.NoError(t, clone.Update([]byte("bc")))
	cloned, err := clone.Finish()
	require.NoError(t, err)
	assert.Equal(t, sum, cloned)

	_, err = b.HashSetup(types.AlgHMAC(types.AlgSHA256))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = b.HashSetup(types.AlgAnyHash)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestHash_Lengths(t *testing.T) {
	b := New()
	for _, alg := range []types.Algorithm{
		types.AlgMD5, types.AlgSHA1, types.AlgSHA224, types.AlgSHA256, types.AlgSHA384,
		types.AlgSHA512, types.AlgSHA512_224, types.AlgSHA512_256,
		types.AlgSHA3_224, types.AlgSHA3_256, types.AlgSHA3_384, types.AlgSHA3_512,
	} {
		t.Run(alg.String(), func(t *testing.T) {
			op, err := b.HashSetup(alg)
			require.NoError(t, err)
			sum, err := op.Finish()
			require.NoError(t, err)
			assert.Len(t, sum, alg.HashLength())
		})
	}
}

func TestMAC(t *testing.T) {
	b := New()
	key := backend.Key{Attrs: types.KeyAttributes{Type: types.KeyTypeHMAC, Bits: 32}, Data: []byte("Jefe")}
	alg := types.AlgHMAC(types.AlgSHA256)
	input := []byte("what do ya want for nothing?")
	want := unhex(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843")

	mac, err := b.MACCompute(key, alg, input)
	require.NoError(t, err)
	assert.Equal(t, want, mac)
	require.NoError(t, b.MACVerify(key, alg, input, mac))

	truncated, err := b.MACCompute(key, types.AlgTruncatedMAC(alg, 16), input)
	require.NoError(t, err)
	assert.Equal(t, want[:16], truncated)

	mac[0] ^= 1
	assert.ErrorIs(t, b.MACVerify(key, alg, input, mac), types.ErrInvalidSignature)

	_, err = b.MACCompute(aesKey(t), alg, input)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = b.MACCompute(key, types.AlgSHA256, input)
	assert.ErrorIs(t, err, types.ErrNotSupported)
}
