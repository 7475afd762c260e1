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
	"crypto/sha256"
	"crypto/sha512"
	"testing"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generatePair(t *testing.T, b *Backend, family types.ECCFamily, bits uint16) backend.Key {
	t.Helper()
	attrs := types.KeyAttributes{Type: types.KeyTypeECCKeyPair(family), Bits: bits}
	priv, pub, err := b.GenerateKey(attrs)
	require.NoError(t, err)
	return backend.Key{Attrs: attrs, Data: priv, Public: pub}
}

func publicOnly(k backend.Key) backend.Key {
	attrs := k.Attrs
	attrs.Type = attrs.Type.PublicKeyOf()
	return backend.Key{Attrs: attrs, Data: k.Public}
}

func TestSignVerify_ECDSA(t *testing.T) {
	b := New()
	for _, tc := range []struct {
		bits uint16
		alg  types.Algorithm
	}{
		{256, types.AlgECDSA(types.AlgSHA256)},
		{256, types.AlgDeterministicECDSA(types.AlgSHA256)},
		{384, types.AlgECDSA(types.AlgSHA384)},
		{521, types.AlgDeterministicECDSA(types.AlgSHA512)},
	} {
		t.Run(tc.alg.String(), func(t *testing.T) {
			key := generatePair(t, b, types.ECCFamilySecpR1, tc.bits)
			msg := []byte("sign me")

			sig, err := b.SignMessage(key, tc.alg, msg)
			require.NoError(t, err)
			assert.Len(t, sig, types.SignatureSize(key.Attrs.Type, tc.bits, tc.alg))

			require.NoError(t, b.VerifyMessage(key, tc.alg, msg, sig))
			require.NoError(t, b.VerifyMessage(publicOnly(key), tc.alg, msg, sig))

			bad := append([]byte(nil), sig...)
			bad[len(bad)-1] ^= 1
			assert.ErrorIs(t, b.VerifyMessage(key, tc.alg, msg, bad), types.ErrInvalidSignature)
			assert.ErrorIs(t, b.VerifyMessage(key, tc.alg, []byte("other"), sig), types.ErrInvalidSignature)
			assert.ErrorIs(t, b.VerifyMessage(key, tc.alg, msg, sig[:10]), types.ErrInvalidSignature)
		})
	}
}

func TestSignHash_Deterministic(t *testing.T) {
	b := New()
	key := generatePair(t, b, types.ECCFamilySecpR1, 256)
	alg := types.AlgDeterministicECDSA(types.AlgSHA256)
	h := sha256.Sum256([]byte("same input"))

	s1, err := b.SignHash(key, alg, h[:])
	require.NoError(t, err)
	s2, err := b.SignHash(key, alg, h[:])
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	require.NoError(t, b.VerifyHash(key, types.AlgECDSA(types.AlgSHA256), h[:], s1))
}

func TestSignVerify_Ed25519(t *testing.T) {
	b := New()
	key := generatePair(t, b, types.ECCFamilyTwistedEdwards, 255)
	msg := []byte("edwards")

	sig, err := b.SignMessage(key, types.AlgPureEdDSA, msg)
	require.NoError(t, err)
	assert.Len(t, sig, types.SignatureSize(key.Attrs.Type, 255, types.AlgPureEdDSA))
	require.NoError(t, b.VerifyMessage(publicOnly(key), types.AlgPureEdDSA, msg, sig))
	sig[0] ^= 1
	assert.ErrorIs(t, b.VerifyMessage(key, types.AlgPureEdDSA, msg, sig), types.ErrInvalidSignature)

	_, err = b.SignHash(key, types.AlgPureEdDSA, make([]byte, 64))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	h := sha512.Sum512(msg)
	phSig, err := b.SignHash(key, types.AlgEd25519ph, h[:])
	require.NoError(t, err)
	require.NoError(t, b.VerifyHash(key, types.AlgEd25519ph, h[:], phSig))
	require.NoError(t, b.VerifyMessage(key, types.AlgEd25519ph, msg, phSig))
}

func TestSign_Policy(t *testing.T) {
	b := New()
	p256 := generatePair(t, b, types.ECCFamilySecpR1, 256)
	ed := generatePair(t, b, types.ECCFamilyTwistedEdwards, 255)
	h := sha256.Sum256(nil)

	_, err := b.SignHash(publicOnly(p256), types.AlgECDSA(types.AlgSHA256), h[:])
	assert.ErrorIs(t, err, types.ErrInvalidArgument, "public key cannot sign")

	_, err = b.SignHash(p256, types.AlgECDSA(types.AlgSHA256), h[:20])
	assert.ErrorIs(t, err, types.ErrInvalidArgument, "hash length")

	_, err = b.SignHash(ed, types.AlgECDSA(types.AlgSHA256), h[:])
	assert.ErrorIs(t, err, types.ErrInvalidArgument, "ecdsa with edwards key")

	_, err = b.SignMessage(p256, types.AlgPureEdDSA, []byte("x"))
	assert.ErrorIs(t, err, types.ErrInvalidArgument, "eddsa with secp key")

	_, err = b.SignHash(aesKey(t), types.AlgECDSA(types.AlgSHA256), h[:])
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = b.SignMessage(p256, types.AlgRSAPSS(types.AlgSHA256), []byte("x"))
	assert.ErrorIs(t, err, types.ErrNotSupported)

	_, err = b.SignHash(p256, types.AlgDeterministicECDSA(types.AlgSHA3_256), make([]byte, 32))
	assert.ErrorIs(t, err, types.ErrNotSupported)
}
