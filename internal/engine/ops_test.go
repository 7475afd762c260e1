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
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func create(t *testing.T, e *Engine, spec KeySpec, material []byte) types.KeyID {
	t.Helper()
	attrs, err := spec.Attributes()
	require.NoError(t, err)
	var id types.KeyID
	if material == nil {
		id, err = e.Crypto.GenerateKey(attrs)
	} else {
		id, err = e.Crypto.ImportKey(attrs, material)
	}
	require.NoError(t, err)
	return id
}

func TestSignVerifyRoundTrip(t *testing.T) {
	e := open(t, nil)
	defer e.Close()

	id := create(t, e, KeySpec{
		Type:      "ecc-key-pair(secp-r1)",
		Bits:      256,
		Usage:     "sign-hash,verify-hash,sign-message,verify-message",
		Algorithm: "ecdsa(sha-256)",
	}, nil)
	alg := types.AlgECDSA(types.AlgSHA256)

	sig, err := e.Sign(id, alg, []byte("hello"), false)
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	require.NoError(t, e.Verify(id, alg, []byte("hello"), sig, false))

	digest := sha256.Sum256([]byte("hello"))
	require.NoError(t, e.Verify(id, alg, digest[:], sig, true))

	sig, err = e.Sign(id, alg, digest[:], true)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Verify(id, alg, []byte("other"), sig, false), types.ErrInvalidSignature)

	pub, err := e.Export(id, true)
	require.NoError(t, err)
	assert.Len(t, pub, 65)
	_, err = e.Export(id, false)
	assert.ErrorIs(t, err, types.ErrNotPermitted)
}

func TestEncryptDecryptCipher(t *testing.T) {
	e := open(t, nil)
	defer e.Close()

	id := create(t, e, KeySpec{
		Type:      "aes",
		Usage:     "encrypt,decrypt",
		Algorithm: "cbc-pkcs7",
	}, make([]byte, 16))
	alg := types.AlgCBCPKCS7

	ct, nonce, err := e.Encrypt(id, alg, []byte("attack at dawn"), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, nonce)
	assert.Len(t, ct, 32, "16 byte IV plus one padded block")

	pt, err := e.Decrypt(id, alg, ct, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("attack at dawn"), pt)
}

func TestEncryptDecryptAEAD(t *testing.T) {
	e := open(t, nil)
	defer e.Close()

	id := create(t, e, KeySpec{
		Type:      "aes",
		Bits:      256,
		Usage:     "encrypt,decrypt",
		Algorithm: "gcm",
	}, nil)

	ct, nonce, err := e.Encrypt(id, types.AlgGCM, []byte("secret"), nil, []byte("header"))
	require.NoError(t, err)
	assert.Len(t, nonce, 12)
	assert.Len(t, ct, len("secret")+16)

	pt, err := e.Decrypt(id, types.AlgGCM, ct, nonce, []byte("header"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	_, err = e.Decrypt(id, types.AlgGCM, ct, nonce, []byte("other"))
	assert.ErrorIs(t, err, types.ErrInvalidSignature)

	given := make([]byte, 12)
	_, used, err := e.Encrypt(id, types.AlgGCM, []byte("x"), given, nil)
	require.NoError(t, err)
	assert.Equal(t, given, used)

	_, _, err = e.Encrypt(id, types.AlgGCM, []byte("y"), given, nil)
	assert.ErrorIs(t, err, types.ErrNotPermitted, "nonce reuse")
	assert.Equal(t, 2, e.nonces.Len(id))

	require.NoError(t, e.Destroy(id))
	assert.Zero(t, e.nonces.Len(id))
	assert.ErrorIs(t, e.Destroy(id), types.ErrDoesNotExist)
}

func TestMACAndHash(t *testing.T) {
	e := open(t, nil)
	defer e.Close()

	alg := types.AlgHMAC(types.AlgSHA256)
	id := create(t, e, KeySpec{
		Type:      "hmac",
		Usage:     "sign-message,verify-message",
		Algorithm: alg.String(),
	}, []byte("Jefe"))

	mac, err := e.MAC(id, alg, []byte("what do ya want for nothing?"))
	require.NoError(t, err)
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", hex.EncodeToString(mac))
	require.NoError(t, e.Crypto.MACVerify(id, alg, []byte("what do ya want for nothing?"), mac))

	digest, err := e.Hash(types.AlgSHA256, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(digest))
}

func TestRandom(t *testing.T) {
	e := open(t, nil)
	defer e.Close()

	out, err := e.Random(16)
	require.NoError(t, err)
	assert.Len(t, out, 16)

	for _, n := range []int{0, -1, MaxRandom + 1} {
		_, err := e.Random(n)
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	}
}

func TestOpsUnknownKey(t *testing.T) {
	e := open(t, nil)
	defer e.Close()

	_, err := e.Export(0x7fff0042, false)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)
	_, err = e.Sign(0x7fff0042, types.AlgECDSA(types.AlgSHA256), []byte("m"), false)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)
	_, _, err = e.Encrypt(0x7fff0042, types.AlgCTR, []byte("m"), nil, nil)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)
	_, err = e.Decrypt(0x7fff0042, types.AlgCTR, []byte("m"), nil, nil)
	assert.ErrorIs(t, err, types.ErrDoesNotExist)
}
