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

package pkcs11

import (
	"crypto/subtle"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-psa/pkg/backend"
	"github.com/jeremyhahn/go-psa/pkg/backend/builtin"
	"github.com/jeremyhahn/go-psa/pkg/logger"
	"github.com/jeremyhahn/go-psa/pkg/se"
	"github.com/jeremyhahn/go-psa/pkg/types"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// PersistentDataSize holds the next slot number to try.
const PersistentDataSize = 8

var (
	ErrNotInitialized = errors.New("pkcs11: driver not initialized")
	ErrTokenNotFound  = errors.New("pkcs11: token not found")
)

// Module is the subset of the PKCS#11 API the driver uses. *pkcs11.Ctx
// satisfies it.
type Module interface {
	Initialize() error
	Finalize() error
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	CreateObject(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) (pkcs11.ObjectHandle, error)
	DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	GenerateKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, temp []*pkcs11.Attribute) (pkcs11.ObjectHandle, error)
	GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, public, private []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	VerifyInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error
	Verify(sh pkcs11.SessionHandle, data []byte, signature []byte) error
	EncryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Encrypt(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	DecryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Decrypt(sh pkcs11.SessionHandle, cypher []byte) ([]byte, error)
}

// Config selects the token.
type Config struct {
	// Library is the path to the PKCS#11 module.
	Library string

	// TokenLabel selects the token. The first slot with a token is used
	// when both TokenLabel and Slot are empty.
	TokenLabel string

	// Slot selects the token by slot id.
	Slot *uint

	// PIN is the user PIN.
	PIN string
}

// Driver is a secure element driver over a PKCS#11 token. Keys are token
// objects tagged with CKA_ID set to the big-endian slot number.
type Driver struct {
	se.Base

	mu      sync.Mutex
	module  Module
	config  Config
	session pkcs11.SessionHandle
	open    bool
	local   backend.Backend
	log     logger.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// New loads the PKCS#11 library named by cfg. The token is opened when the
// driver is registered.
func New(cfg Config, opts ...Option) (*Driver, error) {
	if cfg.Library == "" {
		return nil, fmt.Errorf("pkcs11: %w: library path is required", types.ErrInvalidArgument)
	}
	p := pkcs11.New(cfg.Library)
	if p == nil {
		return nil, fmt.Errorf("pkcs11: %w: failed to load library %s", types.ErrCommunicationFailure, cfg.Library)
	}
	return NewWithModule(p, cfg, opts...), nil
}

// NewWithModule builds a driver over an already loaded module.
func NewWithModule(m Module, cfg Config, opts ...Option) *Driver {
	d := &Driver{
		module: m,
		config: cfg,
		local:  builtin.New(),
		log:    logger.NewNoOp(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var (
	_ se.Driver      = (*Driver)(nil)
	_ se.Initializer = (*Driver)(nil)
)

func (d *Driver) PersistentDataSize() int          { return PersistentDataSize }
func (d *Driver) KeyManagement() se.KeyManagement { return keyManagement{d} }
func (d *Driver) MAC() se.MAC                     { return mac{d} }
func (d *Driver) Cipher() se.Cipher               { return cipher{d} }
func (d *Driver) Asymmetric() se.Asymmetric       { return asymmetric{d} }
func (d *Driver) AEAD() se.AEAD                   { return aead{d} }

// Init opens a read-write session on the token and logs in.
func (d *Driver) Init(ctx *se.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.module.Initialize(); err != nil {
		if err != pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
			return mapError("initialize", err)
		}
	}
	slot, err := d.findSlot()
	if err != nil {
		return err
	}
	session, err := d.module.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return mapError("open session", err)
	}
	if err := d.module.Login(session, pkcs11.CKU_USER, d.config.PIN); err != nil {
		if err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			_ = d.module.CloseSession(session)
			return mapError("login", err)
		}
	}
	d.session = session
	d.open = true
	d.log.Info("pkcs11 secure element ready",
		logger.Uint64("location", uint64(ctx.Location)),
		logger.Uint64("slot_id", uint64(slot)))
	return nil
}

// Close ends the session and finalizes the module.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	if err := d.module.CloseSession(d.session); err != nil {
		return mapError("close session", err)
	}
	return mapError("finalize", d.module.Finalize())
}

func (d *Driver) findSlot() (uint, error) {
	if d.config.Slot != nil {
		return *d.config.Slot, nil
	}
	slots, err := d.module.GetSlotList(true)
	if err != nil {
		return 0, mapError("get slot list", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("%w: %w", ErrTokenNotFound, types.ErrCommunicationFailure)
	}
	if d.config.TokenLabel == "" {
		return slots[0], nil
	}
	for _, s := range slots {
		info, err := d.module.GetTokenInfo(s)
		if err != nil {
			continue
		}
		if info.Label == d.config.TokenLabel {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: label %q: %w", ErrTokenNotFound, d.config.TokenLabel, types.ErrCommunicationFailure)
}

// sessionLocked returns the open session. d.mu must be held.
func (d *Driver) sessionLocked() (pkcs11.SessionHandle, error) {
	if !d.open {
		return 0, fmt.Errorf("%w: %w", ErrNotInitialized, types.ErrBadState)
	}
	return d.session, nil
}

// =============================================================================
// Objects
// =============================================================================

func objectID(slot se.SlotNumber) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(slot))
}

func objectLabel(slot se.SlotNumber) string {
	return fmt.Sprintf("psa-se-%d", slot)
}

// find returns the handles of the objects of slot. A class of zero matches
// every class.
func (d *Driver) find(sh pkcs11.SessionHandle, slot se.SlotNumber, class uint, max int) ([]pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_ID, objectID(slot))}
	if class != 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_CLASS, class))
	}
	if err := d.module.FindObjectsInit(sh, template); err != nil {
		return nil, mapError("find objects", err)
	}
	handles, _, err := d.module.FindObjects(sh, max)
	if err != nil {
		_ = d.module.FindObjectsFinal(sh)
		return nil, mapError("find objects", err)
	}
	if err := d.module.FindObjectsFinal(sh); err != nil {
		return nil, mapError("find objects", err)
	}
	return handles, nil
}

func (d *Driver) findOne(sh pkcs11.SessionHandle, slot se.SlotNumber, class uint) (pkcs11.ObjectHandle, error) {
	handles, err := d.find(sh, slot, class, 1)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("pkcs11: %w: no object for slot %d", types.ErrDoesNotExist, slot)
	}
	return handles[0], nil
}

func secretKeyType(t types.KeyType) (uint, error) {
	switch t {
	case types.KeyTypeAES:
		return pkcs11.CKK_AES, nil
	case types.KeyTypeHMAC:
		return pkcs11.CKK_GENERIC_SECRET, nil
	}
	return 0, fmt.Errorf("pkcs11: %w: key type %s", types.ErrNotSupported, t)
}

// curveParams returns the DER encoded named curve of a SECP-R1 key.
func curveParams(attrs types.KeyAttributes) ([]byte, error) {
	if attrs.Type.ECCFamily() != types.ECCFamilySecpR1 {
		return nil, fmt.Errorf("pkcs11: %w: key type %s", types.ErrNotSupported, attrs.Type)
	}
	var oid asn1.ObjectIdentifier
	switch attrs.Bits {
	case 256:
		oid = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	case 384:
		oid = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	case 521:
		oid = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
	default:
		return nil, fmt.Errorf("pkcs11: %w: %d bit curve", types.ErrNotSupported, attrs.Bits)
	}
	return asn1.Marshal(oid)
}

// unwrapPoint strips the DER OCTET STRING around CKA_EC_POINT. Tokens that
// return the raw point are accepted too.
func unwrapPoint(v []byte) ([]byte, error) {
	var point cryptobyte.String
	in := cryptobyte.String(v)
	if in.ReadASN1(&point, cbasn1.OCTET_STRING) && in.Empty() && len(point) > 0 && point[0] == 0x04 {
		return append([]byte(nil), point...), nil
	}
	if len(v) > 0 && v[0] == 0x04 && len(v)%2 == 1 {
		return append([]byte(nil), v...), nil
	}
	return nil, fmt.Errorf("pkcs11: %w: malformed EC point", types.ErrCommunicationFailure)
}

func wrapPoint(point []byte) []byte {
	out, _ := asn1.Marshal(point)
	return out
}

// =============================================================================
// Key management
// =============================================================================

type keyManagement struct{ d *Driver }

// Allocate hands out the next slot number without a token object.
func (km keyManagement) Allocate(ctx *se.Context, attrs types.KeyAttributes, method se.CreationMethod) (se.SlotNumber, error) {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return 0, err
	}
	if len(ctx.PersistentData) != PersistentDataSize {
		return 0, fmt.Errorf("pkcs11: %w: persistent data not set up", types.ErrBadState)
	}
	next := se.SlotNumber(binary.LittleEndian.Uint64(ctx.PersistentData))
	for {
		handles, err := d.find(sh, next, 0, 1)
		if err != nil {
			return 0, err
		}
		if len(handles) == 0 {
			break
		}
		next++
	}
	binary.LittleEndian.PutUint64(ctx.PersistentData, uint64(next+1))
	d.log.Debug("slot allocated",
		logger.Uint64("slot", uint64(next)),
		logger.Stringer("method", method),
		logger.Stringer("key_type", attrs.Type))
	return next, nil
}

func (km keyManagement) ValidateSlotNumber(_ *se.Context, _ types.KeyAttributes, _ se.CreationMethod, slot se.SlotNumber) error {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return err
	}
	handles, err := d.find(sh, slot, 0, 1)
	if err != nil {
		return err
	}
	if len(handles) != 0 {
		return fmt.Errorf("pkcs11: %w: slot %d", types.ErrAlreadyExists, slot)
	}
	return nil
}

func (km keyManagement) Import(_ *se.Context, slot se.SlotNumber, attrs types.KeyAttributes, data []byte) (uint16, error) {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return 0, err
	}
	keyBits, public, err := d.local.ImportKey(attrs, data)
	if err != nil {
		return 0, err
	}
	attrs.Bits = keyBits
	id, label := objectID(slot), objectLabel(slot)

	if !attrs.Type.IsECCKeyPair() {
		keyType, err := secretKeyType(attrs.Type)
		if err != nil {
			return 0, err
		}
		template := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, data),
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
			pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		}
		template = append(template, secretUsage(attrs.Type)...)
		if _, err := d.module.CreateObject(sh, template); err != nil {
			return 0, mapError("create secret key", err)
		}
		return keyBits, nil
	}

	params, err := curveParams(attrs)
	if err != nil {
		return 0, err
	}
	private := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, data),
	}
	if _, err := d.module.CreateObject(sh, private); err != nil {
		return 0, mapError("create private key", err)
	}
	if _, err := d.module.CreateObject(sh, publicTemplate(params, label, id, public)); err != nil {
		return 0, mapError("create public key", err)
	}
	return keyBits, nil
}

func publicTemplate(params []byte, label string, id, point []byte) []*pkcs11.Attribute {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
	}
	if point != nil {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, wrapPoint(point)))
	}
	return template
}

func secretUsage(t types.KeyType) []*pkcs11.Attribute {
	if t == types.KeyTypeHMAC {
		return []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
			pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		}
	}
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, true),
	}
}

func (km keyManagement) Generate(_ *se.Context, slot se.SlotNumber, attrs types.KeyAttributes) ([]byte, error) {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return nil, err
	}
	id, label := objectID(slot), objectLabel(slot)

	if !attrs.Type.IsECCKeyPair() {
		keyType, err := secretKeyType(attrs.Type)
		if err != nil {
			return nil, err
		}
		if attrs.Bits == 0 || attrs.Bits%8 != 0 {
			return nil, fmt.Errorf("pkcs11: %w: %d bit key", types.ErrInvalidArgument, attrs.Bits)
		}
		mechanism := uint(pkcs11.CKM_AES_KEY_GEN)
		if keyType == pkcs11.CKK_GENERIC_SECRET {
			mechanism = pkcs11.CKM_GENERIC_SECRET_KEY_GEN
		}
		template := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, uint(attrs.Bits/8)),
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
			pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		}
		template = append(template, secretUsage(attrs.Type)...)
		m := []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}
		if _, err := d.module.GenerateKey(sh, m, template); err != nil {
			return nil, mapError("generate secret key", err)
		}
		return nil, nil
	}

	params, err := curveParams(attrs)
	if err != nil {
		return nil, err
	}
	private := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	m := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)}
	pubHandle, _, err := d.module.GenerateKeyPair(sh, m, publicTemplate(params, label, id, nil), private)
	if err != nil {
		return nil, mapError("generate key pair", err)
	}
	return d.readPoint(sh, pubHandle)
}

func (d *Driver) readPoint(sh pkcs11.SessionHandle, h pkcs11.ObjectHandle) ([]byte, error) {
	attrs, err := d.module.GetAttributeValue(sh, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, mapError("read EC point", err)
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("pkcs11: %w: EC point missing", types.ErrCommunicationFailure)
	}
	return unwrapPoint(attrs[0].Value)
}

// Destroy removes every object of slot. A slot without objects is not an
// error: allocation does not create any.
func (km keyManagement) Destroy(_ *se.Context, slot se.SlotNumber) error {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return err
	}
	handles, err := d.find(sh, slot, 0, 4)
	if err != nil {
		return err
	}
	for _, h := range handles {
		if err := d.module.DestroyObject(sh, h); err != nil {
			return mapError("destroy object", err)
		}
	}
	d.log.Debug("slot destroyed", logger.Uint64("slot", uint64(slot)), logger.Int("objects", len(handles)))
	return nil
}

// Export is not supported: every key is created sensitive.
func (keyManagement) Export(*se.Context, se.SlotNumber) ([]byte, error) {
	return nil, se.ErrMethodNotSupported
}

func (km keyManagement) ExportPublic(_ *se.Context, slot se.SlotNumber) ([]byte, error) {
	d := km.d
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return nil, err
	}
	h, err := d.findOne(sh, slot, pkcs11.CKO_PUBLIC_KEY)
	if err != nil {
		return nil, err
	}
	return d.readPoint(sh, h)
}

// =============================================================================
// Operations
// =============================================================================

func hmacMechanism(alg types.Algorithm) (uint, error) {
	switch alg.FullLengthMAC().Hash() {
	case types.AlgSHA1:
		return pkcs11.CKM_SHA_1_HMAC, nil
	case types.AlgSHA224:
		return pkcs11.CKM_SHA224_HMAC, nil
	case types.AlgSHA256:
		return pkcs11.CKM_SHA256_HMAC, nil
	case types.AlgSHA384:
		return pkcs11.CKM_SHA384_HMAC, nil
	case types.AlgSHA512:
		return pkcs11.CKM_SHA512_HMAC, nil
	}
	return 0, fmt.Errorf("pkcs11: %w: %s", types.ErrNotSupported, alg)
}

type mac struct{ d *Driver }

func (mac) Setup(*se.Context, se.SlotNumber, types.Algorithm) (se.MACOperation, error) {
	return nil, se.ErrMethodNotSupported
}

func (m mac) Generate(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, input []byte) ([]byte, error) {
	if !alg.IsHMAC() {
		return nil, fmt.Errorf("pkcs11: %w: %s", types.ErrNotSupported, alg)
	}
	mechanism, err := hmacMechanism(alg)
	if err != nil {
		return nil, err
	}
	d := m.d
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return nil, err
	}
	h, err := d.findOne(sh, slot, pkcs11.CKO_SECRET_KEY)
	if err != nil {
		return nil, err
	}
	if err := d.module.SignInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}, h); err != nil {
		return nil, mapError("mac init", err)
	}
	tag, err := d.module.Sign(sh, input)
	if err != nil {
		return nil, mapError("mac", err)
	}
	if n := alg.MACLength(); n > 0 && n < len(tag) {
		tag = tag[:n]
	}
	return tag, nil
}

func (m mac) Verify(ctx *se.Context, slot se.SlotNumber, alg types.Algorithm, input, tag []byte) error {
	want, err := m.Generate(ctx, slot, alg, input)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, tag) != 1 {
		return fmt.Errorf("pkcs11: %w", types.ErrInvalidSignature)
	}
	return nil
}

type cipher struct{ d *Driver }

func (cipher) Setup(*se.Context, se.SlotNumber, types.Algorithm, types.Direction) (se.CipherOperation, error) {
	return nil, se.ErrMethodNotSupported
}

func (c cipher) ECB(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, dir types.Direction, input []byte) ([]byte, error) {
	if alg != types.AlgECBNoPadding {
		return nil, fmt.Errorf("pkcs11: %w: %s is not ECB", types.ErrInvalidArgument, alg)
	}
	if len(input)%16 != 0 {
		return nil, fmt.Errorf("pkcs11: %w: input is not a multiple of the block size", types.ErrInvalidArgument)
	}
	return c.d.crypt(slot, pkcs11.NewMechanism(pkcs11.CKM_AES_ECB, nil), dir, input)
}

func (d *Driver) crypt(slot se.SlotNumber, mechanism *pkcs11.Mechanism, dir types.Direction, input []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return nil, err
	}
	h, err := d.findOne(sh, slot, pkcs11.CKO_SECRET_KEY)
	if err != nil {
		return nil, err
	}
	m := []*pkcs11.Mechanism{mechanism}
	if dir == types.DirectionDecrypt {
		if err := d.module.DecryptInit(sh, m, h); err != nil {
			return nil, mapError("decrypt init", err)
		}
		out, err := d.module.Decrypt(sh, input)
		return out, mapError("decrypt", err)
	}
	if err := d.module.EncryptInit(sh, m, h); err != nil {
		return nil, mapError("encrypt init", err)
	}
	out, err := d.module.Encrypt(sh, input)
	return out, mapError("encrypt", err)
}

type asymmetric struct{ d *Driver }

func checkECDSA(alg types.Algorithm) error {
	if !alg.IsECDSA() || alg.IsDeterministicECDSA() {
		return fmt.Errorf("pkcs11: %w: %s", types.ErrNotSupported, alg)
	}
	return nil
}

func (a asymmetric) Sign(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, hash []byte) ([]byte, error) {
	if err := checkECDSA(alg); err != nil {
		return nil, err
	}
	d := a.d
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return nil, err
	}
	h, err := d.findOne(sh, slot, pkcs11.CKO_PRIVATE_KEY)
	if err != nil {
		return nil, err
	}
	if err := d.module.SignInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}, h); err != nil {
		return nil, mapError("sign init", err)
	}
	sig, err := d.module.Sign(sh, hash)
	return sig, mapError("sign", err)
}

func (a asymmetric) Verify(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, hash, signature []byte) error {
	if err := checkECDSA(alg); err != nil {
		return err
	}
	d := a.d
	d.mu.Lock()
	defer d.mu.Unlock()

	sh, err := d.sessionLocked()
	if err != nil {
		return err
	}
	h, err := d.findOne(sh, slot, pkcs11.CKO_PUBLIC_KEY)
	if err != nil {
		return err
	}
	if err := d.module.VerifyInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}, h); err != nil {
		return mapError("verify init", err)
	}
	return mapError("verify", d.module.Verify(sh, hash, signature))
}

func (asymmetric) Encrypt(*se.Context, se.SlotNumber, types.Algorithm, []byte, []byte) ([]byte, error) {
	return nil, se.ErrMethodNotSupported
}

func (asymmetric) Decrypt(*se.Context, se.SlotNumber, types.Algorithm, []byte, []byte) ([]byte, error) {
	return nil, se.ErrMethodNotSupported
}

type aead struct{ d *Driver }

func gcmMechanism(alg types.Algorithm, nonce, additionalData []byte) (*pkcs11.Mechanism, error) {
	if alg.AEADDefault() != types.AlgGCM {
		return nil, fmt.Errorf("pkcs11: %w: %s", types.ErrNotSupported, alg)
	}
	if len(nonce) != 12 {
		return nil, fmt.Errorf("pkcs11: %w: GCM nonce of %d bytes", types.ErrInvalidArgument, len(nonce))
	}
	params := pkcs11.NewGCMParams(nonce, additionalData, alg.AEADTagLength()*8)
	return pkcs11.NewMechanism(pkcs11.CKM_AES_GCM, params), nil
}

func (a aead) Encrypt(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, nonce, additionalData, plaintext []byte) ([]byte, error) {
	m, err := gcmMechanism(alg, nonce, additionalData)
	if err != nil {
		return nil, err
	}
	return a.d.crypt(slot, m, types.DirectionEncrypt, plaintext)
}

func (a aead) Decrypt(_ *se.Context, slot se.SlotNumber, alg types.Algorithm, nonce, additionalData, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < alg.AEADTagLength() {
		return nil, fmt.Errorf("pkcs11: %w: ciphertext shorter than the tag", types.ErrInvalidArgument)
	}
	m, err := gcmMechanism(alg, nonce, additionalData)
	if err != nil {
		return nil, err
	}
	return a.d.crypt(slot, m, types.DirectionDecrypt, ciphertext)
}

// =============================================================================
// Errors
// =============================================================================

// mapError classifies a PKCS#11 return value.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rv pkcs11.Error
	if !errors.As(err, &rv) {
		return fmt.Errorf("pkcs11: %s: %w: %w", op, types.ErrCommunicationFailure, err)
	}
	var kind error
	switch rv {
	case pkcs11.CKR_SIGNATURE_INVALID, pkcs11.CKR_SIGNATURE_LEN_RANGE, pkcs11.CKR_ENCRYPTED_DATA_INVALID:
		kind = types.ErrInvalidSignature
	case pkcs11.CKR_OBJECT_HANDLE_INVALID, pkcs11.CKR_KEY_HANDLE_INVALID:
		kind = types.ErrDoesNotExist
	case pkcs11.CKR_MECHANISM_INVALID, pkcs11.CKR_MECHANISM_PARAM_INVALID,
		pkcs11.CKR_KEY_TYPE_INCONSISTENT, pkcs11.CKR_FUNCTION_NOT_SUPPORTED:
		kind = types.ErrNotSupported
	case pkcs11.CKR_ARGUMENTS_BAD, pkcs11.CKR_DATA_LEN_RANGE, pkcs11.CKR_DATA_INVALID,
		pkcs11.CKR_ENCRYPTED_DATA_LEN_RANGE, pkcs11.CKR_ATTRIBUTE_VALUE_INVALID:
		kind = types.ErrInvalidArgument
	case pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED, pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_USER_NOT_LOGGED_IN:
		kind = types.ErrNotPermitted
	case pkcs11.CKR_DEVICE_MEMORY:
		kind = types.ErrInsufficientStorage
	case pkcs11.CKR_HOST_MEMORY:
		kind = types.ErrInsufficientMemory
	case pkcs11.CKR_DEVICE_ERROR, pkcs11.CKR_DEVICE_REMOVED, pkcs11.CKR_TOKEN_NOT_PRESENT:
		kind = types.ErrHardwareFailure
	default:
		kind = types.ErrCommunicationFailure
	}
	return fmt.Errorf("pkcs11: %s: %w: %w", op, kind, err)
}
