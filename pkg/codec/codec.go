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

// Package codec encodes key slots into the persistent record format and
// decodes them back.
//
// A record is the CBOR array [attributes, key_data] with
//
//	attributes = [id, type, bits, lifetime, [usage, alg]]
//	key_data   = bstr                      ; single key
//	           / [priv: bstr, pub: bstr]   ; key pair
//	           / [slot_number]             ; protected key
//	           / [slot_number, pub: bstr]  ; protected key pair
//
// Encoding is deterministic: integers use their shortest form and lengths
// are always definite.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jeremyhahn/go-psa/pkg/slot"
	"github.com/jeremyhahn/go-psa/pkg/types"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.CoreDetEncOptions()
	encOpts.IndefLength = cbor.IndefLengthForbidden
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

type policyRecord struct {
	_         struct{} `cbor:",toarray"`
	Usage     uint32
	Algorithm uint32
}

type attributesRecord struct {
	_        struct{} `cbor:",toarray"`
	ID       uint32
	Type     uint16
	Bits     uint16
	Lifetime uint32
	Policy   policyRecord
}

type record struct {
	_       struct{} `cbor:",toarray"`
	Attrs   attributesRecord
	KeyData cbor.RawMessage
}

type keyPairRecord struct {
	_       struct{} `cbor:",toarray"`
	Private []byte
	Public  []byte
}

// headSize is the size of a CBOR head carrying argument n.
func headSize(n uint64) int {
	switch {
	case n < 24:
		return 1
	case n <= 0xff:
		return 2
	case n <= 0xffff:
		return 3
	case n <= 0xffffffff:
		return 5
	}
	return 9
}

func bstrSize(n int) int { return headSize(uint64(n)) + n }

// attributesMaxSize bounds the encoded attributes array.
var attributesMaxSize = 1 + // array(5)
	headSize(0xffffffff) + // id
	headSize(0xffff) + // type
	headSize(0xffff) + // bits
	headSize(0xffffffff) + // lifetime
	1 + headSize(0xffffffff) + headSize(0xffffffff) // [usage, alg]

// MaxRecordSize returns the largest record a slot of the given shape can
// produce.
func MaxRecordSize(shape slot.Shape) int {
	var keyData int
	switch shape {
	case slot.ShapeSingleKey:
		keyData = bstrSize(types.MaxKeyDataSize)
	case slot.ShapeKeyPair:
		keyData = 1 + bstrSize(types.MaxPrivateKeySize) + bstrSize(types.MaxExportPublicKeySize)
	case slot.ShapeProtected:
		keyData = 1 + headSize(^uint64(0)) + bstrSize(types.MaxExportPublicKeySize)
	}
	return 1 + attributesMaxSize + keyData
}

func toRecord(a types.KeyAttributes) attributesRecord {
	return attributesRecord{
		ID:       uint32(a.ID),
		Type:     uint16(a.Type),
		Bits:     a.Bits,
		Lifetime: uint32(a.Lifetime),
		Policy: policyRecord{
			Usage:     uint32(a.Policy.Usage),
			Algorithm: uint32(a.Policy.Algorithm),
		},
	}
}

func fromRecord(r attributesRecord) types.KeyAttributes {
	return types.KeyAttributes{
		ID:       types.KeyID(r.ID),
		Type:     types.KeyType(r.Type),
		Bits:     r.Bits,
		Lifetime: types.KeyLifetime(r.Lifetime),
		Policy: types.KeyPolicy{
			Usage:     types.KeyUsage(r.Policy.Usage),
			Algorithm: types.Algorithm(r.Policy.Algorithm),
		},
	}
}

// Encode serializes s.
func Encode(s *slot.Slot) ([]byte, error) {
	attrs := s.Attributes()

	var keyData any
	switch s.Shape() {
	case slot.ShapeSingleKey:
		keyData = s.Key()
	case slot.ShapeKeyPair:
		keyData = keyPairRecord{Private: s.Key(), Public: s.PublicKey()}
	case slot.ShapeProtected:
		if pub := s.PublicKey(); attrs.Type.IsKeyPair() && len(pub) > 0 {
			keyData = []any{s.SlotNumber(), pub}
		} else {
			keyData = []any{s.SlotNumber()}
		}
	default:
		return nil, fmt.Errorf("codec: %w: slot shape %s", types.ErrInvalidArgument, s.Shape())
	}

	raw, err := encMode.Marshal(keyData)
	if err != nil {
		return nil, fmt.Errorf("codec: %w: encode key data: %w", types.ErrGeneric, err)
	}
	data, err := encMode.Marshal(record{Attrs: toRecord(attrs), KeyData: raw})
	if err != nil {
		return nil, fmt.Errorf("codec: %w: encode record: %w", types.ErrGeneric, err)
	}
	if limit := MaxRecordSize(s.Shape()); len(data) > limit {
		return nil, fmt.Errorf("codec: %w: record of %d bytes exceeds %d", types.ErrBufferTooSmall, len(data), limit)
	}
	return data, nil
}

func decode(data []byte) (record, error) {
	var r record
	if len(data) == 0 {
		return r, fmt.Errorf("codec: %w: empty record", types.ErrDataCorrupt)
	}
	if err := decMode.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("codec: %w: %w", types.ErrDataCorrupt, err)
	}
	if len(r.KeyData) == 0 {
		return r, fmt.Errorf("codec: %w: missing key data", types.ErrDataCorrupt)
	}
	return r, nil
}

// DecodeAttributes decodes the attributes of a record. It is the first
// phase of loading: the attributes decide the shape of the slot that
// DecodeKeyData fills.
func DecodeAttributes(data []byte) (types.KeyAttributes, error) {
	r, err := decode(data)
	if err != nil {
		return types.KeyAttributes{}, err
	}
	return fromRecord(r.Attrs), nil
}

// DecodeKeyData decodes the key data of a record into s. The slot must
// already have the shape the record's attributes call for.
func DecodeKeyData(data []byte, s *slot.Slot) error {
	r, err := decode(data)
	if err != nil {
		return err
	}

	switch s.Shape() {
	case slot.ShapeSingleKey:
		var key []byte
		if err := decMode.Unmarshal(r.KeyData, &key); err != nil {
			return fmt.Errorf("codec: %w: single key: %w", types.ErrDataCorrupt, err)
		}
		return fill(s.SetKey(key))

	case slot.ShapeKeyPair:
		var kp keyPairRecord
		if err := decMode.Unmarshal(r.KeyData, &kp); err != nil {
			return fmt.Errorf("codec: %w: key pair: %w", types.ErrDataCorrupt, err)
		}
		if err := fill(s.SetKey(kp.Private)); err != nil {
			return err
		}
		return fill(s.SetPublicKey(kp.Public))

	case slot.ShapeProtected:
		var elems []cbor.RawMessage
		if err := decMode.Unmarshal(r.KeyData, &elems); err != nil {
			return fmt.Errorf("codec: %w: protected key: %w", types.ErrDataCorrupt, err)
		}
		if len(elems) != 1 && len(elems) != 2 {
			return fmt.Errorf("codec: %w: protected key has %d elements", types.ErrDataCorrupt, len(elems))
		}
		var n uint64
		if err := decMode.Unmarshal(elems[0], &n); err != nil {
			return fmt.Errorf("codec: %w: slot number: %w", types.ErrDataCorrupt, err)
		}
		s.SetSlotNumber(n)
		if len(elems) == 2 {
			var pub []byte
			if err := decMode.Unmarshal(elems[1], &pub); err != nil {
				return fmt.Errorf("codec: %w: public key: %w", types.ErrDataCorrupt, err)
			}
			return fill(s.SetPublicKey(pub))
		}
		return nil
	}
	return fmt.Errorf("codec: %w: slot shape %s", types.ErrInvalidArgument, s.Shape())
}

// fill maps a slot buffer overflow onto a corrupt record.
func fill(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrBufferTooSmall) {
		return fmt.Errorf("codec: %w: %v", types.ErrDataCorrupt, err)
	}
	return err
}
