// Package tlv encodes frame payloads as a flat sequence of typed fields:
// u16 id, u8 type, u32 length, value.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrInvalidLength    = errors.New("tlv: invalid value length")
	ErrMissingField     = errors.New("tlv: missing field")
)

const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	TypeI32    uint8 = 8
	TypeI64    uint8 = 9
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// GetFields returns every field with id, in payload order.
func GetFields(fields []Field, id uint16) []Field {
	var out []Field
	for _, f := range fields {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, f.ID, f.Type, expected)
	}
	return nil
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U16(id uint16, v uint16) Field {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return Field{ID: id, Type: TypeU16, Value: buf}
}

func U32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeU32, Value: buf}
}

func U64(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Type: TypeU64, Value: buf}
}

func I32(id uint16, v int32) Field {
	f := U32(id, uint32(v))
	f.Type = TypeI32
	return f
}

func I64(id uint16, v int64) Field {
	f := U64(id, uint64(v))
	f.Type = TypeI64
	return f
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: TypeBytes, Value: buf}
}

func (f Field) AsU8() (uint8, error) {
	if err := f.check(TypeU8, 1); err != nil {
		return 0, err
	}
	return f.Value[0], nil
}

func (f Field) AsU16() (uint16, error) {
	if err := f.check(TypeU16, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(f.Value), nil
}

func (f Field) AsU32() (uint32, error) {
	if err := f.check(TypeU32, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (f Field) AsU64() (uint64, error) {
	if err := f.check(TypeU64, 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func (f Field) AsI32() (int32, error) {
	if err := f.check(TypeI32, 4); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(f.Value)), nil
}

func (f Field) AsI64() (int64, error) {
	if err := f.check(TypeI64, 8); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(f.Value)), nil
}

func (f Field) AsBool() (bool, error) {
	if err := f.check(TypeBool, 1); err != nil {
		return false, err
	}
	switch f.Value[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: bool field %d", ErrInvalidLength, f.ID)
	}
}

func (f Field) AsString() (string, error) {
	if err := MustType(f, TypeString); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

func (f Field) AsBytes() ([]byte, error) {
	if err := MustType(f, TypeBytes); err != nil {
		return nil, err
	}
	buf := make([]byte, len(f.Value))
	copy(buf, f.Value)
	return buf, nil
}

func (f Field) check(typ uint8, size int) error {
	if err := MustType(f, typ); err != nil {
		return err
	}
	if len(f.Value) != size {
		return fmt.Errorf("%w: field %d has %d bytes", ErrInvalidLength, f.ID, len(f.Value))
	}
	return nil
}

// U32FromBytes decodes a raw big-endian u32 value.
func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// Map field ids used inside an encoded string map.
const (
	mapKey   uint16 = 1
	mapValue uint16 = 2
)

// EncodeStringMap nests m as alternating key/value string fields, keys sorted.
func EncodeStringMap(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]Field, 0, 2*len(keys))
	for _, k := range keys {
		fields = append(fields, String(mapKey, k), String(mapValue, m[k]))
	}
	return EncodeFields(fields)
}

func DecodeStringMap(b []byte) (map[string]string, error) {
	fields, err := DecodeFields(b)
	if err != nil {
		return nil, err
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: odd string map field count %d", ErrInvalidLength, len(fields))
	}
	out := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		if fields[i].ID != mapKey || fields[i+1].ID != mapValue {
			return nil, fmt.Errorf("%w: string map entry %d out of order", ErrTypeMismatch, i/2)
		}
		k, err := fields[i].AsString()
		if err != nil {
			return nil, err
		}
		v, err := fields[i+1].AsString()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
