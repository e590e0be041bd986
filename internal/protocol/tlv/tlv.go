package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrBadVarint        = errors.New("tlv: malformed varint")
)

// Type IDs from tlv contract.
const (
	TypeU8      uint8 = 1
	TypeU16     uint8 = 2
	TypeU32     uint8 = 3
	TypeU64     uint8 = 4
	TypeBool    uint8 = 5
	TypeString  uint8 = 6
	TypeBytes   uint8 = 7
	TypeVarints uint8 = 8
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
	fields := make([]Field, 0, 4)
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

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
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

func U64(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Type: TypeU64, Value: buf}
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: TypeBytes, Value: buf}
}

// Varints packs vs as consecutive unsigned protobuf varints.
func Varints(id uint16, vs []uint64) Field {
	var buf []byte
	for _, v := range vs {
		buf = protowire.AppendVarint(buf, v)
	}
	return Field{ID: id, Type: TypeVarints, Value: buf}
}

func U8FromBytes(b []byte) (uint8, error) {
	if len(b) != 1 {
		return 0, fmt.Errorf("tlv: invalid u8 length: %d", len(b))
	}
	return b[0], nil
}

func U16FromBytes(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("tlv: invalid u16 length: %d", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// VarintsFromBytes unpacks a value written by Varints.
func VarintsFromBytes(b []byte) ([]uint64, error) {
	out := make([]uint64, 0, len(b))
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadVarint, protowire.ParseError(n))
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}
