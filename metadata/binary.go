package metadata

import (
	"encoding/binary"
	"errors"
	"math"
	"slices"
)

// maxDepth bounds array nesting on decode.
const maxDepth = 32

var (
	// ErrInvalidEncoding is returned when binary metadata cannot be decoded.
	ErrInvalidEncoding = errors.New("invalid metadata encoding")
)

// MarshalBinary implements encoding.BinaryMarshaler.
//
// Keys are written in sorted order so equal documents encode to equal bytes.
func (d Document) MarshalBinary() ([]byte, error) {
	return d.AppendBinary(make([]byte, 0, 4+len(d)*16))
}

// AppendBinary appends the binary encoding of d to buf.
func (d Document) AppendBinary(buf []byte) ([]byte, error) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	buf = binary.AppendUvarint(buf, uint64(len(d)))
	for _, k := range keys {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)

		var err error
		buf, err = appendValue(buf, d[k])
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
//
// Every length prefix is checked against the remaining input before any
// allocation, so malformed input returns ErrInvalidEncoding instead of panicking.
func (d *Document) UnmarshalBinary(data []byte) error {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return errors.Join(ErrInvalidEncoding, errors.New("invalid document length"))
	}
	data = data[n:]
	// Each entry needs at least a key length and a value kind.
	if count > uint64(len(data))/2 {
		return errors.Join(ErrInvalidEncoding, errors.New("document length exceeds input"))
	}

	doc := make(Document, count)
	for range count {
		kLen, n := binary.Uvarint(data)
		if n <= 0 {
			return errors.Join(ErrInvalidEncoding, errors.New("invalid key length"))
		}
		data = data[n:]
		if uint64(len(data)) < kLen {
			return errors.Join(ErrInvalidEncoding, errors.New("short buffer for key"))
		}
		key := string(data[:kLen])
		data = data[kLen:]

		val, remaining, err := parseValue(data, 0)
		if err != nil {
			return err
		}
		doc[key] = val
		data = remaining
	}
	if len(data) != 0 {
		return errors.Join(ErrInvalidEncoding, errors.New("trailing bytes"))
	}
	*d = doc
	return nil
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	buf = append(buf, byte(v.Kind))

	switch v.Kind {
	case KindNull:
	case KindInt:
		buf = binary.AppendVarint(buf, v.I64)
	case KindFloat:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.F64))
	case KindString:
		buf = binary.AppendUvarint(buf, uint64(len(v.S)))
		buf = append(buf, v.S...)
	case KindBool:
		if v.B {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindArray:
		buf = binary.AppendUvarint(buf, uint64(len(v.A)))
		for _, item := range v.A {
			var err error
			buf, err = appendValue(buf, item)
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.New("unknown metadata kind")
	}
	return buf, nil
}

func parseValue(data []byte, depth int) (Value, []byte, error) {
	if len(data) == 0 {
		return Value{}, nil, errors.Join(ErrInvalidEncoding, errors.New("short buffer for value kind"))
	}
	kind := Kind(data[0])
	data = data[1:]

	v := Value{Kind: kind}

	switch kind {
	case KindNull:
	case KindInt:
		i, n := binary.Varint(data)
		if n <= 0 {
			return v, nil, errors.Join(ErrInvalidEncoding, errors.New("invalid int value"))
		}
		v.I64 = i
		data = data[n:]
	case KindFloat:
		if len(data) < 8 {
			return v, nil, errors.Join(ErrInvalidEncoding, errors.New("short buffer for float"))
		}
		v.F64 = math.Float64frombits(binary.LittleEndian.Uint64(data))
		data = data[8:]
	case KindString:
		sLen, n := binary.Uvarint(data)
		if n <= 0 {
			return v, nil, errors.Join(ErrInvalidEncoding, errors.New("invalid string length"))
		}
		data = data[n:]
		if uint64(len(data)) < sLen {
			return v, nil, errors.Join(ErrInvalidEncoding, errors.New("short buffer for string"))
		}
		v.S = string(data[:sLen])
		data = data[sLen:]
	case KindBool:
		if len(data) == 0 {
			return v, nil, errors.Join(ErrInvalidEncoding, errors.New("short buffer for bool"))
		}
		v.B = data[0] != 0
		data = data[1:]
	case KindArray:
		if depth >= maxDepth {
			return v, nil, errors.Join(ErrInvalidEncoding, errors.New("array nesting too deep"))
		}
		aLen, n := binary.Uvarint(data)
		if n <= 0 {
			return v, nil, errors.Join(ErrInvalidEncoding, errors.New("invalid array length"))
		}
		data = data[n:]
		if aLen > uint64(len(data)) {
			return v, nil, errors.Join(ErrInvalidEncoding, errors.New("array length exceeds input"))
		}
		v.A = make([]Value, aLen)
		for i := range v.A {
			item, remaining, err := parseValue(data, depth+1)
			if err != nil {
				return v, nil, err
			}
			v.A[i] = item
			data = remaining
		}
	default:
		return v, nil, errors.Join(ErrInvalidEncoding, errors.New("unknown metadata kind"))
	}
	return v, data, nil
}
