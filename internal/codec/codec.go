// Package codec converts between typed tag values and raw Modbus register
// arrays or coil bits. It is a pure function layer: word-order handling,
// two's-complement integers, IEEE-754 floats and MSB-first string packing,
// with no I/O and no retries.
package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/gridline/fieldbus/internal/model"
)

var (
	// ErrBadType means the value cannot be coerced to the tag's data type.
	ErrBadType = errors.New("codec: value not coercible to data type")
	// ErrOverflow means a numeric value exceeds the type's upper bound.
	ErrOverflow = errors.New("codec: value overflows data type")
	// ErrUnderflow means a numeric value falls below the type's lower bound.
	ErrUnderflow = errors.New("codec: value underflows data type")
)

// DecodeBits truncates a coil/discrete-input response to readAmount bits
// and returns them as a list of booleans.
func DecodeBits(bits []bool, readAmount int) model.Value {
	if readAmount < len(bits) {
		bits = bits[:readAmount]
	}
	out := make([]model.Value, len(bits))
	for i, b := range bits {
		out[i] = model.Bool(b)
	}
	return model.ListOf(out)
}

// DecodeRegisters interprets a register response per the tag's data type
// and the device's word order. Numeric types yield a list of readAmount
// elements; strings yield a single string value with trailing NULs trimmed.
func DecodeRegisters(regs []uint16, dt model.DataType, wo model.WordOrder, readAmount int) (model.Value, error) {
	if dt == model.TypeString {
		return decodeString(regs, readAmount), nil
	}

	width := dt.Words()
	if len(regs) < width*readAmount {
		return model.Null(), fmt.Errorf("codec: short read: got %d registers, need %d", len(regs), width*readAmount)
	}

	out := make([]model.Value, 0, readAmount)
	for i := 0; i < readAmount; i++ {
		raw := joinWords(regs[i*width:(i+1)*width], wo)
		v, err := decodeScalar(raw, dt)
		if err != nil {
			return model.Null(), err
		}
		out = append(out, v)
	}
	return model.ListOf(out), nil
}

func decodeScalar(raw uint64, dt model.DataType) (model.Value, error) {
	switch dt {
	case model.TypeBool:
		return model.Bool(raw != 0), nil
	case model.TypeInt16:
		return model.Int(int64(int16(raw))), nil
	case model.TypeUint16:
		return model.Uint(raw & 0xFFFF), nil
	case model.TypeInt32:
		return model.Int(int64(int32(raw))), nil
	case model.TypeUint32:
		return model.Uint(raw & 0xFFFFFFFF), nil
	case model.TypeInt64:
		return model.Int(int64(raw)), nil
	case model.TypeUint64:
		return model.Uint(raw), nil
	case model.TypeFloat32:
		return model.Float(float64(math.Float32frombits(uint32(raw)))), nil
	case model.TypeFloat64:
		return model.Float(math.Float64frombits(raw)), nil
	}
	return model.Null(), fmt.Errorf("codec: cannot decode data type %q", dt)
}

func decodeString(regs []uint16, readAmount int) model.Value {
	buf := make([]byte, 0, len(regs)*2)
	for _, r := range regs {
		buf = append(buf, byte(r>>8), byte(r))
	}
	if len(buf) > readAmount {
		buf = buf[:readAmount]
	}
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return model.String(string(buf))
}

// EncodeBits coerces a scalar or list value to readAmount coil bits.
func EncodeBits(v model.Value, readAmount int) ([]bool, error) {
	items, err := elements(v, readAmount)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(items))
	for i, item := range items {
		b, ok := item.AsBool()
		if !ok {
			return nil, fmt.Errorf("%w: %s as bool", ErrBadType, item.Kind())
		}
		out[i] = b
	}
	return out, nil
}

// EncodeRegisters converts a value to the register array a write of the
// tag must carry. Width policy mirrors DecodeRegisters: integers are
// range-checked rather than truncated, strings are zero-padded to the
// ceiling word count of readAmount.
func EncodeRegisters(v model.Value, dt model.DataType, wo model.WordOrder, readAmount int) ([]uint16, error) {
	if dt == model.TypeString {
		return encodeString(v, readAmount)
	}

	items, err := elements(v, readAmount)
	if err != nil {
		return nil, err
	}

	width := dt.Words()
	out := make([]uint16, 0, width*len(items))
	for _, item := range items {
		raw, err := encodeScalar(item, dt)
		if err != nil {
			return nil, err
		}
		out = append(out, splitWords(raw, width, wo)...)
	}
	return out, nil
}

func encodeScalar(v model.Value, dt model.DataType) (uint64, error) {
	switch dt {
	case model.TypeBool:
		b, ok := v.AsBool()
		if !ok {
			return 0, fmt.Errorf("%w: %s as bool", ErrBadType, v.Kind())
		}
		if b {
			return 1, nil
		}
		return 0, nil

	case model.TypeInt16:
		return encodeSigned(v, math.MinInt16, math.MaxInt16)
	case model.TypeInt32:
		return encodeSigned(v, math.MinInt32, math.MaxInt32)
	case model.TypeInt64:
		return encodeSigned(v, math.MinInt64, math.MaxInt64)

	case model.TypeUint16:
		return encodeUnsigned(v, math.MaxUint16)
	case model.TypeUint32:
		return encodeUnsigned(v, math.MaxUint32)
	case model.TypeUint64:
		return encodeUnsigned(v, math.MaxUint64)

	case model.TypeFloat32:
		f, ok := v.AsFloat64()
		if !ok {
			return 0, fmt.Errorf("%w: %s as float32", ErrBadType, v.Kind())
		}
		if f > math.MaxFloat32 {
			return 0, ErrOverflow
		}
		if f < -math.MaxFloat32 {
			return 0, ErrUnderflow
		}
		return uint64(math.Float32bits(float32(f))), nil

	case model.TypeFloat64:
		f, ok := v.AsFloat64()
		if !ok {
			return 0, fmt.Errorf("%w: %s as float64", ErrBadType, v.Kind())
		}
		return math.Float64bits(f), nil
	}
	return 0, fmt.Errorf("codec: cannot encode data type %q", dt)
}

func encodeSigned(v model.Value, min, max int64) (uint64, error) {
	i, ok := v.AsInt64()
	if !ok {
		// Distinguish out-of-range uints from plain bad types.
		if u, uok := v.AsUint64(); uok {
			if u > uint64(max) {
				return 0, ErrOverflow
			}
			return uint64(int64(u)), nil
		}
		return 0, fmt.Errorf("%w: %s as integer", ErrBadType, v.Kind())
	}
	if i > max {
		return 0, ErrOverflow
	}
	if i < min {
		return 0, ErrUnderflow
	}
	return uint64(i), nil
}

func encodeUnsigned(v model.Value, max uint64) (uint64, error) {
	u, ok := v.AsUint64()
	if !ok {
		if i, iok := v.AsInt64(); iok && i < 0 {
			return 0, ErrUnderflow
		}
		return 0, fmt.Errorf("%w: %s as unsigned integer", ErrBadType, v.Kind())
	}
	if u > max {
		return 0, ErrOverflow
	}
	return u, nil
}

func encodeString(v model.Value, readAmount int) ([]uint16, error) {
	s, ok := v.Unwrap().AsString()
	if !ok {
		return nil, fmt.Errorf("%w: %s as string", ErrBadType, v.Kind())
	}
	if len(s) > readAmount {
		return nil, fmt.Errorf("%w: string length %d exceeds read_amount %d", ErrOverflow, len(s), readAmount)
	}

	words := (readAmount + 1) / 2
	buf := make([]byte, words*2)
	copy(buf, s)

	out := make([]uint16, words)
	for i := range out {
		out[i] = uint16(buf[2*i])<<8 | uint16(buf[2*i+1])
	}
	return out, nil
}

// elements normalizes a scalar to a single-element slice and validates
// that list lengths match the tag's configured read amount.
func elements(v model.Value, readAmount int) ([]model.Value, error) {
	items := v.Items()
	if items == nil {
		items = []model.Value{v}
	}
	if len(items) != readAmount {
		return nil, fmt.Errorf("%w: got %d values, tag expects %d", ErrBadType, len(items), readAmount)
	}
	return items, nil
}

func joinWords(words []uint16, wo model.WordOrder) uint64 {
	var raw uint64
	if wo == model.WordOrderLittle {
		for i := len(words) - 1; i >= 0; i-- {
			raw = raw<<16 | uint64(words[i])
		}
	} else {
		for _, w := range words {
			raw = raw<<16 | uint64(w)
		}
	}
	return raw
}

func splitWords(raw uint64, width int, wo model.WordOrder) []uint16 {
	words := make([]uint16, width)
	for i := 0; i < width; i++ {
		// Fill high word first.
		words[i] = uint16(raw >> (16 * (width - 1 - i)))
	}
	if wo == model.WordOrderLittle {
		for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
	}
	return words
}
