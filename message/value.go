package message

import (
	"math"
)

// ValueKind is the one-byte type discriminator of the typed value universe
// (spec.md §4.1). asterisque represents the whole universe as a single
// closed struct rather than an interface hierarchy (spec.md §9: "no
// subclassing is required").
type ValueKind byte

const (
	KindNull ValueKind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindChar
	KindString
	KindBinary
	KindList
	KindMap
)

func (k ValueKind) valid() bool {
	return k <= KindMap
}

// MapEntry is one key/value pair of a Value of kind KindMap.
type MapEntry struct {
	Key   Value
	Value Value
}

// Value is a single instance of the typed value universe carried by Open
// params and Close results/errors. The zero Value is KindNull.
type Value struct {
	kind ValueKind
	i    int64
	f32  float32
	f64  float64
	str  string
	bin  []byte
	list []Value
	m    []MapEntry
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(v bool) Value           { return Value{kind: KindBool, i: boolToInt(v)} }
func Int8(v int8) Value           { return Value{kind: KindInt8, i: int64(v)} }
func Int16(v int16) Value         { return Value{kind: KindInt16, i: int64(v)} }
func Int32(v int32) Value         { return Value{kind: KindInt32, i: int64(v)} }
func Int64(v int64) Value         { return Value{kind: KindInt64, i: v} }
func Float32(v float32) Value     { return Value{kind: KindFloat32, f32: v} }
func Float64(v float64) Value     { return Value{kind: KindFloat64, f64: v} }
func Char(v rune) Value           { return Value{kind: KindChar, i: int64(v)} }
func String(v string) Value       { return Value{kind: KindString, str: v} }
func Binary(v []byte) Value       { return Value{kind: KindBinary, bin: append([]byte(nil), v...)} }
func List(items []Value) Value    { return Value{kind: KindList, list: items} }
func Map(entries []MapEntry) Value { return Value{kind: KindMap, m: entries} }

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool { return v.i != 0 }

func (v Value) Int8() int8   { return int8(v.i) }
func (v Value) Int16() int16 { return int16(v.i) }
func (v Value) Int32() int32 { return int32(v.i) }
func (v Value) Int64() int64 { return v.i }

func (v Value) Float32() float32 { return v.f32 }
func (v Value) Float64() float64 { return v.f64 }

func (v Value) Char() rune { return rune(v.i) }

func (v Value) String() string { return v.str }

func (v Value) Binary() []byte { return v.bin }

func (v Value) List() []Value { return v.list }

func (v Value) Map() []MapEntry { return v.m }

// Equal reports whether v and o represent the same typed value, recursing
// into lists and maps. Used by codec round-trip tests.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool, KindInt8, KindInt16, KindInt32, KindInt64, KindChar:
		return v.i == o.i
	case KindFloat32:
		return math.Float32bits(v.f32) == math.Float32bits(o.f32)
	case KindFloat64:
		return math.Float64bits(v.f64) == math.Float64bits(o.f64)
	case KindString:
		return v.str == o.str
	case KindBinary:
		if len(v.bin) != len(o.bin) {
			return false
		}
		for i := range v.bin {
			if v.bin[i] != o.bin[i] {
				return false
			}
		}
		return true
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for i := range v.m {
			if !v.m[i].Key.Equal(o.m[i].Key) || !v.m[i].Value.Equal(o.m[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// encodedSize returns the number of bytes writeValue will produce for v,
// used to size-check a message before allocating its frame buffer.
func encodedSize(v Value) int {
	switch v.kind {
	case KindNull:
		return 1
	case KindBool, KindInt8:
		return 2
	case KindInt16:
		return 3
	case KindInt32, KindFloat32:
		return 5
	case KindInt64, KindFloat64:
		return 9
	case KindChar:
		return 3
	case KindString:
		return 3 + len(v.str)
	case KindBinary:
		return 3 + len(v.bin)
	case KindList:
		n := 3
		for _, e := range v.list {
			n += encodedSize(e)
		}
		return n
	case KindMap:
		n := 3
		for _, e := range v.m {
			n += encodedSize(e.Key) + encodedSize(e.Value)
		}
		return n
	}
	return 1
}

// writeValue appends the encoding of v to dst and returns the result.
func writeValue(dst []byte, v Value) ([]byte, error) {
	dst = append(dst, byte(v.kind))
	switch v.kind {
	case KindNull:
		return dst, nil
	case KindBool:
		b := byte(0)
		if v.i != 0 {
			b = 1
		}
		return append(dst, b), nil
	case KindInt8:
		return append(dst, byte(int8(v.i))), nil
	case KindInt16:
		return appendUint16(dst, uint16(int16(v.i))), nil
	case KindInt32:
		return appendUint32(dst, uint32(int32(v.i))), nil
	case KindInt64:
		return appendUint64(dst, uint64(v.i)), nil
	case KindFloat32:
		return appendUint32(dst, math.Float32bits(v.f32)), nil
	case KindFloat64:
		return appendUint64(dst, math.Float64bits(v.f64)), nil
	case KindChar:
		if v.i < 0 || v.i > math.MaxUint16 {
			return nil, codecErrorf("char code point out of range: %d", v.i)
		}
		return appendUint16(dst, uint16(v.i)), nil
	case KindString:
		if len(v.str) > math.MaxUint16 {
			return nil, codecErrorf("string too long: %d bytes", len(v.str))
		}
		dst = appendUint16(dst, uint16(len(v.str)))
		return append(dst, v.str...), nil
	case KindBinary:
		if len(v.bin) > math.MaxUint16 {
			return nil, codecErrorf("binary too long: %d bytes", len(v.bin))
		}
		dst = appendUint16(dst, uint16(len(v.bin)))
		return append(dst, v.bin...), nil
	case KindList:
		if len(v.list) > math.MaxUint16 {
			return nil, codecErrorf("list too long: %d elements", len(v.list))
		}
		dst = appendUint16(dst, uint16(len(v.list)))
		var err error
		for _, e := range v.list {
			dst, err = writeValue(dst, e)
			if err != nil {
				return nil, err
			}
		}
		return dst, nil
	case KindMap:
		if len(v.m) > math.MaxUint16 {
			return nil, codecErrorf("map too long: %d entries", len(v.m))
		}
		dst = appendUint16(dst, uint16(len(v.m)))
		var err error
		for _, e := range v.m {
			dst, err = writeValue(dst, e.Key)
			if err != nil {
				return nil, err
			}
			dst, err = writeValue(dst, e.Value)
			if err != nil {
				return nil, err
			}
		}
		return dst, nil
	}
	return nil, codecErrorf("unknown value kind: %d", v.kind)
}

// readValue decodes a Value from the front of src, returning the value and
// the number of bytes consumed, or ErrUnsatisfied if src is too short.
func readValue(src []byte) (Value, int, error) {
	if len(src) < 1 {
		return Value{}, 0, ErrUnsatisfied
	}
	kind := ValueKind(src[0])
	if !kind.valid() {
		return Value{}, 0, codecErrorf("unknown value discriminator: %d", src[0])
	}
	pos := 1
	switch kind {
	case KindNull:
		return Null(), pos, nil
	case KindBool:
		if len(src) < pos+1 {
			return Value{}, 0, ErrUnsatisfied
		}
		v := src[pos] != 0
		return Bool(v), pos + 1, nil
	case KindInt8:
		if len(src) < pos+1 {
			return Value{}, 0, ErrUnsatisfied
		}
		v := int8(src[pos])
		return Int8(v), pos + 1, nil
	case KindInt16:
		if len(src) < pos+2 {
			return Value{}, 0, ErrUnsatisfied
		}
		v := int16(readUint16(src[pos:]))
		return Int16(v), pos + 2, nil
	case KindInt32:
		if len(src) < pos+4 {
			return Value{}, 0, ErrUnsatisfied
		}
		v := int32(readUint32(src[pos:]))
		return Int32(v), pos + 4, nil
	case KindInt64:
		if len(src) < pos+8 {
			return Value{}, 0, ErrUnsatisfied
		}
		v := int64(readUint64(src[pos:]))
		return Int64(v), pos + 8, nil
	case KindFloat32:
		if len(src) < pos+4 {
			return Value{}, 0, ErrUnsatisfied
		}
		v := math.Float32frombits(readUint32(src[pos:]))
		return Float32(v), pos + 4, nil
	case KindFloat64:
		if len(src) < pos+8 {
			return Value{}, 0, ErrUnsatisfied
		}
		v := math.Float64frombits(readUint64(src[pos:]))
		return Float64(v), pos + 8, nil
	case KindChar:
		if len(src) < pos+2 {
			return Value{}, 0, ErrUnsatisfied
		}
		v := rune(readUint16(src[pos:]))
		return Char(v), pos + 2, nil
	case KindString:
		if len(src) < pos+2 {
			return Value{}, 0, ErrUnsatisfied
		}
		n := int(readUint16(src[pos:]))
		pos += 2
		if len(src) < pos+n {
			return Value{}, 0, ErrUnsatisfied
		}
		v := string(src[pos : pos+n])
		return String(v), pos + n, nil
	case KindBinary:
		if len(src) < pos+2 {
			return Value{}, 0, ErrUnsatisfied
		}
		n := int(readUint16(src[pos:]))
		pos += 2
		if len(src) < pos+n {
			return Value{}, 0, ErrUnsatisfied
		}
		v := Binary(src[pos : pos+n])
		return v, pos + n, nil
	case KindList:
		if len(src) < pos+2 {
			return Value{}, 0, ErrUnsatisfied
		}
		n := int(readUint16(src[pos:]))
		pos += 2
		items := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			item, consumed, err := readValue(src[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, item)
			pos += consumed
		}
		return List(items), pos, nil
	case KindMap:
		if len(src) < pos+2 {
			return Value{}, 0, ErrUnsatisfied
		}
		n := int(readUint16(src[pos:]))
		pos += 2
		entries := make([]MapEntry, 0, n)
		for i := 0; i < n; i++ {
			k, consumed, err := readValue(src[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			pos += consumed
			val, consumed, err := readValue(src[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			pos += consumed
			entries = append(entries, MapEntry{Key: k, Value: val})
		}
		return Map(entries), pos, nil
	}
	return Value{}, 0, codecErrorf("unknown value discriminator: %d", kind)
}
