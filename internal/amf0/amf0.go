// Package amf0 implements the AMF0 tagged-value encoding used by RTMP
// command messages. It is grounded on the teacher repository's amf0.go,
// generalized to preserve object field order on the wire (the teacher
// re-sorts keys alphabetically through a map, which breaks interop with
// strict clients that expect declaration order).
package amf0

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Marker is the one-byte AMF0 type tag.
type Marker byte

const (
	MarkerNumber      Marker = 0x00
	MarkerBoolean     Marker = 0x01
	MarkerString      Marker = 0x02
	MarkerObject      Marker = 0x03
	MarkerNull        Marker = 0x05
	MarkerUndefined   Marker = 0x06
	MarkerReference   Marker = 0x07
	MarkerEcmaArray   Marker = 0x08
	MarkerObjectEnd   Marker = 0x09
	MarkerStrictArray Marker = 0x0A
	MarkerDate        Marker = 0x0B
	MarkerLongString  Marker = 0x0C
	MarkerXMLDocument Marker = 0x0F
	MarkerTypedObject Marker = 0x10
	MarkerAMF3Switch  Marker = 0x11
)

// Kind is the tagged-sum discriminant of a decoded Value, per spec.md §9's
// "tagged sum type" design note.
type Kind int

const (
	KindNumber Kind = iota
	KindBoolean
	KindString
	KindObject
	KindNull
	KindUndefined
	KindEcmaArray
	KindStrictArray
	KindDate
	KindLongString
)

// Property is one name/value pair of an Object or EcmaArray, kept in an
// ordered slice instead of a map so wire order survives a round trip.
type Property struct {
	Name  string
	Value Value
}

// Value is a single AMF0 value of any supported kind.
type Value struct {
	Kind       Kind
	Number     float64
	Boolean    bool
	Str        string
	Properties []Property
	Elements   []Value
}

func Number(n float64) Value           { return Value{Kind: KindNumber, Number: n} }
func Boolean(b bool) Value             { return Value{Kind: KindBoolean, Boolean: b} }
func String(s string) Value            { return Value{Kind: KindString, Str: s} }
func LongString(s string) Value        { return Value{Kind: KindLongString, Str: s} }
func Null() Value                      { return Value{Kind: KindNull} }
func Undefined() Value                 { return Value{Kind: KindUndefined} }
func Date(ms float64) Value            { return Value{Kind: KindDate, Number: ms} }
func Object(props ...Property) Value   { return Value{Kind: KindObject, Properties: props} }
func EcmaArray(props ...Property) Value {
	return Value{Kind: KindEcmaArray, Properties: props}
}
func StrictArray(elems ...Value) Value { return Value{Kind: KindStrictArray, Elements: elems} }

func Prop(name string, v Value) Property { return Property{Name: name, Value: v} }

// Get returns the named property of an Object/EcmaArray, or Undefined if
// absent or v is not an object-like value.
func (v Value) Get(name string) Value {
	for _, p := range v.Properties {
		if p.Name == name {
			return p.Value
		}
	}
	return Undefined()
}

// IsUndefined reports whether v is the Undefined value.
func (v Value) IsUndefined() bool { return v.Kind == KindUndefined }

// AsString returns the string payload, or "" for non-string kinds.
func (v Value) AsString() string {
	if v.Kind == KindString || v.Kind == KindLongString {
		return v.Str
	}
	return ""
}

// AsNumber returns the numeric payload, or 0 for non-numeric kinds.
func (v Value) AsNumber() float64 {
	if v.Kind == KindNumber || v.Kind == KindDate {
		return v.Number
	}
	return 0
}

var (
	// ErrUnknownMarker is returned when a byte stream contains a type tag
	// this decoder does not understand (including AMF3 switch, which this
	// codec does not support per spec.md §4.2).
	ErrUnknownMarker = errors.New("amf0: unknown or unsupported type marker")
	// ErrTruncated is returned when the buffer ends mid-value.
	ErrTruncated = errors.New("amf0: truncated buffer")
)

// Encode appends the wire representation of v to dst and returns the result.
func Encode(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindNumber:
		dst = append(dst, byte(MarkerNumber))
		return encodeFloat64(dst, v.Number)
	case KindDate:
		dst = append(dst, byte(MarkerDate))
		dst = append(dst, 0x00, 0x00)
		return encodeFloat64(dst, v.Number)
	case KindBoolean:
		dst = append(dst, byte(MarkerBoolean))
		if v.Boolean {
			return append(dst, 0x01)
		}
		return append(dst, 0x00)
	case KindString:
		dst = append(dst, byte(MarkerString))
		return encodeShortString(dst, v.Str)
	case KindLongString:
		dst = append(dst, byte(MarkerLongString))
		return encodeLongString(dst, v.Str)
	case KindNull:
		return append(dst, byte(MarkerNull))
	case KindUndefined:
		return append(dst, byte(MarkerUndefined))
	case KindObject:
		dst = append(dst, byte(MarkerObject))
		return encodeProperties(dst, v.Properties)
	case KindEcmaArray:
		dst = append(dst, byte(MarkerEcmaArray))
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v.Properties)))
		dst = append(dst, lenBuf[:]...)
		return encodeProperties(dst, v.Properties)
	case KindStrictArray:
		dst = append(dst, byte(MarkerStrictArray))
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v.Elements)))
		dst = append(dst, lenBuf[:]...)
		for _, e := range v.Elements {
			dst = Encode(dst, e)
		}
		return dst
	default:
		return append(dst, byte(MarkerUndefined))
	}
}

// EncodeAll encodes a sequence of command arguments back to back, as used
// for an RTMP command message body.
func EncodeAll(values ...Value) []byte {
	var out []byte
	for _, v := range values {
		out = Encode(out, v)
	}
	return out
}

func encodeFloat64(dst []byte, f float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
	return append(dst, buf[:]...)
}

func encodeShortString(dst []byte, s string) []byte {
	b := []byte(s)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func encodeLongString(dst []byte, s string) []byte {
	b := []byte(s)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func encodeProperties(dst []byte, props []Property) []byte {
	for _, p := range props {
		dst = encodeShortString(dst, p.Name)
		dst = Encode(dst, p.Value)
	}
	dst = encodeShortString(dst, "")
	return append(dst, byte(MarkerObjectEnd))
}

// decoder walks a byte buffer producing Values, mirroring the teacher's
// AMFDecodingStream but returning errors instead of panicking on overrun.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, ErrTruncated
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) peekByte() (byte, bool) {
	if d.remaining() < 1 {
		return 0, false
	}
	return d.buf[d.pos], true
}

// Decode reads exactly one AMF0 value from buf starting at offset off and
// returns the value, the number of bytes consumed, and any error.
func Decode(buf []byte, off int) (Value, int, error) {
	d := &decoder{buf: buf, pos: off}
	v, err := d.readOne()
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.pos - off, nil
}

// DecodeAll reads AMF0 values back to back until the buffer is exhausted,
// as used to split an RTMP command message body into its arguments.
func DecodeAll(buf []byte) ([]Value, error) {
	d := &decoder{buf: buf}
	var out []Value
	for d.remaining() > 0 {
		v, err := d.readOne()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) readOne() (Value, error) {
	tagBuf, err := d.take(1)
	if err != nil {
		return Value{}, err
	}
	marker := Marker(tagBuf[0])

	switch marker {
	case MarkerNumber:
		f, err := d.readFloat64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case MarkerBoolean:
		b, err := d.take(1)
		if err != nil {
			return Value{}, err
		}
		return Boolean(b[0] != 0x00), nil
	case MarkerString:
		s, err := d.readShortString()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case MarkerLongString, MarkerXMLDocument:
		s, err := d.readLongString()
		if err != nil {
			return Value{}, err
		}
		return LongString(s), nil
	case MarkerDate:
		if _, err := d.take(2); err != nil {
			return Value{}, err
		}
		f, err := d.readFloat64()
		if err != nil {
			return Value{}, err
		}
		return Date(f), nil
	case MarkerNull:
		return Null(), nil
	case MarkerUndefined:
		return Undefined(), nil
	case MarkerReference:
		if _, err := d.take(2); err != nil {
			return Value{}, err
		}
		return Undefined(), nil
	case MarkerObject:
		props, err := d.readProperties()
		if err != nil {
			return Value{}, err
		}
		return Object(props...), nil
	case MarkerEcmaArray:
		if _, err := d.take(4); err != nil {
			return Value{}, err
		}
		props, err := d.readProperties()
		if err != nil {
			return Value{}, err
		}
		return EcmaArray(props...), nil
	case MarkerStrictArray:
		lenBuf, err := d.take(4)
		if err != nil {
			return Value{}, err
		}
		n := binary.BigEndian.Uint32(lenBuf)
		elems := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := d.readOne()
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, e)
		}
		return StrictArray(elems...), nil
	case MarkerTypedObject:
		// Class name is discarded; properties are read like a plain object.
		if _, err := d.readShortString(); err != nil {
			return Value{}, err
		}
		props, err := d.readProperties()
		if err != nil {
			return Value{}, err
		}
		return Object(props...), nil
	default:
		return Value{}, errors.Wrapf(ErrUnknownMarker, "marker 0x%02x", byte(marker))
	}
}

func (d *decoder) readFloat64() (float64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (d *decoder) readShortString() (string, error) {
	lb, err := d.take(2)
	if err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lb)
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) readLongString() (string, error) {
	lb, err := d.take(4)
	if err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lb)
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) readProperties() ([]Property, error) {
	var props []Property
	for {
		if d.remaining() < 3 {
			return nil, ErrTruncated
		}
		b, ok := d.peekByte()
		if ok && b == byte(MarkerObjectEnd) {
			// Malformed but tolerant: bail if end marker appears without the
			// preceding empty-name string (never emitted by this encoder).
			d.pos++
			return props, nil
		}
		name, err := d.readShortString()
		if err != nil {
			return nil, err
		}
		term, ok := d.peekByte()
		if ok && name == "" && term == byte(MarkerObjectEnd) {
			d.pos++
			return props, nil
		}
		val, err := d.readOne()
		if err != nil {
			return nil, err
		}
		props = append(props, Prop(name, val))
	}
}
