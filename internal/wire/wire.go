// Package wire is a small field-level codec on top of protowire, shared by
// the IPC protocol and the cache entry format. Zero values are omitted.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for truncated or otherwise unparsable input
var ErrMalformed = errors.New("malformed message")

// Encoder appends tagged fields to a buffer
type Encoder struct {
	buf []byte
}

// Data returns the encoded message
func (e *Encoder) Data() []byte {
	return e.buf
}

// String appends a length-delimited string field
func (e *Encoder) String(num protowire.Number, s string) {
	if s == "" {
		return
	}

	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

// Strings appends one field per element, preserving order and empty elements
func (e *Encoder) Strings(num protowire.Number, ss []string) {
	for _, s := range ss {
		e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
		e.buf = protowire.AppendString(e.buf, s)
	}
}

// Bytes appends a length-delimited bytes field
func (e *Encoder) Bytes(num protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}

	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

// Uint appends an unsigned varint field
func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}

	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// Int appends a zigzag-encoded signed varint field
func (e *Encoder) Int(num protowire.Number, v int64) {
	if v == 0 {
		return
	}

	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

// Bool appends a boolean field
func (e *Encoder) Bool(num protowire.Number, v bool) {
	if v {
		e.Uint(num, 1)
	}
}

// Message appends a nested message built by fn. Empty messages are still
// written so repeated nested fields keep their count.
func (e *Encoder) Message(num protowire.Number, fn func(*Encoder)) {
	var inner Encoder
	fn(&inner)

	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, inner.buf)
}

// Field is one decoded field value
type Field struct {
	Type   protowire.Type
	varint uint64
	bytes  []byte
}

// String returns a length-delimited field as a string
func (f Field) String() string {
	return string(f.bytes)
}

// Bytes returns a copy of a length-delimited field
func (f Field) Bytes() []byte {
	return append([]byte(nil), f.bytes...)
}

// Raw returns the length-delimited payload without copying, for nested messages
func (f Field) Raw() []byte {
	return f.bytes
}

// Uint returns a varint field
func (f Field) Uint() uint64 {
	return f.varint
}

// Int returns a zigzag varint field
func (f Field) Int() int64 {
	return protowire.DecodeZigZag(f.varint)
}

// Bool returns a varint field as a boolean
func (f Field) Bool() bool {
	return f.varint != 0
}

// Walk calls fn for every known-type field in b. Unknown wire types are skipped.
func Walk(b []byte, fn func(num protowire.Number, f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var f Field
		f.Type = typ

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.bytes = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}

		b = b[n:]
		if err := fn(num, f); err != nil {
			return err
		}
	}

	return nil
}
