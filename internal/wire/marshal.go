/*
 * Package wire implements the reflection-driven binary codec used for
 * the fixed binary wire structures (the data-plane packet header, the
 * SPTPS KEX payload), plus the meta-protocol line format that carries
 * addresses and edges as text, the invitation URL, and the export blob.
 *
 * The binary codec is ported and trimmed from an existing reflection
 * marshaller: the same "order"/"size" struct tag vocabulary, the same
 * field-name-reference and greedy ("*") size resolution, and the same
 * one-type-switch-per-kind structure. The "opt" tag and method-call
 * size/init hooks of that version are dropped — nothing in MeshLink's
 * wire structures needs them, so carrying them forward would be
 * unused complexity.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or (at
 * your option) any later version.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
)

// Errors returned by Marshal/Unmarshal.
var (
	ErrUnknownType  = errors.New("wire: unsupported field type")
	ErrSizeMismatch = errors.New("wire: size mismatch during unmarshal")
	ErrNoSizeTag    = errors.New("wire: missing size tag on variable field")
	ErrFieldRef     = errors.New("wire: size tag references unknown field")
	ErrTruncated    = errors.New("wire: truncated input")
)

// Marshal serializes obj (a struct or pointer to struct) to its binary
// wire representation.
func Marshal(obj interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	v := reflect.ValueOf(obj)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	ctx := &ctxPath{}
	if err := marshalValue(ctx, buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal deserializes data into obj, which must be a pointer to
// struct.
func Unmarshal(data []byte, obj interface{}) error {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("wire: Unmarshal target must be a pointer")
	}
	r := &reader{buf: data}
	ctx := &ctxPath{}
	return unmarshalValue(ctx, r, v.Elem())
}

// ctxPath tracks the struct currently being (un)marshalled so that
// "size:<fieldname>" tags can look up a sibling field's value.
type ctxPath struct {
	parent reflect.Value
}

func marshalValue(ctx *ctxPath, w *bytes.Buffer, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Uint8:
		return w.WriteByte(byte(v.Uint()))
	case reflect.Int8:
		return w.WriteByte(byte(v.Int()))
	case reflect.Uint16, reflect.Int16, reflect.Uint32, reflect.Int32, reflect.Uint64, reflect.Int64:
		return writeInt(w, v)
	case reflect.Bool:
		if v.Bool() {
			return w.WriteByte(1)
		}
		return w.WriteByte(0)
	case reflect.String:
		w.WriteString(v.String())
		return w.WriteByte(0)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			w.Write(v.Bytes())
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := marshalValue(ctx, w, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := marshalValue(ctx, w, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		return marshalStruct(w, v.Elem())
	case reflect.Struct:
		return marshalStruct(w, v)
	}
	return fmt.Errorf("%w: kind %v", ErrUnknownType, v.Kind())
}

func marshalStruct(w *bytes.Buffer, s reflect.Value) error {
	ctx := &ctxPath{parent: s}
	t := s.Type()
	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if !f.CanInterface() {
			continue
		}
		tag := t.Field(i).Tag
		if tag.Get("order") == "big" {
			if err := writeIntOrder(w, f, binary.BigEndian); err != nil {
				return err
			}
			continue
		}
		if err := marshalValue(ctx, w, f); err != nil {
			return err
		}
	}
	return nil
}

func writeInt(w *bytes.Buffer, v reflect.Value) error {
	return writeIntOrder(w, v, binary.LittleEndian)
}

func writeIntOrder(w *bytes.Buffer, v reflect.Value, order binary.ByteOrder) error {
	switch v.Kind() {
	case reflect.Uint16:
		var b [2]byte
		order.PutUint16(b[:], uint16(v.Uint()))
		_, err := w.Write(b[:])
		return err
	case reflect.Int16:
		var b [2]byte
		order.PutUint16(b[:], uint16(v.Int()))
		_, err := w.Write(b[:])
		return err
	case reflect.Uint32:
		var b [4]byte
		order.PutUint32(b[:], uint32(v.Uint()))
		_, err := w.Write(b[:])
		return err
	case reflect.Int32:
		var b [4]byte
		order.PutUint32(b[:], uint32(v.Int()))
		_, err := w.Write(b[:])
		return err
	case reflect.Uint64:
		var b [8]byte
		order.PutUint64(b[:], v.Uint())
		_, err := w.Write(b[:])
		return err
	case reflect.Int64:
		var b [8]byte
		order.PutUint64(b[:], uint64(v.Int()))
		_, err := w.Write(b[:])
		return err
	case reflect.Uint8:
		return w.WriteByte(byte(v.Uint()))
	}
	return fmt.Errorf("%w: kind %v", ErrUnknownType, v.Kind())
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readN(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func unmarshalValue(ctx *ctxPath, r *reader, v reflect.Value) error {
	return unmarshalField(ctx, r, v, reflect.StructTag(""))
}

func unmarshalField(ctx *ctxPath, r *reader, v reflect.Value, tag reflect.StructTag) error {
	order := binary.ByteOrder(binary.LittleEndian)
	if tag.Get("order") == "big" {
		order = binary.BigEndian
	}
	switch v.Kind() {
	case reflect.Uint8:
		b, err := r.readN(1)
		if err != nil {
			return err
		}
		v.SetUint(uint64(b[0]))
		return nil
	case reflect.Int8:
		b, err := r.readN(1)
		if err != nil {
			return err
		}
		v.SetInt(int64(int8(b[0])))
		return nil
	case reflect.Uint16:
		b, err := r.readN(2)
		if err != nil {
			return err
		}
		v.SetUint(uint64(order.Uint16(b)))
		return nil
	case reflect.Int16:
		b, err := r.readN(2)
		if err != nil {
			return err
		}
		v.SetInt(int64(int16(order.Uint16(b))))
		return nil
	case reflect.Uint32:
		b, err := r.readN(4)
		if err != nil {
			return err
		}
		v.SetUint(uint64(order.Uint32(b)))
		return nil
	case reflect.Int32:
		b, err := r.readN(4)
		if err != nil {
			return err
		}
		v.SetInt(int64(int32(order.Uint32(b))))
		return nil
	case reflect.Uint64:
		b, err := r.readN(8)
		if err != nil {
			return err
		}
		v.SetUint(order.Uint64(b))
		return nil
	case reflect.Int64:
		b, err := r.readN(8)
		if err != nil {
			return err
		}
		v.SetInt(int64(order.Uint64(b)))
		return nil
	case reflect.Bool:
		b, err := r.readN(1)
		if err != nil {
			return err
		}
		v.SetBool(b[0] != 0)
		return nil
	case reflect.String:
		var out []byte
		for {
			b, err := r.readN(1)
			if err != nil {
				return err
			}
			if b[0] == 0 {
				break
			}
			out = append(out, b[0])
		}
		v.SetString(string(out))
		return nil
	case reflect.Slice:
		return unmarshalSlice(ctx, r, v, tag)
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := unmarshalField(ctx, r, v.Index(i), reflect.StructTag("")); err != nil {
				return err
			}
		}
		return nil
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return unmarshalStructInto(r, v.Elem())
	case reflect.Struct:
		return unmarshalStructInto(r, v)
	}
	return fmt.Errorf("%w: kind %v", ErrUnknownType, v.Kind())
}

func unmarshalStructInto(r *reader, s reflect.Value) error {
	ctx := &ctxPath{parent: s}
	t := s.Type()
	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if !f.CanSet() {
			continue
		}
		tag := t.Field(i).Tag
		if err := unmarshalField(ctx, r, f, tag); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalSlice(ctx *ctxPath, r *reader, v reflect.Value, tag reflect.StructTag) error {
	elemKind := v.Type().Elem().Kind()
	if elemKind == reflect.Uint8 {
		count, err := resolveSize(ctx, r, tag)
		if err != nil {
			return err
		}
		b, err := r.readN(count)
		if err != nil {
			return err
		}
		cp := make([]byte, count)
		copy(cp, b)
		v.SetBytes(cp)
		return nil
	}
	count, err := resolveSize(ctx, r, tag)
	if err != nil {
		return err
	}
	elemType := v.Type().Elem()
	isPtr := elemType.Kind() == reflect.Ptr
	out := reflect.MakeSlice(v.Type(), 0, count)
	for i := 0; i < count; i++ {
		var e reflect.Value
		if isPtr {
			e = reflect.New(elemType.Elem())
			if err := unmarshalStructInto(r, e.Elem()); err != nil {
				return err
			}
		} else {
			e = reflect.New(elemType).Elem()
			if err := unmarshalField(ctx, r, e, reflect.StructTag("")); err != nil {
				return err
			}
		}
		out = reflect.Append(out, e)
	}
	v.Set(out)
	return nil
}

// resolveSize implements the "size" tag vocabulary of
// data/marshal.go §(2): "*" greedy (read to end of buffer), a decimal
// literal, or the name of a previously-decoded sibling field.
func resolveSize(ctx *ctxPath, r *reader, tag reflect.StructTag) (int, error) {
	sz := tag.Get("size")
	if sz == "" {
		return 0, ErrNoSizeTag
	}
	if sz == "*" {
		return r.remaining(), nil
	}
	if n, err := strconv.Atoi(sz); err == nil {
		return n, nil
	}
	if !ctx.parent.IsValid() {
		return 0, ErrFieldRef
	}
	ref := ctx.parent.FieldByName(sz)
	if !ref.IsValid() {
		return 0, ErrFieldRef
	}
	switch ref.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(ref.Uint()), nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(ref.Int()), nil
	}
	return 0, ErrFieldRef
}

// ReadExact is a convenience helper for callers that need to pull a
// length-prefixed blob off an io.Reader before calling Unmarshal (used
// by SPTPS stream-mode record framing).
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
