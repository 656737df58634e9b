// Package canonical produces a deterministic JSON encoding of arbitrary values.
//
// Two values that are logically equal encode to byte-identical output no matter
// how their maps were built: object keys are sorted by UTF-16 code units, arrays
// keep their order, and every number is written in one form. Integers below
// 1e21 are written exactly; other numbers use the shortest representation of
// the IEEE-754 double, ECMAScript style. A JSON number that neither form
// represents exactly is rejected rather than rounded. The output is valid
// JSON, so an encoded value can be stored, read back and re-encoded to the same
// bytes.
package canonical

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

// maxDepth bounds nesting so hostile payloads cannot exhaust the stack.
const maxDepth = 512

// ErrEncoding is matched by every *EncodingError via errors.Is.
var ErrEncoding = errors.New("canonical encoding failed")

// EncodingError reports a value that has no canonical encoding.
type EncodingError struct {
	Path string
	Err  error
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("canonical encoding: %v", e.Err)
	}
	return fmt.Sprintf("canonical encoding at %s: %v", e.Path, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrEncoding) true for any EncodingError.
func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// Field is one member of an ordered object.
type Field struct {
	Name  string
	Value any
}

// Fields is an object whose members are emitted in declaration order rather
// than sorted. Names must be unique.
type Fields []Field

var (
	rawMessageType = reflect.TypeOf(json.RawMessage(nil))
	numberType     = reflect.TypeOf(json.Number(""))
	fieldsType     = reflect.TypeOf(Fields(nil))
	marshalerType  = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
)

// Encode returns the canonical JSON encoding of v.
func Encode(v any) ([]byte, error) {
	e := &encoder{seen: make(map[visit]struct{})}
	if err := e.encode(reflect.ValueOf(v), "$", 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// Normalize re-encodes raw JSON canonically. It is used on diffs read back from
// storage engines that rewrite JSON (PostgreSQL jsonb reorders keys).
func Normalize(raw []byte) ([]byte, error) {
	return Encode(json.RawMessage(raw))
}

type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type encoder struct {
	buf  bytes.Buffer
	seen map[visit]struct{}
}

func fail(path string, format string, args ...any) error {
	return &EncodingError{Path: path, Err: fmt.Errorf(format, args...)}
}

func (e *encoder) encode(v reflect.Value, path string, depth int) error {
	if depth > maxDepth {
		return fail(path, "nesting exceeds %d levels", maxDepth)
	}
	if !v.IsValid() {
		e.buf.WriteString("null")
		return nil
	}

	switch v.Type() {
	case rawMessageType:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encodeRaw(v.Bytes(), path, depth)
	case numberType:
		return e.encodeNumberString(v.String(), path)
	case fieldsType:
		return e.encodeFields(v, path, depth)
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encode(v.Elem(), path, depth)

	case reflect.Pointer:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if v.Type().Implements(marshalerType) {
			return e.encodeMarshaler(v, path, depth)
		}
		leave, err := e.enter(v, path)
		if err != nil {
			return err
		}
		defer leave()
		return e.encode(v.Elem(), path, depth+1)
	}

	if v.Type().Implements(marshalerType) {
		return e.encodeMarshaler(v, path, depth)
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32:
		return e.encodeFloat(v.Float(), 32, path)

	case reflect.Float64:
		return e.encodeFloat(v.Float(), 64, path)

	case reflect.String:
		return e.encodeString(v.String(), path)

	case reflect.Map:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if v.Type().Key().Kind() != reflect.String {
			return fail(path, "unsupported map key type %s", v.Type().Key())
		}
		leave, err := e.enter(v, path)
		if err != nil {
			return err
		}
		defer leave()
		return e.encodeMap(v, path, depth)

	case reflect.Slice:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.encodeString(base64.StdEncoding.EncodeToString(v.Bytes()), path)
		}
		leave, err := e.enter(v, path)
		if err != nil {
			return err
		}
		defer leave()
		return e.encodeArray(v, path, depth)

	case reflect.Array:
		return e.encodeArray(v, path, depth)

	case reflect.Struct:
		return e.encodeMarshaler(v, path, depth)

	default:
		return fail(path, "unsupported type %s", v.Type())
	}
}

// enter records a reference-typed value on the current path and reports a
// cycle when the same value is already being encoded further up.
func (e *encoder) enter(v reflect.Value, path string) (func(), error) {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, ok := e.seen[key]; ok {
		return nil, fail(path, "cyclic reference of type %s", v.Type())
	}
	e.seen[key] = struct{}{}
	return func() { delete(e.seen, key) }, nil
}

// encodeMarshaler runs the value through encoding/json and re-encodes the
// result canonically. Structs and custom marshalers take this path.
func (e *encoder) encodeMarshaler(v reflect.Value, path string, depth int) error {
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return &EncodingError{Path: path, Err: err}
	}
	return e.encodeRaw(raw, path, depth)
}

func (e *encoder) encodeRaw(raw []byte, path string, depth int) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fail(path, "empty JSON document")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return &EncodingError{Path: path, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if dec.More() {
		return fail(path, "invalid JSON: trailing data")
	}
	return e.encode(reflect.ValueOf(decoded), path, depth+1)
}

func (e *encoder) encodeFields(v reflect.Value, path string, depth int) error {
	fields := v.Interface().(Fields)
	names := make(map[string]struct{}, len(fields))
	e.buf.WriteByte('{')
	for i, f := range fields {
		if _, dup := names[f.Name]; dup {
			return fail(path, "duplicate member %q", f.Name)
		}
		names[f.Name] = struct{}{}
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encodeString(f.Name, path); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(reflect.ValueOf(f.Value), path+"."+f.Name, depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) encodeMap(v reflect.Value, path string, depth int) error {
	keys := make([]string, 0, v.Len())
	values := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		keys = append(keys, k)
		values[k] = iter.Value()
	}
	sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encodeString(k, path); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		if err := e.encode(values[k], path+"."+k, depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) encodeArray(v reflect.Value, path string, depth int) error {
	e.buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

// encodeNumberString writes a JSON number literal. Integral values below 1e21
// are written digit for digit, so IDs and amounts beyond 2^53 keep their value;
// everything else takes the float form, and only when that form denotes
// exactly the literal's value.
func (e *encoder) encodeNumberString(s string, path string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &EncodingError{Path: path, Err: fmt.Errorf("invalid number %q: %w", s, err)}
	}
	if f == 0 {
		if !zeroLiteral(s) {
			return fail(path, "number %q cannot be represented exactly", s)
		}
		e.buf.WriteByte('0')
		return nil
	}

	exact, ok := new(big.Rat).SetString(s)
	if !ok {
		return fail(path, "invalid number %q", s)
	}
	if exact.IsInt() && math.Abs(f) < 1e21 {
		e.buf.WriteString(exact.Num().String())
		return nil
	}

	b, err := formatFloat(f, 64, path)
	if err != nil {
		return err
	}
	if got, ok := new(big.Rat).SetString(string(b)); !ok || got.Cmp(exact) != 0 {
		return fail(path, "number %q cannot be represented exactly", s)
	}
	e.buf.Write(b)
	return nil
}

// zeroLiteral reports whether every mantissa digit of a number literal is 0.
func zeroLiteral(s string) bool {
	for _, c := range s {
		switch {
		case c == 'e' || c == 'E':
			return true
		case c >= '1' && c <= '9':
			return false
		}
	}
	return true
}

func (e *encoder) encodeFloat(f float64, bits int, path string) error {
	b, err := formatFloat(f, bits, path)
	if err != nil {
		return err
	}
	e.buf.Write(b)
	return nil
}

// formatFloat formats f the way ECMAScript's Number.prototype.toString does:
// plain decimal for 1e-6 <= |f| < 1e21, exponent form outside that range.
func formatFloat(f float64, bits int, path string) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fail(path, "unsupported number %v", f)
	}
	if f == 0 {
		return []byte{'0'}, nil
	}
	abs := math.Abs(f)
	format := byte('f')
	if abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	b := strconv.AppendFloat(nil, f, format, -1, bits)
	if format == 'e' {
		// e-07 -> e-7
		n := len(b)
		if n >= 4 && b[n-4] == 'e' && b[n-3] == '-' && b[n-2] == '0' {
			b[n-2] = b[n-1]
			b = b[:n-1]
		}
	}
	return b, nil
}

const hexDigits = "0123456789abcdef"

func (e *encoder) encodeString(s string, path string) error {
	if !utf8.ValidString(s) {
		return fail(path, "string is not valid UTF-8")
	}
	e.buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				e.buf.WriteString(`\u00`)
				e.buf.WriteByte(hexDigits[r>>4])
				e.buf.WriteByte(hexDigits[r&0xF])
				continue
			}
			e.buf.WriteRune(r)
		}
	}
	e.buf.WriteByte('"')
	return nil
}

// lessUTF16 orders strings by their UTF-16 code units.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
