// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/bureau-foundation/capchan/transport"
)

// CapTagNumber is the CBOR tag marking an indexed capability
// reference in a channel payload. The tag content is the 0-based
// position of the referenced handle in the message's capability list.
// 0x434150 spells "CAP"; the number sits in RFC 8949's
// first-come-first-served allocation range.
const CapTagNumber = 0x434150

// ErrCapabilityIndex reports a capability reference whose index has
// no matching entry in the delivered capability list. A malformed or
// adversarial payload produces this error, never a panic.
var ErrCapabilityIndex = errors.New("codec: capability index out of range")

// CapTable is the capability table of a single message: the ordered
// handle sequence correlating in-band indices with out-of-band raw
// handles. One table exists per encode or per decode call, created
// by that call and discarded when it returns; tables are never
// shared between messages and are not safe for concurrent use.
type CapTable struct {
	handles []transport.Sender
}

// NewCapTable creates a table pre-populated with handles, in order.
// Decoding starts from the capability list delivered with the
// message; encoding starts empty.
func NewCapTable(handles ...transport.Sender) *CapTable {
	return &CapTable{handles: handles}
}

// Append adds a handle and returns its assigned index: the table's
// length at append time, so indices are 0-based in append order.
func (t *CapTable) Append(handle transport.Sender) int {
	t.handles = append(t.handles, handle)
	return len(t.handles) - 1
}

// Handle returns the handle at index. Fails with ErrCapabilityIndex
// when index has no entry.
func (t *CapTable) Handle(index uint64) (transport.Sender, error) {
	if index >= uint64(len(t.handles)) {
		return nil, fmt.Errorf("index %d with %d capabilities delivered: %w",
			index, len(t.handles), ErrCapabilityIndex)
	}
	return t.handles[index], nil
}

// Handles returns the table's handle sequence in index order.
func (t *CapTable) Handles() []transport.Sender {
	return t.handles
}

// Len returns the number of handles in the table.
func (t *CapTable) Len() int {
	return len(t.handles)
}

// Close closes every handle in the table and empties it. Used on the
// decode side, where the table owns the handles delivered with the
// message and resolved endpoints hold independent clones. Returns
// the first close error, after closing everything.
func (t *CapTable) Close() error {
	var firstErr error
	for _, handle := range t.handles {
		if err := handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.handles = nil
	return firstErr
}

// CapabilityMarshaler is implemented by values that transmit as
// out-of-band capabilities rather than bytes. MarshalCapability
// returns the raw handle to place in the message's capability list;
// the caller retains ownership (the transport duplicates handles
// into the message at send time).
type CapabilityMarshaler interface {
	MarshalCapability() (transport.Sender, error)
}

// CapabilityUnmarshaler is the decoding counterpart. It receives a
// fresh clone of the referenced handle and takes ownership of it.
type CapabilityUnmarshaler interface {
	UnmarshalCapability(raw transport.Sender) error
}

// MarshalWithCaps encodes v to CBOR, appending the raw handle of
// every CapabilityMarshaler encountered to table and writing its
// index in the byte stream in its place. Traversal order, and
// therefore index assignment, is deterministic for a given value
// shape: struct fields in declaration order, slice elements in
// order. Unsupported shapes (channels, functions, non-string map
// keys) are errors.
func MarshalWithCaps(v any, table *CapTable) ([]byte, error) {
	tree, err := lower(reflect.ValueOf(v), table)
	if err != nil {
		return nil, err
	}
	return Marshal(tree)
}

// UnmarshalWithCaps decodes data into out (a non-nil pointer),
// resolving every capability reference against table: the handle at
// the referenced index is cloned and handed to the destination's
// CapabilityUnmarshaler. Handles remaining in the table afterwards
// still belong to the table. A reference past the end of the table
// fails with ErrCapabilityIndex.
func UnmarshalWithCaps(data []byte, table *CapTable, out any) error {
	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return fmt.Errorf("codec: unmarshal destination must be a non-nil pointer, got %T", out)
	}
	var tree any
	if err := Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return raise(tree, dst.Elem(), table)
}

// lower converts v into a CBOR-encodable tree, diverting capability
// carriers into the table.
func lower(v reflect.Value, table *CapTable) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if marshaler, ok := capabilityMarshaler(v); ok {
		handle, err := marshaler.MarshalCapability()
		if err != nil {
			return nil, fmt.Errorf("marshaling capability: %w", err)
		}
		index := table.Append(handle)
		return cbor.Tag{Number: CapTagNumber, Content: uint64(index)}, nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return lower(v.Elem(), table)

	case reflect.Struct:
		return lowerStruct(v, table)

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("codec: unsupported map key type %s (keys must be strings)", v.Type().Key())
		}
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			entry, err := lower(iter.Value(), table)
			if err != nil {
				return nil, fmt.Errorf("map key %q: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = entry
		}
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes(), nil
		}
		return lowerList(v, table)

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			out := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(out), v)
			return out, nil
		}
		return lowerList(v, table)

	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v.Interface(), nil

	default:
		return nil, fmt.Errorf("codec: unsupported kind %s", v.Kind())
	}
}

func lowerList(v reflect.Value, table *CapTable) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		element, err := lower(v.Index(i), table)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = element
	}
	return out, nil
}

func lowerStruct(v reflect.Value, table *CapTable) (any, error) {
	structType := v.Type()
	out := make(map[string]any)
	encodable := 0
	unexported := 0
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if field.PkgPath != "" {
			unexported++
			continue
		}
		name, omitEmpty, skip := fieldName(field)
		if skip {
			continue
		}
		encodable++
		value := v.Field(i)
		if omitEmpty && value.IsZero() {
			continue
		}
		lowered, err := lower(value, table)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", structType.Name(), field.Name, err)
		}
		out[name] = lowered
	}
	// A struct that hides all of its state cannot round-trip; this
	// catches a Receiver (or a mutex) placed in a payload by mistake.
	if encodable == 0 && unexported > 0 {
		return nil, fmt.Errorf("codec: type %s has no encodable fields", structType)
	}
	return out, nil
}

// fieldName resolves the encoded name of a struct field: cbor tag,
// json tag fallback, field name otherwise.
func fieldName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("cbor")
	if tag == "" {
		tag = field.Tag.Get("json")
	}
	if tag == "-" {
		return "", false, true
	}
	name = field.Name
	if tag != "" {
		parts := strings.Split(tag, ",")
		if parts[0] != "" {
			name = parts[0]
		}
		for _, option := range parts[1:] {
			if option == "omitempty" {
				omitEmpty = true
			}
		}
	}
	return name, omitEmpty, false
}

func capabilityMarshaler(v reflect.Value) (CapabilityMarshaler, bool) {
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
		return nil, false
	}
	if !v.CanInterface() {
		return nil, false
	}
	marshaler, ok := v.Interface().(CapabilityMarshaler)
	return marshaler, ok
}

// raise populates dst from a decoded generic tree, resolving
// capability references through the table.
func raise(node any, dst reflect.Value, table *CapTable) error {
	// Capability references resolve before any structural handling:
	// the destination decides how the handle is wrapped.
	if tag, ok := node.(cbor.Tag); ok && tag.Number == CapTagNumber {
		return raiseCapability(tag, dst, table)
	}

	switch dst.Kind() {
	case reflect.Pointer:
		if node == nil {
			dst.SetZero()
			return nil
		}
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return raise(node, dst.Elem(), table)

	case reflect.Interface:
		if dst.NumMethod() != 0 {
			return fmt.Errorf("codec: cannot decode into non-empty interface %s", dst.Type())
		}
		if node == nil {
			dst.SetZero()
			return nil
		}
		dst.Set(reflect.ValueOf(node))
		return nil

	case reflect.Bool:
		value, ok := node.(bool)
		if !ok {
			return typeError(node, dst)
		}
		dst.SetBool(value)
		return nil

	case reflect.String:
		value, ok := node.(string)
		if !ok {
			return typeError(node, dst)
		}
		dst.SetString(value)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch value := node.(type) {
		case int64:
			if dst.OverflowInt(value) {
				return fmt.Errorf("codec: %d overflows %s", value, dst.Type())
			}
			dst.SetInt(value)
		case uint64:
			if value > math.MaxInt64 || dst.OverflowInt(int64(value)) {
				return fmt.Errorf("codec: %d overflows %s", value, dst.Type())
			}
			dst.SetInt(int64(value))
		default:
			return typeError(node, dst)
		}
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch value := node.(type) {
		case uint64:
			if dst.OverflowUint(value) {
				return fmt.Errorf("codec: %d overflows %s", value, dst.Type())
			}
			dst.SetUint(value)
		case int64:
			if value < 0 || dst.OverflowUint(uint64(value)) {
				return fmt.Errorf("codec: %d overflows %s", value, dst.Type())
			}
			dst.SetUint(uint64(value))
		default:
			return typeError(node, dst)
		}
		return nil

	case reflect.Float32, reflect.Float64:
		switch value := node.(type) {
		case float64:
			dst.SetFloat(value)
		case int64:
			dst.SetFloat(float64(value))
		case uint64:
			dst.SetFloat(float64(value))
		default:
			return typeError(node, dst)
		}
		return nil

	case reflect.Slice:
		if node == nil {
			dst.SetZero()
			return nil
		}
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			value, ok := node.([]byte)
			if !ok {
				return typeError(node, dst)
			}
			dst.SetBytes(value)
			return nil
		}
		list, ok := node.([]any)
		if !ok {
			return typeError(node, dst)
		}
		out := reflect.MakeSlice(dst.Type(), len(list), len(list))
		for i, element := range list {
			if err := raise(element, out.Index(i), table); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		dst.Set(out)
		return nil

	case reflect.Array:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			value, ok := node.([]byte)
			if !ok {
				return typeError(node, dst)
			}
			if len(value) != dst.Len() {
				return fmt.Errorf("codec: %d bytes into %s", len(value), dst.Type())
			}
			reflect.Copy(dst, reflect.ValueOf(value))
			return nil
		}
		list, ok := node.([]any)
		if !ok {
			return typeError(node, dst)
		}
		if len(list) != dst.Len() {
			return fmt.Errorf("codec: %d elements into %s", len(list), dst.Type())
		}
		for i, element := range list {
			if err := raise(element, dst.Index(i), table); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil

	case reflect.Map:
		if dst.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("codec: unsupported map key type %s (keys must be strings)", dst.Type().Key())
		}
		if node == nil {
			dst.SetZero()
			return nil
		}
		entries, ok := node.(map[string]any)
		if !ok {
			return typeError(node, dst)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(entries))
		elemType := dst.Type().Elem()
		keyType := dst.Type().Key()
		for key, value := range entries {
			element := reflect.New(elemType).Elem()
			if err := raise(value, element, table); err != nil {
				return fmt.Errorf("map key %q: %w", key, err)
			}
			out.SetMapIndex(reflect.ValueOf(key).Convert(keyType), element)
		}
		dst.Set(out)
		return nil

	case reflect.Struct:
		entries, ok := node.(map[string]any)
		if !ok {
			return typeError(node, dst)
		}
		structType := dst.Type()
		for i := 0; i < structType.NumField(); i++ {
			field := structType.Field(i)
			if field.PkgPath != "" {
				continue
			}
			name, _, skip := fieldName(field)
			if skip {
				continue
			}
			value, present := entries[name]
			if !present {
				continue
			}
			if err := raise(value, dst.Field(i), table); err != nil {
				return fmt.Errorf("field %s.%s: %w", structType.Name(), field.Name, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("codec: unsupported kind %s", dst.Kind())
	}
}

func raiseCapability(tag cbor.Tag, dst reflect.Value, table *CapTable) error {
	index, ok := tag.Content.(uint64)
	if !ok {
		return fmt.Errorf("codec: capability reference with non-integer index %v", tag.Content)
	}

	// The destination may be the endpoint type itself or a pointer
	// to it.
	if dst.Kind() == reflect.Pointer {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		dst = dst.Elem()
	}
	if !dst.CanAddr() {
		return fmt.Errorf("codec: capability destination %s is not addressable", dst.Type())
	}
	unmarshaler, ok := dst.Addr().Interface().(CapabilityUnmarshaler)
	if !ok {
		return fmt.Errorf("codec: capability reference cannot decode into %s", dst.Type())
	}

	handle, err := table.Handle(index)
	if err != nil {
		return err
	}
	// The table keeps its handle; the destination receives an
	// independent clone, so the endpoint stays usable after the
	// table is closed.
	dup, err := handle.Clone()
	if err != nil {
		return fmt.Errorf("duplicating capability %d: %w", index, err)
	}
	if err := unmarshaler.UnmarshalCapability(dup); err != nil {
		dup.Close()
		return fmt.Errorf("unmarshaling capability %d: %w", index, err)
	}
	return nil
}

func typeError(node any, dst reflect.Value) error {
	return fmt.Errorf("codec: cannot decode %T into %s", node, dst.Type())
}
