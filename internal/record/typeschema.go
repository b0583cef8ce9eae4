// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package record

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	timeType = reflect.TypeOf(time.Time{})
	uuidType = reflect.TypeOf(uuid.UUID{})
)

// Binding ties a Go struct type to the record schema derived from it and a
// fixed decode plan assigning each schema field to its struct field.
type Binding struct {
	Type   reflect.Type
	Schema *Schema

	plan []fieldPlan
}

type fieldPlan struct {
	name  string
	index []int
	set   func(dst reflect.Value, v any) error
}

type bindingCache struct {
	mu       sync.RWMutex
	bindings map[reflect.Type]*Binding
}

var defaultBindings = &bindingCache{bindings: make(map[reflect.Type]*Binding)}

// BindingOf returns the binding for the struct type T.
func BindingOf[T any]() (*Binding, error) {
	return BindingFor(reflect.TypeFor[T]())
}

// BindingFor returns the binding for t, which must be a struct type. Bindings
// are computed once per type.
func BindingFor(t reflect.Type) (*Binding, error) {
	c := defaultBindings
	c.mu.RLock()
	b, ok := c.bindings[t]
	c.mu.RUnlock()
	if ok {
		return b, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bindings[t]; ok {
		return b, nil
	}
	b, err := newBinding(t)
	if err != nil {
		return nil, err
	}
	c.bindings[t] = b
	return b, nil
}

type recordJSON struct {
	Type   string      `json:"type"`
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

type fieldJSON struct {
	Name    string   `json:"name"`
	Type    []string `json:"type"`
	Default any      `json:"default"`
}

func newBinding(t reflect.Type) (*Binding, error) {
	if t.Kind() != reflect.Struct {
		return nil, errors.Newf("row type %s must be a struct", t)
	}
	b := &Binding{Type: t}
	rec := recordJSON{Type: "record", Name: recordName(t)}
	if err := collectFields(t, nil, b, &rec); err != nil {
		return nil, err
	}
	text, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling row schema")
	}
	s, err := defaultCache.Get(string(text))
	if err != nil {
		return nil, errors.Wrapf(err, "row type %s", t)
	}
	b.Schema = s
	return b, nil
}

func collectFields(t reflect.Type, parent []int, b *Binding, rec *recordJSON) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int(nil), parent...), i)
		tag := sf.Tag.Get("db")
		if tag == "-" {
			continue
		}
		if sf.Anonymous && tag == "" && sf.Type.Kind() == reflect.Struct && sf.Type != timeType {
			if err := collectFields(sf.Type, index, b, rec); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag != "" {
			name, _, _ = strings.Cut(tag, ",")
		}
		avroType, set, err := planFor(sf.Type)
		if err != nil {
			return errors.Wrapf(err, "field %s.%s", t.Name(), sf.Name)
		}
		rec.Fields = append(rec.Fields, fieldJSON{Name: name, Type: []string{avroSchemaNull, avroType}})
		b.plan = append(b.plan, fieldPlan{name: name, index: index, set: set})
	}
	return nil
}

func recordName(t reflect.Type) string {
	name := t.Name()
	if name == "" {
		return "Row"
	}
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			sb.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// planFor maps a Go field type to its avro primitive and a setter for values
// decoded by goavro.
func planFor(t reflect.Type) (string, func(reflect.Value, any) error, error) {
	if t.Kind() == reflect.Pointer {
		avroType, set, err := planFor(t.Elem())
		if err != nil {
			return "", nil, err
		}
		return avroType, func(dst reflect.Value, v any) error {
			if v == nil {
				dst.SetZero()
				return nil
			}
			p := reflect.New(t.Elem())
			if err := set(p.Elem(), v); err != nil {
				return err
			}
			dst.Set(p)
			return nil
		}, nil
	}

	switch t {
	case timeType:
		return avroSchemaLong, func(dst reflect.Value, v any) error {
			ms, ok := v.(int64)
			if !ok {
				return mismatch(v, t)
			}
			dst.Set(reflect.ValueOf(time.UnixMilli(ms).UTC()))
			return nil
		}, nil
	case uuidType:
		return avroSchemaString, func(dst reflect.Value, v any) error {
			s, ok := v.(string)
			if !ok {
				return mismatch(v, t)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return err
			}
			dst.Set(reflect.ValueOf(id))
			return nil
		}, nil
	}

	switch t.Kind() {
	case reflect.String:
		return avroSchemaString, func(dst reflect.Value, v any) error {
			s, ok := v.(string)
			if !ok {
				return mismatch(v, t)
			}
			dst.SetString(s)
			return nil
		}, nil
	case reflect.Bool:
		return avroSchemaBoolean, func(dst reflect.Value, v any) error {
			x, ok := v.(bool)
			if !ok {
				return mismatch(v, t)
			}
			dst.SetBool(x)
			return nil
		}, nil
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return avroSchemaInt, setInt(t), nil
	case reflect.Int, reflect.Int64:
		return avroSchemaLong, setInt(t), nil
	case reflect.Uint8, reflect.Uint16:
		return avroSchemaInt, setUint(t), nil
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		return avroSchemaLong, setUint(t), nil
	case reflect.Float32:
		return avroSchemaFloat, setFloat(t), nil
	case reflect.Float64:
		return avroSchemaDouble, setFloat(t), nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return avroSchemaBytes, func(dst reflect.Value, v any) error {
				x, ok := v.([]byte)
				if !ok {
					return mismatch(v, t)
				}
				dst.SetBytes(append([]byte(nil), x...))
				return nil
			}, nil
		}
	}
	return "", nil, errors.Newf("unsupported field type %s", t)
}

func integer(v any) (int64, bool) {
	switch x := v.(type) {
	case int32:
		return int64(x), true
	case int64:
		return x, true
	}
	return 0, false
}

func setInt(t reflect.Type) func(reflect.Value, any) error {
	return func(dst reflect.Value, v any) error {
		n, ok := integer(v)
		if !ok {
			return mismatch(v, t)
		}
		if dst.OverflowInt(n) {
			return errors.Newf("value %d overflows %s", n, t)
		}
		dst.SetInt(n)
		return nil
	}
}

func setUint(t reflect.Type) func(reflect.Value, any) error {
	return func(dst reflect.Value, v any) error {
		n, ok := integer(v)
		if !ok {
			return mismatch(v, t)
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return errors.Newf("value %d overflows %s", n, t)
		}
		dst.SetUint(uint64(n))
		return nil
	}
}

func setFloat(t reflect.Type) func(reflect.Value, any) error {
	return func(dst reflect.Value, v any) error {
		switch x := v.(type) {
		case float32:
			dst.SetFloat(float64(x))
		case float64:
			dst.SetFloat(x)
		default:
			return mismatch(v, t)
		}
		return nil
	}
}

func mismatch(v any, t reflect.Type) error {
	return errors.Newf("cannot assign %T to %s", v, t)
}

// Assign copies a decoded record into dst, which must be an addressable value
// of the bound type. Null fields leave the zero value.
func (b *Binding) Assign(dst reflect.Value, rec map[string]any) error {
	for _, p := range b.plan {
		v := rec[p.name]
		field := dst.FieldByIndex(p.index)
		if v == nil {
			field.SetZero()
			continue
		}
		if err := p.set(field, v); err != nil {
			return errors.Wrapf(err, "field %q", p.name)
		}
	}
	return nil
}

// DecodeInto decodes one chunk into values of T using the binding for T.
func DecodeInto[T any](b *Binding, chunk []byte, compressed bool) ([]T, error) {
	recs, err := Decode(b.Schema, chunk, compressed)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(recs))
	for i, rec := range recs {
		if err := b.Assign(reflect.ValueOf(&out[i]).Elem(), rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}
