// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package record implements the binary record format exchanged by the proxy.
// Rows are serialized as Avro binary records against a named record schema,
// grouped into bounded chunks, and optionally gzip compressed per chunk.
//
// Records are positional on the wire: both peers must hold the same schema
// for a result set.
package record

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/linkedin/goavro/v2"
)

const (
	avroSchemaBoolean = `boolean`
	avroSchemaBytes   = `bytes`
	avroSchemaDouble  = `double`
	avroSchemaFloat   = `float`
	avroSchemaInt     = `int`
	avroSchemaLong    = `long`
	avroSchemaNull    = `null`
	avroSchemaString  = `string`
)

// Field is one field of a record schema, in declared order.
type Field struct {
	Name string
	Pos  int
	// Type is the avro primitive name, or "" for complex types which are
	// passed through to goavro untouched.
	Type     string
	Nullable bool

	encodeFn func(any) (any, error)
}

// Schema is a parsed avro record schema plus its compiled codec.
type Schema struct {
	Name   string
	Text   string
	Fields []Field

	codec *goavro.Codec
}

type schemaJSON struct {
	Type   string            `json:"type"`
	Name   string            `json:"name"`
	Fields []fieldSchemaJSON `json:"fields"`
}

type fieldSchemaJSON struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

// Parse compiles an avro record schema. Only top-level record schemas are
// accepted since every result set row is a record.
func Parse(text string) (*Schema, error) {
	var raw schemaJSON
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, errors.Wrap(err, "invalid schema json")
	}
	if raw.Type != "record" {
		return nil, errors.Newf("schema %q must be a record, got %q", raw.Name, raw.Type)
	}
	codec, err := goavro.NewCodec(text)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling schema %q", raw.Name)
	}
	s := &Schema{Name: raw.Name, Text: text, codec: codec}
	for i, f := range raw.Fields {
		typ, nullable := fieldType(f.Type)
		field := Field{Name: f.Name, Pos: i, Type: typ, Nullable: nullable}
		field.encodeFn = encoderFor(field)
		s.Fields = append(s.Fields, field)
	}
	return s, nil
}

// fieldType resolves the primitive type of a field and whether it is a
// ["null", T] union.
func fieldType(raw json.RawMessage) (typ string, nullable bool) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return primitive(name), false
	}
	var union []json.RawMessage
	if err := json.Unmarshal(raw, &union); err == nil {
		var branches []string
		for _, b := range union {
			t, _ := fieldType(b)
			if t == avroSchemaNull {
				nullable = true
				continue
			}
			branches = append(branches, t)
		}
		if len(branches) == 1 {
			return branches[0], nullable
		}
		return "", nullable
	}
	var obj struct {
		Type        json.RawMessage `json:"type"`
		LogicalType string          `json:"logicalType"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.LogicalType == "" && len(obj.Type) > 0 {
		t, n := fieldType(obj.Type)
		return t, n
	}
	return "", false
}

func primitive(name string) string {
	switch name {
	case avroSchemaBoolean, avroSchemaBytes, avroSchemaDouble, avroSchemaFloat,
		avroSchemaInt, avroSchemaLong, avroSchemaNull, avroSchemaString:
		return name
	}
	return ""
}

// FieldNames returns the field names in declared order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// native converts a row mapping into the goavro native form of the record.
// Column lookup falls back to a case-insensitive match since drivers differ
// in how they fold unquoted identifiers.
func (s *Schema) native(row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := row[f.Name]
		if !ok {
			v, ok = lookupFold(row, f.Name)
		}
		if !ok {
			v = nil
		}
		enc, err := f.encodeFn(v)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", f.Name)
		}
		out[f.Name] = enc
	}
	return out, nil
}

func lookupFold(row map[string]any, name string) (any, bool) {
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// Cache memoizes parsed schemas by their text for the process lifetime.
type Cache struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewCache creates an empty schema cache.
func NewCache() *Cache {
	return &Cache{schemas: make(map[string]*Schema)}
}

var defaultCache = NewCache()

// Get returns the schema parsed from text, parsing it on first use.
func (c *Cache) Get(text string) (*Schema, error) {
	c.mu.RLock()
	s, ok := c.schemas[text]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[text]; ok {
		return s, nil
	}
	s, err := Parse(text)
	if err != nil {
		return nil, err
	}
	c.schemas[text] = s
	return s, nil
}

// GetSchema looks text up in the process wide cache.
func GetSchema(text string) (*Schema, error) {
	return defaultCache.Get(text)
}
