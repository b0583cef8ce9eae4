// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package record

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
)

// Decode reads every record of one chunk. Nullable fields come back as the
// plain branch value (or nil) rather than goavro's single-key union maps.
func Decode(s *Schema, chunk []byte, compressed bool) ([]map[string]any, error) {
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(chunk))
		if err != nil {
			return nil, errors.Wrap(err, "opening gzip chunk")
		}
		defer zr.Close()
		chunk, err = io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrap(err, "inflating chunk")
		}
	}

	var rows []map[string]any
	for len(chunk) > 0 {
		native, rest, err := s.codec.NativeFromBinary(chunk)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s record %d", s.Name, len(rows))
		}
		chunk = rest
		m, ok := native.(map[string]any)
		if !ok {
			return nil, errors.Newf("decoded %T, expected record", native)
		}
		for _, f := range s.Fields {
			if f.Nullable {
				m[f.Name] = unwrapUnion(m[f.Name])
			}
		}
		rows = append(rows, m)
	}
	return rows, nil
}

func unwrapUnion(v any) any {
	u, ok := v.(map[string]any)
	if !ok || len(u) != 1 {
		return v
	}
	for _, inner := range u {
		return inner
	}
	return v
}
