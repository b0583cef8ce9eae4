// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package record

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
)

// encoderFor builds the function turning a driver value into the goavro
// native value of f.
func encoderFor(f Field) func(any) (any, error) {
	var conv func(any) (any, error)
	switch f.Type {
	case avroSchemaBoolean:
		conv = toBoolean
	case avroSchemaBytes:
		conv = toBytes
	case avroSchemaDouble:
		conv = toDouble
	case avroSchemaFloat:
		conv = func(v any) (any, error) {
			d, err := toDouble(v)
			if err != nil {
				return nil, err
			}
			return float32(d.(float64)), nil
		}
	case avroSchemaInt:
		conv = func(v any) (any, error) {
			l, err := toLong(v)
			if err != nil {
				return nil, err
			}
			n := l.(int64)
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, errors.Newf("value %d overflows int", n)
			}
			return int32(n), nil
		}
	case avroSchemaLong:
		conv = toLong
	case avroSchemaString:
		conv = toString
	case avroSchemaNull:
		return func(any) (any, error) { return nil, nil }
	default:
		conv = func(v any) (any, error) { return v, nil }
	}

	if !f.Nullable {
		return func(v any) (any, error) {
			v, err := normalize(v)
			if err != nil {
				return nil, err
			}
			if v == nil {
				return nil, errors.New("null value for non-nullable field")
			}
			return conv(v)
		}
	}
	unionKey := f.Type
	return func(v any) (any, error) {
		v, err := normalize(v)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return goavro.Union(avroSchemaNull, nil), nil
		}
		encoded, err := conv(v)
		if err != nil {
			return nil, err
		}
		if unionKey == "" {
			return encoded, nil
		}
		return goavro.Union(unionKey, encoded), nil
	}
}

// normalize unwraps driver.Valuer implementations into plain driver values.
func normalize(v any) (any, error) {
	if valuer, ok := v.(driver.Valuer); ok {
		return valuer.Value()
	}
	return v, nil
}

func toLong(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, errors.Newf("value %d overflows long", x)
		}
		return int64(x), nil
	case float32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case time.Time:
		return x.UnixMilli(), nil
	}
	return nil, errors.Newf("cannot encode %T as long", v)
}

func toDouble(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	}
	l, err := toLong(v)
	if err != nil {
		return nil, errors.Newf("cannot encode %T as double", v)
	}
	return float64(l.(int64)), nil
}

func toString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case [16]byte:
		return uuid.UUID(x).String(), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	if l, err := toLong(v); err == nil {
		return strconv.FormatInt(l.(int64), 10), nil
	}
	return fmt.Sprint(v), nil
}

func toBytes(v any) (any, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	case [16]byte:
		return x[:], nil
	}
	return nil, errors.Newf("cannot encode %T as bytes", v)
}

func toBoolean(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	case []byte:
		return strconv.ParseBool(string(x))
	}
	l, err := toLong(v)
	if err != nil {
		return nil, errors.Newf("cannot encode %T as boolean", v)
	}
	return l.(int64) != 0, nil
}
