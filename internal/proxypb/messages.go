// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package proxypb holds the wire messages and the gRPC service descriptor of the
// SqlProxy service described in proto/sqlproxy.proto.
//
// Messages are encoded with the protobuf wire format through protowire, so
// peers built from the .proto file with protoc interoperate with this package.
package proxypb

import (
	"fmt"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// LastKind marks the chunk boundary semantics of a Response.
type LastKind int32

const (
	// Mid is an interior chunk of the current result set.
	Mid LastKind = 0
	// SetLast terminates one result set of a multi-set batch; more sets follow.
	SetLast LastKind = 1
	// Last terminates the whole logical operation.
	Last LastKind = 2
)

// ErrMoreResultSets starts the error a server reports when a multi-set query
// produces more result sets than the request declared schemas.
const ErrMoreResultSets = "query returned more result sets than the declared schemas"

func (k LastKind) String() string {
	switch k {
	case Mid:
		return "Mid"
	case SetLast:
		return "SetLast"
	case Last:
		return "Last"
	}
	return fmt.Sprintf("LastKind(%d)", int32(k))
}

// Request is one logical SQL operation sent by a client.
type Request struct {
	ID         string
	ConnString string
	Query      string
	// Params is a JSON encoded object of named parameters.
	Params     string
	Schema     []string
	PacketSize int32
	Compress   bool
}

// Response is one packet of the answer to a Request.
type Response struct {
	ID         string
	Result     []byte
	Error      string
	Last       LastKind
	Compressed bool
	Index      int32
}

const (
	reqID         protowire.Number = 1
	reqConnString protowire.Number = 2
	reqQuery      protowire.Number = 3
	reqParams     protowire.Number = 4
	reqSchema     protowire.Number = 5
	reqPacketSize protowire.Number = 6
	reqCompress   protowire.Number = 7

	resID         protowire.Number = 1
	resResult     protowire.Number = 2
	resError      protowire.Number = 3
	resLast       protowire.Number = 4
	resCompressed protowire.Number = 5
	resIndex      protowire.Number = 6
)

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func boolToVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// Marshal encodes the request in protobuf wire format.
func (r *Request) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, reqID, r.ID)
	b = appendString(b, reqConnString, r.ConnString)
	b = appendString(b, reqQuery, r.Query)
	b = appendString(b, reqParams, r.Params)
	for _, s := range r.Schema {
		// repeated string keeps empty elements
		b = protowire.AppendTag(b, reqSchema, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendVarint(b, reqPacketSize, uint64(int64(r.PacketSize)))
	b = appendVarint(b, reqCompress, boolToVarint(r.Compress))
	return b, nil
}

// Unmarshal decodes a request from protobuf wire format.
func (r *Request) Unmarshal(b []byte) error {
	*r = Request{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == reqID && typ == protowire.BytesType:
			return consumeString(b, &r.ID)
		case num == reqConnString && typ == protowire.BytesType:
			return consumeString(b, &r.ConnString)
		case num == reqQuery && typ == protowire.BytesType:
			return consumeString(b, &r.Query)
		case num == reqParams && typ == protowire.BytesType:
			return consumeString(b, &r.Params)
		case num == reqSchema && typ == protowire.BytesType:
			var s string
			n, err := consumeString(b, &s)
			if err == nil {
				r.Schema = append(r.Schema, s)
			}
			return n, err
		case num == reqPacketSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.PacketSize = int32(v)
			return n, protowire.ParseError(n)
		case num == reqCompress && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Compress = v != 0
			return n, protowire.ParseError(n)
		}
		n := protowire.ConsumeFieldValue(num, typ, b)
		return n, protowire.ParseError(n)
	})
}

// Marshal encodes the response in protobuf wire format.
func (r *Response) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, resID, r.ID)
	if len(r.Result) > 0 {
		b = protowire.AppendTag(b, resResult, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Result)
	}
	b = appendString(b, resError, r.Error)
	b = appendVarint(b, resLast, uint64(r.Last))
	b = appendVarint(b, resCompressed, boolToVarint(r.Compressed))
	b = appendVarint(b, resIndex, uint64(int64(r.Index)))
	return b, nil
}

// Unmarshal decodes a response from protobuf wire format.
func (r *Response) Unmarshal(b []byte) error {
	*r = Response{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == resID && typ == protowire.BytesType:
			return consumeString(b, &r.ID)
		case num == resResult && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				r.Result = append([]byte(nil), v...)
			}
			return n, protowire.ParseError(n)
		case num == resError && typ == protowire.BytesType:
			return consumeString(b, &r.Error)
		case num == resLast && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Last = LastKind(int32(v))
			return n, protowire.ParseError(n)
		case num == resCompressed && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Compressed = v != 0
			return n, protowire.ParseError(n)
		case num == resIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Index = int32(v)
			return n, protowire.ParseError(n)
		}
		n := protowire.ConsumeFieldValue(num, typ, b)
		return n, protowire.ParseError(n)
	})
}

// consumeString decodes a proto3 string field, which must be valid UTF-8.
func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return n, protowire.ParseError(n)
	}
	if !utf8.ValidString(v) {
		return n, errInvalidUTF8
	}
	*dst = v
	return n, nil
}

var errInvalidUTF8 = errors.New("string field contains invalid UTF-8")

// consumeFields walks every field of a message. field returns the number of
// value bytes it consumed.
func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "invalid tag")
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		b = b[m:]
	}
	return nil
}
