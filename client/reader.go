// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package client

import (
	"context"
	"iter"

	"github.com/cockroachdb/errors"

	"grpcsqlproxy/internal/proxypb"
	"grpcsqlproxy/internal/record"
)

// ErrNoMoreResultSets is returned when reading past the last result set.
var ErrNoMoreResultSets = errors.New("sqlproxy: no more result sets")

// Reader walks the result sets of a QueryMultiple call in order. Each Read
// call consumes exactly one set, which must be read with the row type whose
// schema was declared at that position.
type Reader struct {
	ctx      context.Context
	call     *call
	sets     int
	index    int32
	consumed bool
}

// Consumed reports whether the last result set has been read.
func (r *Reader) Consumed() bool { return r.consumed }

// Len is the number of result sets declared by the query.
func (r *Reader) Len() int { return r.sets }

// SingleSet yields the packets of the current result set, up to its SetLast
// packet or the Last packet of the call. Breaking out early skips the rest
// of the set so the next call starts on the following one.
func (r *Reader) SingleSet() iter.Seq2[*proxypb.Response, error] {
	return func(yield func(*proxypb.Response, error) bool) {
		if r.consumed {
			yield(nil, ErrNoMoreResultSets)
			return
		}
		wanted := true
		for {
			resp, err := r.call.next(r.ctx)
			if err != nil {
				r.consumed = true
				if wanted {
					yield(nil, err)
				}
				return
			}
			if resp == nil {
				r.consumed = true
				return
			}
			if resp.Index != r.index {
				r.consumed = true
				r.call.abandon()
				if wanted {
					yield(nil, errors.Newf("packet for result set %d while reading set %d", resp.Index, r.index))
				}
				return
			}
			if wanted && !yield(resp, nil) {
				wanted = false
			}
			switch resp.Last {
			case proxypb.SetLast:
				r.index++
				return
			case proxypb.Last:
				r.consumed = true
				return
			}
		}
	}
}

// Close reads and discards whatever result sets remain.
func (r *Reader) Close() error {
	if r.consumed {
		return nil
	}
	r.consumed = true
	return r.call.drain(r.ctx)
}

func readSet[T any](r *Reader, each func(T) bool) error {
	b, err := record.BindingOf[T]()
	if err != nil {
		return err
	}
	var readErr error
	for resp, err := range r.SingleSet() {
		if err != nil {
			return err
		}
		if readErr != nil || len(resp.Result) == 0 {
			continue
		}
		rows, err := record.DecodeInto[T](b, resp.Result, resp.Compressed)
		if err != nil {
			readErr = errors.Wrapf(err, "result set %d", resp.Index)
			continue
		}
		for _, row := range rows {
			if !each(row) {
				break
			}
		}
	}
	return readErr
}

// ReadAll decodes the current result set into T.
func ReadAll[T any](r *Reader) ([]T, error) {
	var out []T
	err := readSet(r, func(row T) bool {
		out = append(out, row)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadFirst returns the first row of the current result set, or ErrNoRows.
// The whole set is consumed.
func ReadFirst[T any](r *Reader) (T, error) {
	row, ok, err := readFirst[T](r)
	if err == nil && !ok {
		err = ErrNoRows
	}
	return row, err
}

// ReadFirstOrDefault is ReadFirst returning the zero T for an empty set.
func ReadFirstOrDefault[T any](r *Reader) (T, error) {
	row, _, err := readFirst[T](r)
	return row, err
}

func readFirst[T any](r *Reader) (T, bool, error) {
	var (
		first T
		found bool
	)
	err := readSet(r, func(row T) bool {
		if !found {
			first, found = row, true
		}
		return false
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return first, found, nil
}
