// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package server

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"grpcsqlproxy/internal/proxypb"
	"grpcsqlproxy/internal/record"
	"grpcsqlproxy/internal/sqlexec"
)

// emitFunc writes one response packet to the stream.
type emitFunc func(*proxypb.Response) error

// keyword is a reserved query handled by the session instead of the database.
type keyword int

const (
	kwNone keyword = iota
	kwBegin
	kwCommit
	kwRollback
	kwNoop
	kwConnect
)

// parseKeyword matches the reserved queries case-insensitively, ignoring
// semicolons and surrounding spaces.
func parseKeyword(query string) keyword {
	q := strings.TrimSpace(strings.ReplaceAll(strings.ToUpper(query), ";", ""))
	switch q {
	case "BEGIN TRANSACTION":
		return kwBegin
	case "COMMIT":
		return kwCommit
	case "ROLLBACK":
		return kwRollback
	case "NOOP":
		return kwNoop
	case "CONNECT":
		return kwConnect
	}
	return kwNone
}

// streamer turns the output of one request into response packets.
type streamer struct {
	id         string
	packetSize int
	compress   bool
	cache      *record.Cache
	emit       emitFunc

	// index is the result set being streamed, echoed on error packets.
	index int32
}

func (st *streamer) done() error {
	return st.emit(&proxypb.Response{ID: st.id, Last: proxypb.Last, Index: st.index})
}

// exec runs a statement without a result set.
func (st *streamer) exec(ctx context.Context, q sqlexec.Querier, sql string, params map[string]any) error {
	if err := q.Exec(ctx, sql, params); err != nil {
		return err
	}
	return st.done()
}

// query streams the single result set of sql against schemaText.
func (st *streamer) query(ctx context.Context, q sqlexec.Querier, sql string, params map[string]any, schemaText string) error {
	schema, err := st.cache.Get(schemaText)
	if err != nil {
		return err
	}
	rows, err := q.Query(ctx, sql, params)
	if err != nil {
		return err
	}
	defer rows.Close()
	return st.set(rows, schema, func() (proxypb.LastKind, error) {
		return proxypb.Last, rows.Close()
	})
}

// multi streams every result set of sql, binding set i to schemaTexts[i].
// Packets of set i carry index i. The final packet of every set but the last
// is SetLast and the final packet of the last set is Last.
func (st *streamer) multi(ctx context.Context, q sqlexec.Querier, sql string, params map[string]any, schemaTexts []string) error {
	schemas := make([]*record.Schema, len(schemaTexts))
	for i, text := range schemaTexts {
		s, err := st.cache.Get(text)
		if err != nil {
			return errors.Wrapf(err, "schema %d", i)
		}
		schemas[i] = s
	}

	sets, err := q.QueryMultiple(ctx, sql, params)
	if err != nil {
		return err
	}
	defer sets.Close()

	if !sets.NextResultSet() {
		if err := sets.Close(); err != nil {
			return err
		}
		return st.done()
	}
	for i := 0; ; i++ {
		st.index = int32(i)
		more := false
		err := st.set(sets, schemas[i], func() (proxypb.LastKind, error) {
			if sets.NextResultSet() {
				if i+1 >= len(schemas) {
					return 0, errors.Newf("%s (%d)", proxypb.ErrMoreResultSets, len(schemas))
				}
				more = true
				return proxypb.SetLast, nil
			}
			return proxypb.Last, sets.Close()
		})
		if err != nil || !more {
			return err
		}
	}
}

// set streams one result set. Sealed chunks are held back by one so the
// final chunk can carry the kind returned by final, which is asked once the
// rows are exhausted.
func (st *streamer) set(rows sqlexec.Rows, schema *record.Schema, final func() (proxypb.LastKind, error)) error {
	queue := record.NewChunkQueue(schema, st.packetSize, st.compress)
	for rows.Next() {
		row, err := rows.Row()
		if err != nil {
			return err
		}
		if err := queue.Write(row); err != nil {
			return err
		}
		for queue.Len() > 1 {
			if err := st.chunk(queue, proxypb.Mid); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	last, err := final()
	if err != nil {
		return err
	}

	if queue.Empty() {
		return st.emit(&proxypb.Response{ID: st.id, Last: last, Index: st.index})
	}
	if err := queue.EnqueueRest(); err != nil {
		return err
	}
	for queue.Len() > 1 {
		if err := st.chunk(queue, proxypb.Mid); err != nil {
			return err
		}
	}
	return st.chunk(queue, last)
}

func (st *streamer) chunk(queue *record.ChunkQueue, last proxypb.LastKind) error {
	payload, err := queue.Pop()
	if err != nil {
		return err
	}
	return st.emit(&proxypb.Response{
		ID:         st.id,
		Result:     payload,
		Last:       last,
		Compressed: queue.Compressed(),
		Index:      st.index,
	})
}
