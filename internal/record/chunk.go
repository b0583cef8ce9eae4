// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package record

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
)

// DefaultPacketSize is the number of rows per chunk when the request does not
// choose one.
const DefaultPacketSize = 1000

// ErrQueueEmpty is returned by Pop when no chunk is complete.
var ErrQueueEmpty = errors.New("chunk queue is empty")

// ChunkQueue encodes rows into chunks of at most packetSize records. Completed
// chunks wait in FIFO order until popped. A chunk never splits a record.
type ChunkQueue struct {
	schema     *Schema
	compress   bool
	packetSize int

	done [][]byte

	buf     *bytes.Buffer
	w       io.Writer
	gz      *gzip.Writer
	rows    int
	scratch []byte
}

// NewChunkQueue creates a queue for rows of schema. packetSize values <= 0
// fall back to DefaultPacketSize.
func NewChunkQueue(schema *Schema, packetSize int, compress bool) *ChunkQueue {
	if packetSize <= 0 {
		packetSize = DefaultPacketSize
	}
	q := &ChunkQueue{schema: schema, compress: compress, packetSize: packetSize}
	q.reset()
	return q
}

func (q *ChunkQueue) reset() {
	q.buf = &bytes.Buffer{}
	q.rows = 0
	if q.compress {
		// DefaultCompression is always a valid level.
		q.gz, _ = gzip.NewWriterLevel(q.buf, gzip.DefaultCompression)
		q.w = q.gz
		return
	}
	q.gz = nil
	q.w = q.buf
}

// Write encodes one row in schema field order into the current chunk, sealing
// the chunk once it holds packetSize rows.
func (q *ChunkQueue) Write(row map[string]any) error {
	native, err := q.schema.native(row)
	if err != nil {
		return err
	}
	q.scratch, err = q.schema.codec.BinaryFromNative(q.scratch[:0], native)
	if err != nil {
		return errors.Wrapf(err, "encoding %s record", q.schema.Name)
	}
	if _, err := q.w.Write(q.scratch); err != nil {
		return errors.Wrap(err, "writing record")
	}
	q.rows++
	if q.rows >= q.packetSize {
		return q.seal()
	}
	return nil
}

func (q *ChunkQueue) seal() error {
	if q.gz != nil {
		if err := q.gz.Close(); err != nil {
			return errors.Wrap(err, "closing gzip chunk")
		}
	}
	q.done = append(q.done, q.buf.Bytes())
	q.reset()
	return nil
}

// EnqueueRest seals the in-progress chunk, if it holds any row, even when it
// is smaller than packetSize.
func (q *ChunkQueue) EnqueueRest() error {
	if q.rows == 0 {
		return nil
	}
	return q.seal()
}

// Pop removes and returns the oldest completed chunk.
func (q *ChunkQueue) Pop() ([]byte, error) {
	if len(q.done) == 0 {
		return nil, ErrQueueEmpty
	}
	chunk := q.done[0]
	q.done[0] = nil
	q.done = q.done[1:]
	return chunk, nil
}

// Len is the number of completed chunks.
func (q *ChunkQueue) Len() int { return len(q.done) }

// Empty reports whether there is neither in-progress data nor completed chunks.
func (q *ChunkQueue) Empty() bool { return q.rows == 0 && len(q.done) == 0 }

// Compressed reports whether chunks are gzip streams.
func (q *ChunkQueue) Compressed() bool { return q.compress }
