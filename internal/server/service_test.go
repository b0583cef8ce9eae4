// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"grpcsqlproxy/internal/proxypb"
	"grpcsqlproxy/internal/record"
	"grpcsqlproxy/internal/sqlexec/sqlexectest"
)

const (
	fakeConn   = "fake://db"
	userSchema = `{"type":"record","name":"User","fields":[{"name":"id","type":"long"},{"name":"name","type":["null","string"]}]}`
	tagSchema  = `{"type":"record","name":"Tag","fields":[{"name":"tag","type":"string"}]}`
)

// dial serves svc over an in-memory listener and returns a connected client.
func dial(t *testing.T, svc *Service) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer(proxypb.ServerOption())
	svc.Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func openStream(t *testing.T, cc *grpc.ClientConn) proxypb.RunClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	stream, err := proxypb.OpenRun(ctx, cc)
	require.NoError(t, err)
	return stream
}

// roundTrip sends req and reads packets until the Last packet for its id.
func roundTrip(t *testing.T, stream proxypb.RunClient, req *proxypb.Request) []*proxypb.Response {
	t.Helper()
	require.NoError(t, stream.Send(req))
	return recvUntilLast(t, stream, req.ID)
}

func recvUntilLast(t *testing.T, stream proxypb.RunClient, id string) []*proxypb.Response {
	t.Helper()
	var out []*proxypb.Response
	for {
		resp, err := stream.Recv()
		require.NoError(t, err)
		if resp.ID != id {
			continue
		}
		out = append(out, resp)
		if resp.Last == proxypb.Last {
			return out
		}
	}
}

func userRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"id": int64(i + 1), "name": fmt.Sprintf("user-%d", i+1)}
	}
	return rows
}

func decodeAll(t *testing.T, schemaText string, packets []*proxypb.Response) []map[string]any {
	t.Helper()
	schema, err := record.Parse(schemaText)
	require.NoError(t, err)
	var rows []map[string]any
	for _, p := range packets {
		if len(p.Result) == 0 {
			continue
		}
		decoded, err := record.Decode(schema, p.Result, p.Compressed)
		require.NoError(t, err)
		rows = append(rows, decoded...)
	}
	return rows
}

func TestParseKeyword(t *testing.T) {
	tests := []struct {
		query string
		want  keyword
	}{
		{"BEGIN TRANSACTION", kwBegin},
		{"begin transaction;", kwBegin},
		{"  Commit ; ", kwCommit},
		{"rollback", kwRollback},
		{"noop", kwNoop},
		{"CONNECT;", kwConnect},
		{"BEGIN", kwNone},
		{"COMMIT; SELECT 1", kwNone},
		{"SELECT 1", kwNone},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := parseKeyword(tt.query); got != tt.want {
				t.Errorf("parseKeyword(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestNoopDoesNotTouchDatabase(t *testing.T) {
	db := sqlexectest.New()
	db.OpenErr = errors.New("database down")
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	packets := roundTrip(t, stream, &proxypb.Request{ID: "1", Query: "NOOP"})
	require.Len(t, packets, 1)
	require.Empty(t, packets[0].Error)
	require.Empty(t, packets[0].Result)
	require.Empty(t, db.Events())
}

func TestNoopAnsweredWhileWorkerBusy(t *testing.T) {
	db := sqlexectest.New()
	release := make(chan struct{})
	db.On("SLOW", sqlexectest.Script{Block: release})
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	require.NoError(t, stream.Send(&proxypb.Request{ID: "slow", ConnString: fakeConn, Query: "SLOW"}))
	require.NoError(t, stream.Send(&proxypb.Request{ID: "ping", Query: "noop;"}))

	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "ping", resp.ID)

	close(release)
	packets := recvUntilLast(t, stream, "slow")
	require.Len(t, packets, 1)
	require.Empty(t, packets[0].Error)
}

func TestExecOnly(t *testing.T) {
	db := sqlexectest.New()
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	packets := roundTrip(t, stream, &proxypb.Request{
		ID:         "1",
		ConnString: fakeConn,
		Query:      "DELETE FROM users WHERE id = @id",
		Params:     `{"id": 3}`,
	})
	require.Len(t, packets, 1)
	require.Equal(t, proxypb.Last, packets[0].Last)
	require.Empty(t, packets[0].Result)
	require.Empty(t, packets[0].Error)
	require.Equal(t, []string{
		"open " + fakeConn,
		"exec DELETE FROM users WHERE id = @id map[id:3]",
	}, db.Events())
}

func TestQueryChunking(t *testing.T) {
	tests := []struct {
		rows       int
		packetSize int32
		packets    int
	}{
		{rows: 0, packetSize: 10, packets: 1},
		{rows: 1, packetSize: 1, packets: 1},
		{rows: 5, packetSize: 10, packets: 1},
		{rows: 10, packetSize: 10, packets: 1},
		{rows: 11, packetSize: 10, packets: 2},
		{rows: 7, packetSize: 2, packets: 4},
		{rows: 9, packetSize: 3, packets: 3},
	}
	for _, compress := range []bool{false, true} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("rows=%d/packet=%d/compress=%v", tt.rows, tt.packetSize, compress), func(t *testing.T) {
				db := sqlexectest.New()
				want := userRows(tt.rows)
				db.On("SELECT * FROM users", sqlexectest.Script{Rows: want})
				stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

				packets := roundTrip(t, stream, &proxypb.Request{
					ID:         "q",
					ConnString: fakeConn,
					Query:      "SELECT * FROM users",
					Schema:     []string{userSchema},
					PacketSize: tt.packetSize,
					Compress:   compress,
				})
				require.Len(t, packets, tt.packets)
				for i, p := range packets {
					require.Empty(t, p.Error)
					if i < len(packets)-1 {
						require.Equal(t, proxypb.Mid, p.Last)
					}
					if tt.rows > 0 {
						require.NotEmpty(t, p.Result)
						require.Equal(t, compress, p.Compressed)
					}
				}
				if tt.rows == 0 {
					require.Empty(t, packets[0].Result)
				}

				got := decodeAll(t, userSchema, packets)
				require.Len(t, got, tt.rows)
				for i, row := range got {
					require.Equal(t, want[i]["id"], row["id"])
					require.Equal(t, want[i]["name"], row["name"])
				}
			})
		}
	}
}

func TestPacketSizeCoercion(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	db := sqlexectest.New()
	db.On("SELECT * FROM users", sqlexectest.Script{Rows: userRows(1500)})
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()), WithLogger(zap.New(core)))))

	packets := roundTrip(t, stream, &proxypb.Request{
		ID:         "q",
		ConnString: fakeConn,
		Query:      "SELECT * FROM users",
		Schema:     []string{userSchema},
		PacketSize: -5,
	})
	require.Len(t, packets, 2)
	require.Len(t, decodeAll(t, userSchema, packets[:1]), record.DefaultPacketSize)
	require.Equal(t, 1, logs.FilterMessage("packet size coerced").Len())
}

func TestMultipleResultSets(t *testing.T) {
	db := sqlexectest.New()
	db.On("BATCH", sqlexectest.Script{Sets: [][]map[string]any{
		userRows(3),
		{},
		{{"tag": "a"}, {"tag": "b"}},
	}})
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	packets := roundTrip(t, stream, &proxypb.Request{
		ID:         "m",
		ConnString: fakeConn,
		Query:      "BATCH",
		Schema:     []string{userSchema, userSchema, tagSchema},
		PacketSize: 2,
	})

	counts := map[proxypb.LastKind]int{}
	byIndex := map[int32][]*proxypb.Response{}
	for _, p := range packets {
		require.Empty(t, p.Error)
		counts[p.Last]++
		byIndex[p.Index] = append(byIndex[p.Index], p)
	}
	require.Equal(t, 2, counts[proxypb.SetLast])
	require.Equal(t, 1, counts[proxypb.Last])
	require.Equal(t, proxypb.Last, packets[len(packets)-1].Last)
	require.Equal(t, int32(2), packets[len(packets)-1].Index)

	require.Len(t, byIndex[0], 2)
	require.Equal(t, proxypb.SetLast, byIndex[0][1].Last)
	require.Len(t, decodeAll(t, userSchema, byIndex[0]), 3)
	require.Len(t, byIndex[1], 1)
	require.Empty(t, byIndex[1][0].Result)
	tags := decodeAll(t, tagSchema, byIndex[2])
	require.Equal(t, []map[string]any{{"tag": "a"}, {"tag": "b"}}, tags)
}

func TestMultipleResultSetsCountMismatch(t *testing.T) {
	t.Run("fewer sets than schemas", func(t *testing.T) {
		db := sqlexectest.New()
		db.On("BATCH", sqlexectest.Script{Sets: [][]map[string]any{userRows(1), userRows(1)}})
		stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

		packets := roundTrip(t, stream, &proxypb.Request{
			ID: "m", ConnString: fakeConn, Query: "BATCH",
			Schema: []string{userSchema, userSchema, userSchema},
		})
		require.Len(t, packets, 2)
		require.Equal(t, proxypb.SetLast, packets[0].Last)
		require.Equal(t, int32(1), packets[1].Index)
		require.Empty(t, packets[1].Error)
	})

	t.Run("more sets than schemas", func(t *testing.T) {
		db := sqlexectest.New()
		db.On("BATCH", sqlexectest.Script{Sets: [][]map[string]any{userRows(1), userRows(1), userRows(1)}})
		stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

		packets := roundTrip(t, stream, &proxypb.Request{
			ID: "m", ConnString: fakeConn, Query: "BATCH",
			Schema: []string{userSchema, userSchema},
		})
		last := packets[len(packets)-1]
		require.Contains(t, last.Error, "more result sets")
		require.Equal(t, int32(1), last.Index)
	})

	t.Run("no sets", func(t *testing.T) {
		db := sqlexectest.New()
		db.On("BATCH", sqlexectest.Script{})
		stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

		packets := roundTrip(t, stream, &proxypb.Request{
			ID: "m", ConnString: fakeConn, Query: "BATCH",
			Schema: []string{userSchema, userSchema},
		})
		require.Len(t, packets, 1)
		require.Empty(t, packets[0].Error)
		require.Empty(t, packets[0].Result)
	})
}

func TestConnectionStringPinning(t *testing.T) {
	db := sqlexectest.New()
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	first := roundTrip(t, stream, &proxypb.Request{ID: "1", ConnString: fakeConn, Query: "UPDATE a"})
	require.Empty(t, first[0].Error)

	other := roundTrip(t, stream, &proxypb.Request{ID: "2", ConnString: "fake://other", Query: "UPDATE b"})
	require.Len(t, other, 1)
	require.Equal(t, "ConnectionString differs from first one", other[0].Error)
	require.Equal(t, proxypb.Last, other[0].Last)

	same := roundTrip(t, stream, &proxypb.Request{ID: "3", ConnString: fakeConn, Query: "UPDATE c"})
	require.Empty(t, same[0].Error)
	empty := roundTrip(t, stream, &proxypb.Request{ID: "4", Query: "UPDATE d"})
	require.Empty(t, empty[0].Error)

	require.Equal(t, []string{
		"open " + fakeConn,
		"exec UPDATE a",
		"exec UPDATE c",
		"exec UPDATE d",
	}, db.Events())
}

func TestMissingConnectionString(t *testing.T) {
	db := sqlexectest.New()
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	packets := roundTrip(t, stream, &proxypb.Request{ID: "1", Query: "SELECT 1"})
	require.Equal(t, "no connection string provided", packets[0].Error)
	require.Empty(t, db.Events())
}

func TestErrorIsolation(t *testing.T) {
	db := sqlexectest.New()
	db.On("BROKEN", sqlexectest.Script{Err: errors.New(`relation "nope" does not exist`)})
	db.On("HALF", sqlexectest.Script{Rows: userRows(3), RowErr: errors.New("connection reset")})
	db.On("SELECT * FROM users", sqlexectest.Script{Rows: userRows(2)})
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	broken := roundTrip(t, stream, &proxypb.Request{ID: "1", ConnString: fakeConn, Query: "BROKEN"})
	require.Len(t, broken, 1)
	require.Contains(t, broken[0].Error, "does not exist")

	half := roundTrip(t, stream, &proxypb.Request{ID: "2", Query: "HALF", Schema: []string{userSchema}, PacketSize: 10})
	require.Len(t, half, 1)
	require.Equal(t, "connection reset", half[0].Error)

	ok := roundTrip(t, stream, &proxypb.Request{ID: "3", Query: "SELECT * FROM users", Schema: []string{userSchema}})
	require.Empty(t, ok[0].Error)
	require.Len(t, decodeAll(t, userSchema, ok), 2)
}

func TestInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  *proxypb.Request
		want string
	}{
		{
			name: "bad params",
			req:  &proxypb.Request{ID: "1", ConnString: fakeConn, Query: "SELECT 1", Params: "{"},
			want: "invalid params json",
		},
		{
			name: "bad schema",
			req:  &proxypb.Request{ID: "1", ConnString: fakeConn, Query: "SELECT 1", Schema: []string{`{"type":"string"}`}},
			want: "must be a record",
		},
		{
			name: "commit without transaction",
			req:  &proxypb.Request{ID: "1", ConnString: fakeConn, Query: "COMMIT"},
			want: "no transaction is open",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := openStream(t, dial(t, New(WithOpener(sqlexectest.New().Opener()))))
			packets := roundTrip(t, stream, tt.req)
			require.Len(t, packets, 1)
			require.Contains(t, packets[0].Error, tt.want)
		})
	}
}

func TestTransactionKeywords(t *testing.T) {
	db := sqlexectest.New()
	db.On("SELECT * FROM users", sqlexectest.Script{Rows: userRows(1)})
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	for i, q := range []string{"begin transaction;", "INSERT", "commit", "INSERT", "BEGIN TRANSACTION", "DELETE", "Rollback;"} {
		packets := roundTrip(t, stream, &proxypb.Request{ID: fmt.Sprint(i), ConnString: fakeConn, Query: q})
		require.Empty(t, packets[0].Error, q)
	}
	nested := roundTrip(t, stream, &proxypb.Request{ID: "n", Query: "BEGIN TRANSACTION"})
	require.Empty(t, nested[0].Error)
	again := roundTrip(t, stream, &proxypb.Request{ID: "n2", Query: "BEGIN TRANSACTION"})
	require.Equal(t, "a transaction is already open", again[0].Error)
	rows := roundTrip(t, stream, &proxypb.Request{ID: "q", Query: "SELECT * FROM users", Schema: []string{userSchema}})
	require.Len(t, decodeAll(t, userSchema, rows), 1)

	require.Equal(t, []string{
		"open " + fakeConn,
		"begin",
		"tx exec INSERT",
		"commit",
		"exec INSERT",
		"begin",
		"tx exec DELETE",
		"rollback",
		"begin",
		"tx query SELECT * FROM users",
	}, db.Events())
}

func TestConnect(t *testing.T) {
	db := sqlexectest.New()
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	packets := roundTrip(t, stream, &proxypb.Request{ID: "c", ConnString: fakeConn, Query: "CONNECT"})
	require.Len(t, packets, 1)
	require.Empty(t, packets[0].Error)
	require.Equal(t, []string{"open " + fakeConn}, db.Events())

	failing := sqlexectest.New()
	failing.OpenErr = errors.New("password authentication failed")
	stream = openStream(t, dial(t, New(WithOpener(failing.Opener()))))
	packets = roundTrip(t, stream, &proxypb.Request{ID: "c", ConnString: fakeConn, Query: "CONNECT"})
	require.Contains(t, packets[0].Error, "password authentication failed")
}

func TestTeardownRollsBackThenCloses(t *testing.T) {
	db := sqlexectest.New()
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()))))

	roundTrip(t, stream, &proxypb.Request{ID: "1", ConnString: fakeConn, Query: "BEGIN TRANSACTION"})
	require.NoError(t, stream.Send(&proxypb.Request{ID: "2", Query: "UPDATE users"}))
	require.NoError(t, stream.CloseSend())

	// The queued update is still answered before the stream ends.
	packets := recvUntilLast(t, stream, "2")
	require.Empty(t, packets[0].Error)
	_, err := stream.Recv()
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, []string{
		"open " + fakeConn,
		"begin",
		"tx exec UPDATE users",
		"rollback",
		"close",
	}, db.Events())
	require.Zero(t, db.OpenConns())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	db := sqlexectest.New()
	s := newSession(db.Opener(), record.NewCache(), zap.NewNop(), nil)
	require.Equal(t, StateUninitialized, s.state)
	require.NoError(t, s.ensureConn(context.Background(), fakeConn))
	require.Equal(t, StateActive, s.state)
	require.NoError(t, s.begin(context.Background()))
	require.Equal(t, StateInTransaction, s.state)

	s.close()
	s.close()
	require.Equal(t, StateClosed, s.state)
	require.ErrorIs(t, s.ensureConn(context.Background(), ""), errSessionClosed)
	require.Equal(t, []string{"open " + fakeConn, "begin", "rollback", "close"}, db.Events())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	db := sqlexectest.New()
	db.On("BROKEN", sqlexectest.Script{Err: errors.New("boom")})
	db.On("SELECT * FROM users", sqlexectest.Script{Rows: userRows(3)})
	stream := openStream(t, dial(t, New(WithOpener(db.Opener()), WithMetrics(m))))

	roundTrip(t, stream, &proxypb.Request{ID: "1", ConnString: fakeConn, Query: "DELETE FROM users"})
	roundTrip(t, stream, &proxypb.Request{ID: "2", Query: "BROKEN"})
	roundTrip(t, stream, &proxypb.Request{ID: "3", Query: "SELECT * FROM users", Schema: []string{userSchema}, PacketSize: 1})

	require.Equal(t, float64(2), testutil.ToFloat64(m.requests.WithLabelValues("exec")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues("query")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.failures.WithLabelValues("exec")))
	require.Equal(t, float64(5), testutil.ToFloat64(m.packets))
	require.Equal(t, float64(1), testutil.ToFloat64(m.sessions))
}

func TestIsCancellation(t *testing.T) {
	require.True(t, isCancellation(context.Canceled))
	require.True(t, isCancellation(errors.Wrap(context.Canceled, "recv")))
	require.False(t, isCancellation(errors.New("broken pipe")))
}
