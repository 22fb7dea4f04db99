package audit

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/policy"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// mockBatch records appended rows. Methods the writer never calls are left to
// the embedded nil interface.
type mockBatch struct {
	driver.Batch
	conn *mockConn
	rows [][]any
}

func (b *mockBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *mockBatch) Send() error {
	b.conn.mu.Lock()
	defer b.conn.mu.Unlock()
	if b.conn.sendErr != nil {
		return b.conn.sendErr
	}
	b.conn.sent = append(b.conn.sent, b.rows...)
	return nil
}

type mockConn struct {
	mu      sync.Mutex
	queries []string
	sent    [][]any
	sendErr error
	closed  bool
}

func (c *mockConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.mu.Lock()
	c.queries = append(c.queries, query)
	c.mu.Unlock()
	return &mockBatch{conn: c}, nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *mockConn) sentRows() [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]any(nil), c.sent...)
}

func blockResult() *policy.Result {
	cond := "exfiltration_vector"
	return &policy.Result{
		Decision:         policy.Block,
		ToolName:         "send_email",
		Condition:        &cond,
		Reason:           "blocked",
		SessionID:        "S1",
		ConditionsBefore: []string{"private_data", "untrusted_content"},
		ConditionsAfter:  []string{"private_data", "untrusted_content"},
	}
}

func TestNewGateEvent(t *testing.T) {
	e := NewGateEvent("req-1", blockResult(), 1500*time.Microsecond, SourceHTTP)

	if e.RequestID != "req-1" || e.SessionID != "S1" || e.ToolName != "send_email" {
		t.Fatalf("identity fields wrong: %+v", e)
	}
	if e.Decision != "BLOCK" || e.Condition != "exfiltration_vector" {
		t.Errorf("decision fields wrong: %+v", e)
	}
	if e.ConditionsBefore != "private_data,untrusted_content" || e.ConditionsAfter != e.ConditionsBefore {
		t.Errorf("conditions not joined: %q / %q", e.ConditionsBefore, e.ConditionsAfter)
	}
	if e.ConditionsMetCount != 2 {
		t.Errorf("expected 2 conditions met, got %d", e.ConditionsMetCount)
	}
	if e.LatencyMs != 1.5 {
		t.Errorf("expected 1.5ms, got %v", e.LatencyMs)
	}
	if e.Timestamp.IsZero() || e.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp must be set in UTC, got %v", e.Timestamp)
	}
}

func TestNewGateEvent_UnmappedTool(t *testing.T) {
	res := &policy.Result{Decision: policy.Allow, ToolName: "list_files", SessionID: "S1",
		ConditionsBefore: []string{}, ConditionsAfter: []string{}}
	e := NewGateEvent("req-2", res, 0, SourceHTTP)
	if e.Condition != "" || e.ConditionsAfter != "" || e.ConditionsMetCount != 0 {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestClickHouseWriter_FlushesOnClose(t *testing.T) {
	conn := &mockConn{}
	w := newClickHouseWriter(conn, zap.NewNop())

	for i := 0; i < 3; i++ {
		w.Write(NewGateEvent("req", blockResult(), time.Millisecond, SourceHTTP))
	}
	w.Close()

	rows := conn.sentRows()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows after drain, got %d", len(rows))
	}
	if len(rows[0]) != 12 {
		t.Fatalf("expected 12 columns per row, got %d", len(rows[0]))
	}
	if rows[0][2] != "S1" || rows[0][5] != "BLOCK" {
		t.Errorf("unexpected row %v", rows[0])
	}
	if !conn.closed {
		t.Error("connection not closed")
	}
}

func TestClickHouseWriter_FlushesOnTicker(t *testing.T) {
	conn := &mockConn{}
	w := newClickHouseWriter(conn, zap.NewNop())
	defer w.Close()

	w.Write(NewGateEvent("req", blockResult(), 0, SourceHTTP))

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.sentRows()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event was not flushed by the ticker")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClickHouseWriter_SendErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	conn := &mockConn{sendErr: errors.New("connection reset")}
	w := newClickHouseWriter(conn, zap.New(core))

	w.Write(NewGateEvent("req", blockResult(), 0, SourceHTTP))
	w.Close()

	if logs.FilterMessage("clickhouse batch send failed").Len() != 1 {
		t.Fatalf("expected one send failure log, got %v", logs.All())
	}
}

func TestClickHouseWriter_WriteNeverBlocks(t *testing.T) {
	w := &ClickHouseWriter{
		buffer: make(chan *GateEvent, 1),
		logger: zap.NewNop(),
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			w.Write(&GateEvent{RequestID: "r"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write blocked on a full buffer")
	}
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))

	w.Write(NewGateEvent("req-1", blockResult(), 0, SourceHTTP))
	w.Close()

	entries := logs.FilterMessage("gate_decision").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["decision"] != "BLOCK" || fields["session_id"] != "S1" {
		t.Errorf("unexpected fields %v", fields)
	}
}

var _ EventWriter = (*ClickHouseWriter)(nil)
var _ EventWriter = (*LogWriter)(nil)

func TestParseDSN_TLSOnlyWhenSecure(t *testing.T) {
	opts, err := ParseDSN("clickhouse://default:@localhost:9000/default")
	if err != nil {
		t.Fatal(err)
	}
	if opts.TLS != nil {
		t.Fatal("plain DSN must not enable TLS")
	}

	opts, err = ParseDSN("clickhouse://default:@ch.example.com:9440/default?secure=true")
	if err != nil {
		t.Fatal(err)
	}
	if opts.TLS == nil {
		t.Fatal("secure=true must enable TLS")
	}
	if opts.TLS.MinVersion != tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 minimum, got %x", opts.TLS.MinVersion)
	}
}
