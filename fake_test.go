package lspvisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"
)

// fakeConn is an in-memory ServerConnection. It records the wire trace in
// order, answers requests from a canned response table, and lets tests
// inject inbound server events.
type fakeConn struct {
	mu    sync.Mutex
	trace []string

	initResult *protocol.InitializeResult
	initErr    error
	initDelay  time.Duration

	responses map[string]json.RawMessage
	callErrs  map[string]error
	notifyErr error

	events    chan ServerEvent
	closed    bool
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		initResult: &protocol.InitializeResult{},
		responses:  make(map[string]json.RawMessage),
		callErrs:   make(map[string]error),
		events:     make(chan ServerEvent, 16),
	}
}

func (f *fakeConn) record(entry string) {
	f.mu.Lock()
	f.trace = append(f.trace, entry)
	f.mu.Unlock()
}

func (f *fakeConn) Trace() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.trace))
	copy(out, f.trace)
	return out
}

func (f *fakeConn) Initialize(ctx context.Context, params *protocol.InitializeParams) (*protocol.InitializeResult, error) {
	f.record("initialize")
	if f.initDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.initDelay):
		}
	}
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f.initResult, nil
}

func (f *fakeConn) Initialized(ctx context.Context) error {
	f.record("initialized")
	return nil
}

func (f *fakeConn) Shutdown(ctx context.Context) error {
	f.record("shutdown")
	return nil
}

func (f *fakeConn) Exit(ctx context.Context) error {
	f.record("exit")
	return nil
}

func (f *fakeConn) Call(ctx context.Context, method string, params, result any) error {
	f.record(method)
	if err := f.callErrs[method]; err != nil {
		return err
	}
	if raw, ok := f.responses[method]; ok && result != nil {
		return json.Unmarshal(raw, result)
	}
	return nil
}

func (f *fakeConn) Notify(ctx context.Context, method string, params any) error {
	entry := method
	if method == protocol.MethodTextDocumentDidOpen || method == protocol.MethodTextDocumentDidClose {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		entry = fmt.Sprintf("%s %s", method, gjson.GetBytes(raw, "textDocument.uri").String())
	}
	f.record(entry)
	return f.notifyErr
}

func (f *fakeConn) Events() <-chan ServerEvent {
	return f.events
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// inject delivers an inbound server event to the driver.
func (f *fakeConn) inject(ev ServerEvent) {
	f.events <- ev
}

// fakeProvider hands out a fresh fakeConn per spawn and remembers each one.
type fakeProvider struct {
	mu     sync.Mutex
	conns  []*fakeConn
	outfit func(*fakeConn)
	err    error
}

func (p *fakeProvider) provide(ctx context.Context) (ServerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	conn := newFakeConn()
	if p.outfit != nil {
		p.outfit(conn)
	}
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakeProvider) conn(i int) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.conns) {
		return nil
	}
	return p.conns[i]
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// staticParamsProvider returns fixed initialize params.
func staticParamsProvider(ctx context.Context) (*protocol.InitializeParams, error) {
	return &protocol.InitializeParams{}, nil
}

// hoverResponse is the canned hover payload used by the scenario tests.
var hoverResponse = json.RawMessage(`{"contents":"abc","range":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}}}`)

// hoverResult matches the canned payload's shape.
type hoverResult struct {
	Contents string         `json:"contents"`
	Range    protocol.Range `json:"range"`
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
