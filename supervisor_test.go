package lspvisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.lsp.dev/protocol"
)

const testCooldown = 20 * time.Millisecond

func newTestSupervisor(t *testing.T, provider *fakeProvider, opts ...SupervisorOption) *Supervisor {
	t.Helper()

	docs := map[protocol.DocumentURI]string{
		"file:///u1": "package one",
		"file:///u2": "package two",
	}
	config := SupervisorConfig{
		ServerProvider:           provider.provide,
		InitializeParamsProvider: staticParamsProvider,
		TextDocumentItemProvider: func(ctx context.Context, uri protocol.DocumentURI) (*protocol.TextDocumentItem, error) {
			text, ok := docs[uri]
			if !ok {
				return nil, errors.New("unknown document")
			}
			return &protocol.TextDocumentItem{URI: uri, LanguageID: "go", Version: 1, Text: text}, nil
		},
	}

	opts = append([]SupervisorOption{
		WithSupervisorCooldown(backoff.NewConstantBackOff(testCooldown)),
	}, opts...)

	sup := NewSupervisor(config, opts...)
	t.Cleanup(func() { sup.Close() })
	return sup
}

func hoverProvider() *fakeProvider {
	return &fakeProvider{outfit: func(conn *fakeConn) {
		conn.responses[protocol.MethodTextDocumentHover] = hoverResponse
	}}
}

func assertTrace(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace[%d] = %q, want %q (full trace %v)", i, got[i], want[i], got)
		}
	}
}

func openDocument(t *testing.T, sup *Supervisor, uri protocol.DocumentURI, text string) {
	t.Helper()
	params := &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: uri, LanguageID: "go", Version: 1, Text: text},
	}
	if err := sup.Notify(context.Background(), protocol.MethodTextDocumentDidOpen, params); err != nil {
		t.Fatalf("didOpen %s error = %v", uri, err)
	}
}

func TestSupervisorState_String(t *testing.T) {
	tests := []struct {
		state    SupervisorState
		expected string
	}{
		{SupervisorStateNotStarted, "not started"},
		{SupervisorStateRestartNeeded, "restart needed"},
		{SupervisorStateRunning, "running"},
		{SupervisorStateShuttingDown, "shutting down"},
		{SupervisorStateStopped, "stopped"},
		{SupervisorState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("SupervisorState(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

// Scenario: the first hover lazily spawns and initializes the server.
func TestSupervisor_FirstHoverLazilyInitializes(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	if got := sup.State(); got != SupervisorStateNotStarted {
		t.Fatalf("state = %v before first message, want not started", got)
	}

	var hover hoverResult
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) error = %v", err)
	}

	if provider.count() != 1 {
		t.Fatalf("provider invoked %d times, want 1", provider.count())
	}
	assertTrace(t, provider.conn(0).Trace(), []string{"initialize", "initialized", "textDocument/hover"})

	if hover.Range.Start.Line != 0 || hover.Range.Start.Character != 0 ||
		hover.Range.End.Line != 0 || hover.Range.End.Character != 1 {
		t.Errorf("hover range = %+v, want (0,0)-(0,1)", hover.Range)
	}
	if got := sup.State(); got != SupervisorStateRunning {
		t.Fatalf("state = %v after first message, want running", got)
	}
}

// Scenario: crash, cool-down, and replay of open documents in order.
func TestSupervisor_CrashAndReplay(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	openDocument(t, sup, "file:///u1", "package one")
	openDocument(t, sup, "file:///u2", "package two")

	sup.ConnectionInvalidated()
	if got := sup.State(); got != SupervisorStateStopped {
		t.Fatalf("state = %v after invalidation, want stopped", got)
	}

	if !waitFor(time.Second, func() bool { return sup.State() == SupervisorStateRestartNeeded }) {
		t.Fatalf("state = %v after cool-down, want restart needed", sup.State())
	}

	var hover hoverResult
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) after restart error = %v", err)
	}

	if provider.count() != 2 {
		t.Fatalf("provider invoked %d times, want 2", provider.count())
	}
	assertTrace(t, provider.conn(1).Trace(), []string{
		"initialize",
		"initialized",
		"textDocument/didOpen file:///u1",
		"textDocument/didOpen file:///u2",
		"textDocument/hover",
	})
	if sup.Restarts() != 1 {
		t.Errorf("Restarts() = %d, want 1", sup.Restarts())
	}
}

// Scenario: a shutdown request on a fresh supervisor synthesizes a null
// response and does not spawn.
func TestSupervisor_ShutdownWhileNotStarted(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	var result json.RawMessage
	if err := sup.Call(context.Background(), protocol.MethodShutdown, nil, &result); err != nil {
		t.Fatalf("Call(shutdown) error = %v", err)
	}
	if len(result) != 0 {
		t.Errorf("result = %q, want untouched zero value", result)
	}
	if provider.count() != 0 {
		t.Fatalf("provider invoked %d times, want 0", provider.count())
	}
}

// Scenario: exit on a fresh supervisor leaves no bytes anywhere.
func TestSupervisor_ExitWhileNotStartedDropped(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	if err := sup.Notify(context.Background(), protocol.MethodExit, nil); err != nil {
		t.Fatalf("Notify(exit) error = %v", err)
	}
	if provider.count() != 0 {
		t.Fatalf("provider invoked %d times, want 0", provider.count())
	}
}

// Scenario: 100 concurrent first-use hovers put exactly one initialize on
// the wire.
func TestSupervisor_ConcurrentFirstUseCoalesces(t *testing.T) {
	provider := &fakeProvider{outfit: func(conn *fakeConn) {
		conn.initDelay = 50 * time.Millisecond
		conn.responses[protocol.MethodTextDocumentHover] = hoverResponse
	}}
	sup := newTestSupervisor(t, provider)

	const callers = 100
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var hover hoverResult
			errs[i] = sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d error = %v", i, err)
		}
	}
	if provider.count() != 1 {
		t.Fatalf("provider invoked %d times, want 1", provider.count())
	}

	initializes := 0
	for _, entry := range provider.conn(0).Trace() {
		if entry == "initialize" {
			initializes++
		}
	}
	if initializes != 1 {
		t.Fatalf("%d initialize messages on the wire, want exactly 1", initializes)
	}
}

func TestSupervisor_ShutdownAndExitThenFreshSpawnWithoutReplay(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	openDocument(t, sup, "file:///u1", "package one")

	if err := sup.ShutdownAndExit(context.Background()); err != nil {
		t.Fatalf("ShutdownAndExit() error = %v", err)
	}
	if got := sup.State(); got != SupervisorStateNotStarted {
		t.Fatalf("state = %v after shutdown, want not started", got)
	}

	first := provider.conn(0)
	firstLen := len(first.Trace())
	if !first.Closed() {
		t.Fatal("first connection not closed")
	}

	var hover hoverResult
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) after shutdown error = %v", err)
	}

	// No further messages on the old connection; the new one sees no replay.
	if got := len(first.Trace()); got != firstLen {
		t.Fatalf("old connection trace grew from %d to %d entries", firstLen, got)
	}
	if provider.count() != 2 {
		t.Fatalf("provider invoked %d times, want 2", provider.count())
	}
	assertTrace(t, provider.conn(1).Trace(), []string{"initialize", "initialized", "textDocument/hover"})
}

func TestSupervisor_CallsRejectedDuringCooldown(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider,
		WithSupervisorCooldown(backoff.NewConstantBackOff(200*time.Millisecond)))

	var hover hoverResult
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) error = %v", err)
	}

	sup.ConnectionInvalidated()

	err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover)
	if !errors.Is(err, ErrServerStopped) {
		t.Fatalf("Call() during cool-down error = %v, want ErrServerStopped", err)
	}
	if provider.count() != 1 {
		t.Fatalf("provider invoked %d times during cool-down, want 1", provider.count())
	}
}

func TestSupervisor_RepeatedInvalidationUnchanged(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider,
		WithSupervisorCooldown(backoff.NewConstantBackOff(200*time.Millisecond)))

	var hover hoverResult
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) error = %v", err)
	}

	sup.ConnectionInvalidated()
	sup.ConnectionInvalidated()
	sup.ConnectionInvalidated()

	if got := sup.State(); got != SupervisorStateStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestSupervisor_PlannedShutdownWinsOverCooldown(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	var hover hoverResult
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) error = %v", err)
	}

	// An invalidation after a planned shutdown must not schedule a replaying
	// restart.
	if err := sup.ShutdownAndExit(context.Background()); err != nil {
		t.Fatalf("ShutdownAndExit() error = %v", err)
	}
	sup.ConnectionInvalidated()

	time.Sleep(3 * testCooldown)
	if got := sup.State(); got != SupervisorStateNotStarted {
		t.Fatalf("state = %v, want not started", got)
	}
}

func TestSupervisor_TransportLossTriggersInvalidation(t *testing.T) {
	provider := &fakeProvider{outfit: func(conn *fakeConn) {
		conn.callErrs[protocol.MethodTextDocumentHover] = ErrServerUnavailable
	}}
	sup := newTestSupervisor(t, provider)

	var hover hoverResult
	err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover)
	if !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("Call() error = %v, want wrapped ErrServerUnavailable", err)
	}
	var dispatch *RequestDispatchError
	if !errors.As(err, &dispatch) {
		t.Fatalf("Call() error = %T, want *RequestDispatchError", err)
	}

	if got := sup.State(); got != SupervisorStateStopped {
		t.Fatalf("state = %v after transport loss, want stopped", got)
	}
}

func TestSupervisor_ProviderFailureSurfacesAndRetries(t *testing.T) {
	provider := hoverProvider()
	boom := errors.New("spawn refused")
	provider.err = boom
	sup := newTestSupervisor(t, provider)

	var hover hoverResult
	err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover)
	if !errors.Is(err, boom) {
		t.Fatalf("Call() error = %v, want provider error", err)
	}
	if got := sup.State(); got != SupervisorStateNotStarted {
		t.Fatalf("state = %v after provider failure, want not started", got)
	}

	provider.mu.Lock()
	provider.err = nil
	provider.mu.Unlock()

	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("retry error = %v", err)
	}
}

func TestSupervisor_OpenDocumentBookkeeping(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	openDocument(t, sup, "file:///u1", "one")
	openDocument(t, sup, "file:///u2", "two")

	closeParams := &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///u1"},
	}
	if err := sup.Notify(context.Background(), protocol.MethodTextDocumentDidClose, closeParams); err != nil {
		t.Fatalf("didClose error = %v", err)
	}

	open := sup.OpenDocuments()
	if len(open) != 1 || open[0] != "file:///u2" {
		t.Fatalf("OpenDocuments() = %v, want [file:///u2]", open)
	}
}

func TestSupervisor_EventStreamSurvivesRestart(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	var hover hoverResult
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) error = %v", err)
	}

	events := sup.Events()
	provider.conn(0).inject(ServerEvent{Kind: EventNotification, Method: "window/logMessage"})
	select {
	case ev := <-events:
		if ev.Method != "window/logMessage" {
			t.Fatalf("event method = %q", ev.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("no event from first incarnation")
	}

	sup.ConnectionInvalidated()
	if !waitFor(time.Second, func() bool { return sup.State() == SupervisorStateRestartNeeded }) {
		t.Fatalf("state = %v after cool-down, want restart needed", sup.State())
	}
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) after restart error = %v", err)
	}

	// Same channel, new incarnation.
	provider.conn(1).inject(ServerEvent{Kind: EventNotification, Method: "window/showMessage"})
	select {
	case ev := <-events:
		if ev.Method != "window/showMessage" {
			t.Fatalf("event method = %q", ev.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("no event from second incarnation")
	}
}

func TestSupervisor_CapabilitiesStreamAcrossRegistration(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	var hover hoverResult
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) error = %v", err)
	}

	caps := sup.CapabilitiesStream()
	select {
	case first := <-caps:
		if first.SemanticTokensProvider != nil {
			t.Fatal("fresh snapshot already has semanticTokensProvider")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after handshake")
	}

	params := json.RawMessage(`{"registrations":[{"id":"reg-1","method":"textDocument/semanticTokens","registerOptions":{"legend":{"tokenTypes":[],"tokenModifiers":[]}}}]}`)
	provider.conn(0).inject(ServerEvent{Kind: EventRequest, Method: protocol.MethodClientRegisterCapability, Params: params})

	select {
	case second := <-caps:
		if second.SemanticTokensProvider == nil {
			t.Fatal("second snapshot missing semanticTokensProvider")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after registration")
	}

	if got := sup.Capabilities(); got == nil || got.SemanticTokensProvider == nil {
		t.Fatal("Capabilities() does not reflect the registration")
	}
}

func TestSupervisor_CapabilitiesNonStarting(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	if got := sup.Capabilities(); got != nil {
		t.Fatalf("Capabilities() = %v on fresh supervisor, want nil", got)
	}
	if _, err := sup.CurrentCapabilities(); !errors.Is(err, ErrCapabilitiesUnavailable) {
		t.Fatalf("CurrentCapabilities() error = %v, want ErrCapabilitiesUnavailable", err)
	}
	if provider.count() != 0 {
		t.Fatalf("provider invoked %d times, want 0", provider.count())
	}
}

func TestSupervisor_InitializeViaCallPanics(t *testing.T) {
	sup := newTestSupervisor(t, hoverProvider())

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for initialize through Call")
		}
	}()
	_ = sup.Call(context.Background(), protocol.MethodInitialize, nil, nil)
}

func TestSupervisor_DuplicateDidOpenPanics(t *testing.T) {
	sup := newTestSupervisor(t, hoverProvider())
	openDocument(t, sup, "file:///u1", "one")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate didOpen")
		}
	}()
	openDocument(t, sup, "file:///u1", "one again")
}

func TestSupervisor_DidOpenDuringRestartNotReplayed(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	openDocument(t, sup, "file:///u1", "one")

	sup.ConnectionInvalidated()
	if !waitFor(time.Second, func() bool { return sup.State() == SupervisorStateRestartNeeded }) {
		t.Fatalf("state = %v after cool-down, want restart needed", sup.State())
	}

	// A didOpen for a new document triggers the replaying spawn. Replay must
	// cover only u1; u2 itself follows exactly once.
	openDocument(t, sup, "file:///u2", "two")

	assertTrace(t, provider.conn(1).Trace(), []string{
		"initialize",
		"initialized",
		"textDocument/didOpen file:///u1",
		"textDocument/didOpen file:///u2",
	})
}

func TestSupervisor_ReplayLookupFailureDoesNotAbortRestart(t *testing.T) {
	provider := hoverProvider()
	sup := newTestSupervisor(t, provider)

	openDocument(t, sup, "file:///u1", "one")
	openDocument(t, sup, "file:///unknown", "mystery")

	sup.ConnectionInvalidated()
	if !waitFor(time.Second, func() bool { return sup.State() == SupervisorStateRestartNeeded }) {
		t.Fatalf("state = %v after cool-down, want restart needed", sup.State())
	}

	var hover hoverResult
	if err := sup.Call(context.Background(), protocol.MethodTextDocumentHover, nil, &hover); err != nil {
		t.Fatalf("Call(hover) after restart error = %v", err)
	}

	// u1 replays; the unknown document is skipped.
	assertTrace(t, provider.conn(1).Trace(), []string{
		"initialize",
		"initialized",
		"textDocument/didOpen file:///u1",
		"textDocument/hover",
	})
}
