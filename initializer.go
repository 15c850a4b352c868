package lspvisor

import (
	"context"
	"encoding/json"
	"sync"

	"go.lsp.dev/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// InitializerState represents the lifecycle state of one server incarnation.
type InitializerState int

const (
	// InitializerStateUninitialized means no handshake has happened yet,
	// or the connection was invalidated after a transport loss.
	InitializerStateUninitialized InitializerState = iota
	// InitializerStateInitialized means the handshake completed and the
	// capability snapshot is live.
	InitializerStateInitialized
	// InitializerStateShutdown means this incarnation completed the
	// shutdown handshake; it is terminal.
	InitializerStateShutdown
)

// String returns a human-readable state name.
func (s InitializerState) String() string {
	switch s {
	case InitializerStateUninitialized:
		return "uninitialized"
	case InitializerStateInitialized:
		return "initialized"
	case InitializerStateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// capsStreamBuffer bounds the capability stream; a slow consumer drops
// snapshots rather than stalling the event loop.
const capsStreamBuffer = 16

// LazyInitializer owns one ServerConnection and guarantees the LSP handshake
// happens exactly once per incarnation, before any caller message reaches
// the wrapped connection. It also observes inbound capability
// (un)registration requests and maintains the evolving capability snapshot.
//
// Thread safety: all public methods may be called from any goroutine.
// Concurrent first-use callers coalesce onto a single handshake attempt.
type LazyInitializer struct {
	conn           ServerConnection
	paramsProvider InitializeParamsProvider
	requestHandler RequestHandler
	logger         *zap.Logger

	// gate is the single-permit critical section covering the handshake
	// and shutdown-and-exit so that waiters honor context cancellation.
	gate *semaphore.Weighted

	mu         sync.Mutex
	state      InitializerState
	caps       *protocol.ServerCapabilities
	serverInfo *protocol.ServerInfo
	initResult *protocol.InitializeResult

	events    chan ServerEvent
	capsCh    chan protocol.ServerCapabilities
	done      chan struct{}
	closeOnce sync.Once
}

// InitializerOption configures a LazyInitializer.
type InitializerOption func(*LazyInitializer)

// WithInitializerLogger sets the logger. Defaults to a no-op logger.
func WithInitializerLogger(logger *zap.Logger) InitializerOption {
	return func(l *LazyInitializer) {
		l.logger = logger
	}
}

// WithInitializerRequestHandler sets the handler invoked for inbound
// server-to-client requests. Without one, requests are only forwarded on
// the event stream and must be answered there.
func WithInitializerRequestHandler(h RequestHandler) InitializerOption {
	return func(l *LazyInitializer) {
		l.requestHandler = h
	}
}

// NewLazyInitializer wraps conn. No message is sent until the first caller
// forces the handshake.
func NewLazyInitializer(conn ServerConnection, provider InitializeParamsProvider, opts ...InitializerOption) *LazyInitializer {
	l := &LazyInitializer{
		conn:           conn,
		paramsProvider: provider,
		logger:         zap.NewNop(),
		gate:           semaphore.NewWeighted(1),
		state:          InitializerStateUninitialized,
		events:         make(chan ServerEvent, defaultTapBuffer),
		capsCh:         make(chan protocol.ServerCapabilities, capsStreamBuffer),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.eventLoop()
	return l
}

// State returns the current lifecycle state.
func (l *LazyInitializer) State() InitializerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Capabilities returns the current capability snapshot without forcing
// initialization. Nil while uninitialized or after shutdown.
func (l *LazyInitializer) Capabilities() *protocol.ServerCapabilities {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.caps
}

// ServerInfo returns the server-announced identity without forcing
// initialization. Nil while uninitialized or after shutdown.
func (l *LazyInitializer) ServerInfo() *protocol.ServerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serverInfo
}

// Events returns the stream of inbound server events. The channel closes
// when the connection dies or the initializer is closed.
func (l *LazyInitializer) Events() <-chan ServerEvent {
	return l.events
}

// CapabilitiesStream returns the stream of capability snapshots. A snapshot
// is emitted once per successful handshake and again on every structural
// change from dynamic (un)registration.
func (l *LazyInitializer) CapabilitiesStream() <-chan protocol.ServerCapabilities {
	return l.capsCh
}

// InitializeIfNeeded performs the handshake, or returns the cached result
// if it already happened. Concurrent callers coalesce onto one attempt.
func (l *LazyInitializer) InitializeIfNeeded(ctx context.Context) (*protocol.InitializeResult, error) {
	if err := l.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.gate.Release(1)
	return l.initializeGated(ctx)
}

// initializeGated runs the handshake. The caller must hold the gate.
// On any failure the state stays uninitialized, so a later caller retries.
func (l *LazyInitializer) initializeGated(ctx context.Context) (*protocol.InitializeResult, error) {
	l.mu.Lock()
	switch l.state {
	case InitializerStateInitialized:
		result := l.initResult
		l.mu.Unlock()
		return result, nil
	case InitializerStateShutdown:
		l.mu.Unlock()
		return nil, ErrServerShutDown
	}
	l.mu.Unlock()

	if l.paramsProvider == nil {
		return nil, ErrNoProvider
	}
	params, err := l.paramsProvider(ctx)
	if err != nil {
		return nil, err
	}

	result, err := l.conn.Initialize(ctx, params)
	if err != nil {
		return nil, &RequestDispatchError{Method: protocol.MethodInitialize, Err: err}
	}
	if err := l.conn.Initialized(ctx); err != nil {
		return nil, &NotificationDispatchError{Method: protocol.MethodInitialized, Err: err}
	}

	caps := result.Capabilities

	l.mu.Lock()
	l.state = InitializerStateInitialized
	l.caps = &caps
	l.serverInfo = result.ServerInfo
	l.initResult = result
	l.mu.Unlock()

	l.logger.Debug("initialize handshake complete")
	l.publishCapabilities(caps)
	return result, nil
}

// Call sends a request, forcing the handshake first.
//
// Sending initialize through Call is a caller bug and panics; it must go
// through InitializeIfNeeded. A shutdown request while uninitialized or
// already shut down is answered with a synthesized null response without
// starting the server: result is left untouched, so callers whose result
// type cannot represent null see their zero value.
func (l *LazyInitializer) Call(ctx context.Context, method string, params, result any) error {
	if method == protocol.MethodInitialize {
		panic("lspvisor: initialize must go through InitializeIfNeeded, not Call")
	}

	if method == protocol.MethodShutdown && l.State() != InitializerStateInitialized {
		return nil
	}

	if err := l.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	_, err := l.initializeGated(ctx)
	l.gate.Release(1)
	if err != nil {
		return err
	}

	if err := l.conn.Call(ctx, method, params, result); err != nil {
		return &RequestDispatchError{Method: method, Err: err}
	}

	if method == protocol.MethodShutdown {
		l.mu.Lock()
		l.state = InitializerStateShutdown
		l.caps = nil
		l.serverInfo = nil
		l.initResult = nil
		l.mu.Unlock()
	}
	return nil
}

// Notify sends a notification, forcing the handshake first. An exit while
// uninitialized or shut down is dropped silently; the transport never sees
// it. Sending initialized through Notify is a caller bug and panics.
func (l *LazyInitializer) Notify(ctx context.Context, method string, params any) error {
	if method == protocol.MethodInitialized {
		panic("lspvisor: initialized is sent by the handshake, not Notify")
	}

	if method == protocol.MethodExit && l.State() != InitializerStateInitialized {
		return nil
	}

	if err := l.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	_, err := l.initializeGated(ctx)
	l.gate.Release(1)
	if err != nil {
		return err
	}

	if err := l.conn.Notify(ctx, method, params); err != nil {
		return &NotificationDispatchError{Method: method, Err: err}
	}
	return nil
}

// ShutdownAndExit performs the orderly shutdown sequence: shutdown request,
// exit notification, connection close. A no-op unless initialized. The gate
// is held for the whole sequence so no request can interleave.
func (l *LazyInitializer) ShutdownAndExit(ctx context.Context) error {
	if err := l.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.gate.Release(1)

	l.mu.Lock()
	if l.state != InitializerStateInitialized {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.conn.Shutdown(ctx); err != nil {
		return &RequestDispatchError{Method: protocol.MethodShutdown, Err: err}
	}

	l.mu.Lock()
	l.state = InitializerStateShutdown
	l.caps = nil
	l.serverInfo = nil
	l.initResult = nil
	l.mu.Unlock()

	err := l.conn.Exit(ctx)
	cerr := l.conn.Close()
	if err != nil {
		err = &NotificationDispatchError{Method: protocol.MethodExit, Err: err}
	}
	return multierr.Append(err, cerr)
}

// InvalidateConnection forces the state back to uninitialized without
// sending anything. Called externally when the transport reports loss.
func (l *LazyInitializer) InvalidateConnection() {
	l.mu.Lock()
	l.state = InitializerStateUninitialized
	l.caps = nil
	l.serverInfo = nil
	l.initResult = nil
	l.mu.Unlock()

	l.logger.Debug("connection invalidated")
}

// Close stops the event loop and closes the underlying connection. Safe to
// call more than once.
func (l *LazyInitializer) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

// eventLoop forwards inbound server events downstream, observing capability
// (un)registration requests on the way through and dispatching requests to
// the configured handler.
func (l *LazyInitializer) eventLoop() {
	defer close(l.events)

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.conn.Events():
			if !ok {
				return
			}
			if ev.Kind == EventRequest {
				l.observeRequest(ev)
			}
			select {
			case <-l.done:
				return
			case l.events <- ev:
			}
		}
	}
}

// observeRequest applies capability changes and, when a request handler is
// configured, answers the request in the background.
func (l *LazyInitializer) observeRequest(ev ServerEvent) {
	switch ev.Method {
	case protocol.MethodClientRegisterCapability:
		l.handleRegisterCapability(ev.Params)
	case protocol.MethodClientUnregisterCapability:
		l.handleUnregisterCapability(ev.Params)
	}

	if l.requestHandler == nil || ev.Reply == nil {
		return
	}
	go func() {
		ctx := context.Background()
		result, err := l.requestHandler(ctx, ev.Method, ev.Params)
		if replyErr := ev.Reply(ctx, result, err); replyErr != nil {
			l.logger.Warn("reply to server request",
				zap.String("method", ev.Method), zap.Error(replyErr))
		}
	}()
}

func (l *LazyInitializer) handleRegisterCapability(params json.RawMessage) {
	var p protocol.RegistrationParams
	if err := json.Unmarshal(params, &p); err != nil {
		l.logger.Warn("decode registration params", zap.Error(err))
		return
	}
	l.mutateCapabilities(func(caps *protocol.ServerCapabilities) (*protocol.ServerCapabilities, bool) {
		return applyRegistrations(caps, p.Registrations, l.logger)
	})
}

func (l *LazyInitializer) handleUnregisterCapability(params json.RawMessage) {
	var p protocol.UnregistrationParams
	if err := json.Unmarshal(params, &p); err != nil {
		l.logger.Warn("decode unregistration params", zap.Error(err))
		return
	}
	l.mutateCapabilities(func(caps *protocol.ServerCapabilities) (*protocol.ServerCapabilities, bool) {
		return applyUnregistrations(caps, p.Unregisterations, l.logger)
	})
}

// mutateCapabilities applies fn to the live snapshot and publishes the
// result if it changed. Changes before initialization are dropped; the
// snapshot does not exist yet.
func (l *LazyInitializer) mutateCapabilities(fn func(*protocol.ServerCapabilities) (*protocol.ServerCapabilities, bool)) {
	l.mu.Lock()
	if l.state != InitializerStateInitialized || l.caps == nil {
		l.mu.Unlock()
		l.logger.Warn("capability change before initialization; dropped")
		return
	}
	next, changed := fn(l.caps)
	if changed {
		l.caps = next
		if l.initResult != nil {
			l.initResult.Capabilities = *next
		}
	}
	snapshot := *l.caps
	l.mu.Unlock()

	if changed {
		l.publishCapabilities(snapshot)
	}
}

// publishCapabilities emits a snapshot on the capabilities stream. A full
// buffer drops its oldest snapshot to make room, so the latest value always
// lands.
func (l *LazyInitializer) publishCapabilities(caps protocol.ServerCapabilities) {
	for {
		select {
		case l.capsCh <- caps:
			return
		default:
		}
		select {
		case <-l.capsCh:
			l.logger.Debug("capabilities stream full; oldest snapshot dropped")
		default:
		}
	}
}
