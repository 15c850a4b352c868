package lspvisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SupervisorState represents the state of the supervised server surface.
type SupervisorState int

const (
	// SupervisorStateNotStarted means no server is running; the next
	// outbound message spawns one without replay.
	SupervisorStateNotStarted SupervisorState = iota
	// SupervisorStateRestartNeeded means the previous server was lost;
	// the next outbound message spawns one and replays open documents.
	SupervisorStateRestartNeeded
	// SupervisorStateRunning means a server incarnation is live.
	SupervisorStateRunning
	// SupervisorStateShuttingDown means a graceful stop is in flight;
	// calls are rejected.
	SupervisorStateShuttingDown
	// SupervisorStateStopped means the connection was lost; restarts are
	// throttled until the cool-down elapses.
	SupervisorStateStopped
)

// String returns a human-readable state name.
func (s SupervisorState) String() string {
	switch s {
	case SupervisorStateNotStarted:
		return "not started"
	case SupervisorStateRestartNeeded:
		return "restart needed"
	case SupervisorStateRunning:
		return "running"
	case SupervisorStateShuttingDown:
		return "shutting down"
	case SupervisorStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// defaultRestartCooldown is the pause between a connection loss and the
// supervisor becoming willing to spawn again.
const defaultRestartCooldown = 5 * time.Second

// SupervisorConfig supplies the provider callbacks. ServerProvider and
// InitializeParamsProvider are required; TextDocumentItemProvider is
// required only if documents are ever opened.
type SupervisorConfig struct {
	// ServerProvider returns a fresh connection on each lazy spawn.
	ServerProvider ServerProvider

	// TextDocumentItemProvider looks up document content during replay.
	TextDocumentItemProvider TextDocumentItemProvider

	// InitializeParamsProvider is forwarded to each inner initializer.
	InitializeParamsProvider InitializeParamsProvider
}

// Supervisor presents a persistent server-like surface whose lifetime
// exceeds that of any single backing process. It spawns lazily on the first
// outbound message, replays open documents after an unplanned restart, and
// throttles restart loops behind a cool-down.
//
// Thread safety: all public methods may be called from any goroutine.
type Supervisor struct {
	config         SupervisorConfig
	requestHandler RequestHandler
	logger         *zap.Logger

	// gate is the single-permit critical section around spawn and
	// shutdown transitions.
	gate *semaphore.Weighted

	mu           sync.Mutex
	state        SupervisorState
	inner        *LazyInitializer
	stoppedSince time.Time
	restartTimer *time.Timer
	restarts     int
	closed       bool

	cooldown backoff.BackOff
	docs     *openDocumentSet

	events *StreamTap[ServerEvent]
	caps   *StreamTap[protocol.ServerCapabilities]
}

// SupervisorOption configures the supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets the logger. Defaults to a no-op logger.
func WithSupervisorLogger(logger *zap.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithSupervisorCooldown sets the restart cool-down policy. The policy is
// asked for the next delay on every connection loss and Reset on every
// successful spawn, so the default constant policy reproduces a fixed
// 5-second pause while an exponential policy backs off across repeated
// crashes. The policy must yield non-zero, bounded delays.
func WithSupervisorCooldown(policy backoff.BackOff) SupervisorOption {
	return func(s *Supervisor) {
		s.cooldown = policy
	}
}

// WithSupervisorRequestHandler sets the handler for inbound server-to-client
// requests, forwarded to every inner initializer.
func WithSupervisorRequestHandler(h RequestHandler) SupervisorOption {
	return func(s *Supervisor) {
		s.requestHandler = h
	}
}

// NewSupervisor creates a supervisor. No server is spawned until the first
// outbound message.
func NewSupervisor(config SupervisorConfig, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		config:   config,
		logger:   zap.NewNop(),
		gate:     semaphore.NewWeighted(1),
		state:    SupervisorStateNotStarted,
		cooldown: backoff.NewConstantBackOff(defaultRestartCooldown),
		docs:     newOpenDocumentSet(),
		events:   NewStreamTap[ServerEvent](),
		caps:     NewStreamTap[protocol.ServerCapabilities](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current supervisor state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the external event stream. Its inbound source is swapped
// every time a new server incarnation is established; the channel itself
// stays stable until Close.
func (s *Supervisor) Events() <-chan ServerEvent {
	return s.events.Stream()
}

// CapabilitiesStream returns the external capabilities stream. Like Events,
// it survives server restarts.
func (s *Supervisor) CapabilitiesStream() <-chan protocol.ServerCapabilities {
	return s.caps.Stream()
}

// Capabilities returns the current capability snapshot without starting a
// server. Nil when no initialized server is running.
func (s *Supervisor) Capabilities() *protocol.ServerCapabilities {
	s.mu.Lock()
	inner := s.inner
	running := s.state == SupervisorStateRunning
	s.mu.Unlock()

	if !running || inner == nil {
		return nil
	}
	return inner.Capabilities()
}

// CurrentCapabilities is Capabilities with an error instead of nil, for
// callers that need to distinguish "no snapshot" explicitly.
func (s *Supervisor) CurrentCapabilities() (*protocol.ServerCapabilities, error) {
	caps := s.Capabilities()
	if caps == nil {
		return nil, ErrCapabilitiesUnavailable
	}
	return caps, nil
}

// OpenDocuments returns the URIs currently considered open, in the order
// they would be replayed.
func (s *Supervisor) OpenDocuments() []protocol.DocumentURI {
	return s.docs.snapshot()
}

// Restarts returns how many times a spawn replayed open documents.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// InitializeIfNeeded spawns a server if necessary and forces its handshake.
func (s *Supervisor) InitializeIfNeeded(ctx context.Context) (*protocol.InitializeResult, error) {
	inner, err := s.ensureRunning(ctx)
	if err != nil {
		return nil, err
	}
	result, err := inner.InitializeIfNeeded(ctx)
	if err != nil && isConnectionLoss(err) {
		s.ConnectionInvalidated()
	}
	return result, err
}

// Call sends a request through the current server incarnation, spawning one
// first if needed.
//
// Sending initialize through Call panics; use InitializeIfNeeded. A shutdown
// request while no server is running returns a synthesized null response
// and does not spawn. A transport loss surfaces to the caller and also
// invalidates the connection so the next call restarts.
func (s *Supervisor) Call(ctx context.Context, method string, params, result any) error {
	if method == protocol.MethodInitialize {
		panic("lspvisor: initialize must go through InitializeIfNeeded, not Call")
	}

	if method == protocol.MethodShutdown && s.State() != SupervisorStateRunning {
		return nil
	}

	inner, err := s.ensureRunning(ctx)
	if err != nil {
		return err
	}

	err = inner.Call(ctx, method, params, result)
	if err != nil && isConnectionLoss(err) {
		s.ConnectionInvalidated()
	}
	return err
}

// Notify sends a notification through the current server incarnation,
// spawning one first if needed. didOpen and didClose adjust the open
// document set before the underlying send; exit while no server is running
// is dropped silently.
func (s *Supervisor) Notify(ctx context.Context, method string, params any) error {
	switch method {
	case protocol.MethodInitialized:
		panic("lspvisor: initialized is sent by the handshake, not Notify")
	case protocol.MethodExit:
		if s.State() != SupervisorStateRunning {
			return nil
		}
	}

	var trackedURI protocol.DocumentURI
	if method == protocol.MethodTextDocumentDidOpen || method == protocol.MethodTextDocumentDidClose {
		uri, err := notificationURI(method, params)
		if err != nil {
			return err
		}
		trackedURI = uri
	}

	inner, err := s.ensureRunning(ctx)
	if err != nil {
		return err
	}

	// Membership changes land after any replay (which covers only documents
	// open at the moment of invalidation) and before the underlying send.
	switch method {
	case protocol.MethodTextDocumentDidOpen:
		s.docs.insert(trackedURI)
	case protocol.MethodTextDocumentDidClose:
		s.docs.remove(trackedURI)
	}

	err = inner.Notify(ctx, method, params)
	if err != nil && isConnectionLoss(err) {
		s.ConnectionInvalidated()
	}
	return err
}

// ShutdownAndExit gracefully stops the running server. A no-op when nothing
// is running. Afterwards the supervisor is back to not-started: the next
// outbound message spawns a fresh server without replay.
func (s *Supervisor) ShutdownAndExit(ctx context.Context) error {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.gate.Release(1)

	s.mu.Lock()
	if s.state != SupervisorStateRunning || s.inner == nil {
		s.mu.Unlock()
		return nil
	}
	inner := s.inner
	s.state = SupervisorStateShuttingDown
	s.mu.Unlock()

	err := inner.ShutdownAndExit(ctx)
	cerr := inner.Close()
	if err == nil {
		err = cerr
	}

	s.mu.Lock()
	s.inner = nil
	s.state = SupervisorStateNotStarted
	s.mu.Unlock()
	s.docs.clear()

	return err
}

// ConnectionInvalidated tells the supervisor the transport lost its peer.
// The failed incarnation is destroyed, the open document set is kept, and
// after the cool-down the next outbound message spawns a new server and
// replays every open document. Repeated invalidations while already stopped
// are ignored. The cool-down moves the supervisor to restart-needed only if
// it is still stopped when the delay elapses; Close in the meantime stops it.
// ShutdownAndExit during the cool-down is a no-op and does not cancel it.
func (s *Supervisor) ConnectionInvalidated() {
	s.mu.Lock()
	if s.state != SupervisorStateRunning {
		s.mu.Unlock()
		return
	}
	inner := s.inner
	s.inner = nil
	s.state = SupervisorStateStopped
	s.stoppedSince = time.Now()
	s.mu.Unlock()

	if inner != nil {
		inner.InvalidateConnection()
		if err := inner.Close(); err != nil {
			s.logger.Debug("close failed incarnation", zap.Error(err))
		}
	}

	delay := s.cooldown.NextBackOff()
	if delay == backoff.Stop {
		s.logger.Warn("restart policy exhausted; supervisor stays stopped")
		return
	}
	s.logger.Info("connection lost; throttling restart", zap.Duration("cooldown", delay))

	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.state == SupervisorStateStopped {
			s.state = SupervisorStateRestartNeeded
			s.stoppedSince = time.Time{}
		}
		s.mu.Unlock()
	})

	s.mu.Lock()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	s.restartTimer = timer
	s.mu.Unlock()
}

// Close tears the supervisor down without the protocol niceties: the inner
// incarnation's connection is dropped and both external streams finish.
// Call ShutdownAndExit first for a graceful stop.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inner := s.inner
	s.inner = nil
	s.state = SupervisorStateNotStarted
	timer := s.restartTimer
	s.restartTimer = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	var err error
	if inner != nil {
		err = inner.Close()
	}
	s.events.Close()
	s.caps.Close()
	return err
}

// ensureRunning returns the live initializer, spawning one when the state
// allows it. Spawn and replay happen under the gate so concurrent callers
// coalesce and nothing interleaves with the replayed didOpen sequence.
func (s *Supervisor) ensureRunning(ctx context.Context) (*LazyInitializer, error) {
	// ShutdownAndExit holds the gate for its whole sequence; reject callers
	// arriving meanwhile instead of queueing them behind it.
	if s.State() == SupervisorStateShuttingDown {
		return nil, ErrServerStopped
	}

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.gate.Release(1)

	s.mu.Lock()
	state := s.state
	inner := s.inner
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, ErrServerStopped
	}

	switch state {
	case SupervisorStateRunning:
		return inner, nil
	case SupervisorStateShuttingDown, SupervisorStateStopped:
		return nil, ErrServerStopped
	case SupervisorStateNotStarted:
		return s.spawnGated(ctx, false)
	case SupervisorStateRestartNeeded:
		return s.spawnGated(ctx, true)
	default:
		return nil, fmt.Errorf("%w: supervisor state %d", ErrStateInvalid, state)
	}
}

// spawnGated creates a new incarnation and rebinds both stream taps to it.
// The caller must hold the gate. On provider failure the state is left
// unchanged so the next call retries.
func (s *Supervisor) spawnGated(ctx context.Context, replay bool) (*LazyInitializer, error) {
	if s.config.ServerProvider == nil {
		return nil, ErrNoProvider
	}

	conn, err := s.config.ServerProvider(ctx)
	if err != nil {
		return nil, err
	}

	opts := []InitializerOption{WithInitializerLogger(s.logger)}
	if s.requestHandler != nil {
		opts = append(opts, WithInitializerRequestHandler(s.requestHandler))
	}
	inner := NewLazyInitializer(conn, s.config.InitializeParamsProvider, opts...)

	s.events.SetSource(inner.Events(), nil)
	s.caps.SetSource(inner.CapabilitiesStream(), nil)

	s.mu.Lock()
	s.inner = inner
	s.state = SupervisorStateRunning
	if replay {
		s.restarts++
	}
	s.mu.Unlock()

	s.cooldown.Reset()
	s.logger.Info("server spawned", zap.Bool("replay", replay))

	if replay {
		s.replayOpenDocuments(ctx, inner)
	}
	return inner, nil
}

// replayOpenDocuments re-sends didOpen for every tracked document, in
// insertion order. Per-URI failures are logged; the restart proceeds.
func (s *Supervisor) replayOpenDocuments(ctx context.Context, inner *LazyInitializer) {
	if s.config.TextDocumentItemProvider == nil {
		if s.docs.len() > 0 {
			s.logger.Warn("no document provider; skipping replay",
				zap.Int("documents", s.docs.len()))
		}
		return
	}

	for _, uri := range s.docs.snapshot() {
		item, err := s.config.TextDocumentItemProvider(ctx, uri)
		if err != nil {
			s.logger.Warn("replay lookup failed",
				zap.String("uri", string(uri)), zap.Error(err))
			continue
		}
		params := &protocol.DidOpenTextDocumentParams{TextDocument: *item}
		if err := inner.Notify(ctx, protocol.MethodTextDocumentDidOpen, params); err != nil {
			s.logger.Warn("replay didOpen failed",
				zap.String("uri", string(uri)), zap.Error(err))
		}
	}
}

// notificationURI extracts textDocument.uri from a didOpen or didClose
// payload without demanding a concrete params type.
func notificationURI(method string, params any) (protocol.DocumentURI, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", &NotificationDispatchError{Method: method, Err: err}
	}
	v := gjson.GetBytes(raw, "textDocument.uri")
	if !v.Exists() {
		return "", &NotificationDispatchError{
			Method: method,
			Err:    errors.New("params carry no textDocument.uri"),
		}
	}
	return protocol.DocumentURI(v.String()), nil
}
