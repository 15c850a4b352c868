package lspvisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// eventStreamBuffer bounds inbound events between the read loop and the
// consumer. The read loop blocks when it fills, which preserves order.
const eventStreamBuffer = 64

// rpcEnvelope is the inbound message probe: responses carry id plus result
// or error, requests carry id plus method, notifications carry method only.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc2.Error `json:"error,omitempty"`
}

// rpcCall is an outbound request or notification.
type rpcCall struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcReply is an outbound response to a server-to-client request.
type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc2.Error `json:"error,omitempty"`
}

// StdioConnection is a ServerConnection over a byte stream pair, speaking
// JSON-RPC 2.0 with LSP Content-Length framing. Responses resolve pending
// calls; server-initiated requests and notifications surface on Events.
//
// The read loop starts at construction and runs until the stream ends or
// Close is called.
type StdioConnection struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	logger *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64
	pending cmap.ConcurrentMap[string, chan *rpcEnvelope]

	events    chan ServerEvent
	done      chan struct{}
	closed    atomic.Bool
	closeErr  error
	closeOnce sync.Once
}

// StdioOption configures a StdioConnection.
type StdioOption func(*StdioConnection)

// WithStdioLogger sets the logger. Defaults to a no-op logger.
func WithStdioLogger(logger *zap.Logger) StdioOption {
	return func(c *StdioConnection) {
		c.logger = logger
	}
}

// NewStdioConnection wraps a read/write stream pair (typically the stdout
// and stdin pipes of a language server process). closer, if non-nil, is
// closed together with the connection.
func NewStdioConnection(r io.Reader, w io.Writer, closer io.Closer, opts ...StdioOption) *StdioConnection {
	c := &StdioConnection{
		reader:  bufio.NewReaderSize(r, 64*1024),
		writer:  w,
		closer:  closer,
		logger:  zap.NewNop(),
		pending: cmap.New[chan *rpcEnvelope](),
		events:  make(chan ServerEvent, eventStreamBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c
}

// Events returns the inbound event stream. It closes when the connection
// dies or is closed.
func (c *StdioConnection) Events() <-chan ServerEvent {
	return c.events
}

// Initialize sends the initialize request.
func (c *StdioConnection) Initialize(ctx context.Context, params *protocol.InitializeParams) (*protocol.InitializeResult, error) {
	var result protocol.InitializeResult
	if err := c.Call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Initialized sends the initialized notification.
func (c *StdioConnection) Initialized(ctx context.Context) error {
	return c.Notify(ctx, protocol.MethodInitialized, &protocol.InitializedParams{})
}

// Shutdown sends the shutdown request.
func (c *StdioConnection) Shutdown(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodShutdown, nil, nil)
}

// Exit sends the exit notification.
func (c *StdioConnection) Exit(ctx context.Context) error {
	return c.Notify(ctx, protocol.MethodExit, nil)
}

// Call sends a request and waits for its response. A server error response
// surfaces as a *jsonrpc2.Error. Cancelling ctx sends a best-effort
// $/cancelRequest for the in-flight id.
func (c *StdioConnection) Call(ctx context.Context, method string, params, result any) error {
	if c.closed.Load() {
		return c.closeCause()
	}

	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)
	ch := make(chan *rpcEnvelope, 1)
	c.pending.Set(key, ch)
	defer c.pending.Remove(key)

	if err := c.send(&rpcCall{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return &SendError{Err: err}
	}

	select {
	case <-ctx.Done():
		go c.cancelRequest(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return ctx.Err()
	case <-c.done:
		return c.closeCause()
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 && !bytes.Equal(resp.Result, []byte("null")) {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification; no response is expected.
func (c *StdioConnection) Notify(ctx context.Context, method string, params any) error {
	if c.closed.Load() {
		return c.closeCause()
	}
	if err := c.send(&rpcCall{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// Close closes the connection. Pending calls fail with ErrConnClosed. The
// event channel finishes once the read loop's pending read returns; Close
// interrupts that read only when closer closes the underlying stream. Safe
// to call more than once.
func (c *StdioConnection) Close() error {
	return c.closeWithCause(ErrConnClosed)
}

// closeWithCause records why the connection died so pending and future
// callers see ErrConnClosed for a local close and ErrServerUnavailable for
// a peer disappearance.
func (c *StdioConnection) closeWithCause(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.closed.Store(true)
		close(c.done)

		// Wake nothing via the channels: waiters observe done. Drop the
		// pending table so late responses have nowhere to land.
		c.pending.Clear()

		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

func (c *StdioConnection) closeCause() error {
	if err := c.closeErr; err != nil {
		return err
	}
	return ErrConnClosed
}

// cancelRequest sends a best-effort $/cancelRequest notification.
func (c *StdioConnection) cancelRequest(id int64) {
	if c.closed.Load() {
		return
	}
	params := struct {
		ID int64 `json:"id"`
	}{ID: id}
	if err := c.send(&rpcCall{JSONRPC: "2.0", Method: "$/cancelRequest", Params: params}); err != nil {
		c.logger.Debug("send cancel", zap.Int64("id", id), zap.Error(err))
	}
}

// send writes one framed message.
func (c *StdioConnection) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := fmt.Fprintf(c.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readLoop reads framed messages until the stream ends or the connection
// closes, then finishes the event channel.
func (c *StdioConnection) readLoop() {
	defer close(c.events)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		body, err := c.readMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.logger.Debug("peer closed the stream")
				_ = c.closeWithCause(ErrServerUnavailable)
				return
			}
			c.logger.Warn("read message", zap.Error(err))
			continue
		}

		c.dispatch(body)
	}
}

// readMessage reads one Content-Length framed body.
func (c *StdioConnection) readMessage() (json.RawMessage, error) {
	var contentLength int
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("bad Content-Length: %w", err)
			}
			contentLength = n
		}
		// Content-Type and other headers are ignored.
	}

	if contentLength <= 0 {
		return nil, errors.New("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

// dispatch routes one inbound message: response, request, or notification.
func (c *StdioConnection) dispatch(body json.RawMessage) {
	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Warn("decode message", zap.Error(err))
		return
	}

	switch {
	case len(env.ID) > 0 && env.Method == "":
		c.resolvePending(&env)
	case env.Method != "" && len(env.ID) > 0:
		c.deliver(ServerEvent{
			Kind:   EventRequest,
			Method: env.Method,
			Params: env.Params,
			Reply:  c.replyFunc(env.ID, env.Method),
		})
	case env.Method != "":
		c.deliver(ServerEvent{
			Kind:   EventNotification,
			Method: env.Method,
			Params: env.Params,
		})
	default:
		c.logger.Warn("message with neither id nor method")
	}
}

// resolvePending hands a response to its waiting caller.
func (c *StdioConnection) resolvePending(env *rpcEnvelope) {
	var id int64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		c.logger.Warn("response with non-numeric id", zap.ByteString("id", env.ID))
		return
	}
	if ch, ok := c.pending.Pop(strconv.FormatInt(id, 10)); ok {
		ch <- env
	}
}

// deliver pushes an event to the consumer, blocking to preserve order.
func (c *StdioConnection) deliver(ev ServerEvent) {
	select {
	case <-c.done:
	case c.events <- ev:
	}
}

// replyFunc builds the single-use answer closure for a server request.
func (c *StdioConnection) replyFunc(id json.RawMessage, method string) ReplyFunc {
	var replied atomic.Bool
	return func(ctx context.Context, result any, err error) error {
		if replied.Swap(true) {
			return ErrAlreadyReplied
		}

		reply := rpcReply{JSONRPC: "2.0", ID: id}
		if err != nil {
			reply.Error = toWireError(err)
		} else {
			raw, merr := json.Marshal(result)
			if merr != nil {
				return fmt.Errorf("marshal %s reply: %w", method, merr)
			}
			reply.Result = raw
		}
		if serr := c.send(&reply); serr != nil {
			return &SendError{Err: serr}
		}
		return nil
	}
}

// toWireError maps an error to its JSON-RPC representation. A missing
// handler becomes method-not-found; everything else an internal error.
func toWireError(err error) *jsonrpc2.Error {
	var wire *jsonrpc2.Error
	if errors.As(err, &wire) {
		return wire
	}
	var unavailable *HandlerUnavailableError
	if errors.As(err, &unavailable) {
		return jsonrpc2.NewError(jsonrpc2.MethodNotFound, unavailable.Error())
	}
	return jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
}
