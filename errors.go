package lspvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Standard errors returned by the driver.
var (
	// ErrNoProvider indicates a required configuration callback was not supplied.
	ErrNoProvider = errors.New("lspvisor: required provider not configured")

	// ErrCapabilitiesUnavailable indicates capabilities were requested while no
	// initialized server was available and the caller did not want to start one.
	ErrCapabilitiesUnavailable = errors.New("lspvisor: capabilities unavailable")

	// ErrStateInvalid indicates the lifecycle state machine reached an illegal
	// combination. Seeing it implies a bug in the driver.
	ErrStateInvalid = errors.New("lspvisor: invalid lifecycle state")

	// ErrServerStopped indicates a call was made while the supervisor was
	// shutting down or inside the post-crash cool-down window.
	ErrServerStopped = errors.New("lspvisor: server stopped")

	// ErrServerShutDown indicates a call reached an initializer whose
	// incarnation already completed the shutdown handshake.
	ErrServerShutDown = errors.New("lspvisor: server shut down")

	// ErrServerUnavailable indicates the transport reports the peer is gone.
	ErrServerUnavailable = errors.New("lspvisor: server unavailable")

	// ErrConnClosed indicates the connection was closed locally.
	ErrConnClosed = errors.New("lspvisor: connection closed")

	// ErrAlreadyReplied indicates a server request was answered more than once.
	ErrAlreadyReplied = errors.New("lspvisor: request already replied")

	// ErrTimeout indicates the transport gave up waiting for a response.
	ErrTimeout = errors.New("lspvisor: request timed out")
)

// RequestDispatchError wraps a transport failure while dispatching a request.
type RequestDispatchError struct {
	Method string
	Err    error
}

// Error implements the error interface.
func (e *RequestDispatchError) Error() string {
	return fmt.Sprintf("lspvisor: request %s failed: %v", e.Method, e.Err)
}

// Unwrap returns the underlying error.
func (e *RequestDispatchError) Unwrap() error {
	return e.Err
}

// NotificationDispatchError wraps a transport failure while dispatching a
// notification.
type NotificationDispatchError struct {
	Method string
	Err    error
}

// Error implements the error interface.
func (e *NotificationDispatchError) Error() string {
	return fmt.Sprintf("lspvisor: notification %s failed: %v", e.Method, e.Err)
}

// Unwrap returns the underlying error.
func (e *NotificationDispatchError) Unwrap() error {
	return e.Err
}

// SendError wraps a failure to put a message on the wire at all, as opposed
// to an error response from the peer.
type SendError struct {
	Err error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	return fmt.Sprintf("lspvisor: unable to send: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Err
}

// HandlerUnavailableError indicates no handler is registered for an inbound
// server-to-client request. Request handlers return it to have the request
// answered with a method-not-found error.
type HandlerUnavailableError struct {
	Method string
}

// Error implements the error interface.
func (e *HandlerUnavailableError) Error() string {
	return "lspvisor: no handler for server request " + e.Method
}

// isConnectionLoss reports whether err means the peer is gone, as opposed to
// a request-scoped failure such as an LSP error response or a cancelled ctx.
func isConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrConnClosed) ||
		errors.Is(err, ErrServerUnavailable) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
