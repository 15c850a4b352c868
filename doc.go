// Package lspvisor drives a Language Server Protocol (LSP) server from the
// client side. It sits between a raw bidirectional JSON-RPC transport and an
// editor, and keeps a single stable server-like surface alive across
// handshakes, dynamic capability changes, crashes, and restarts.
//
// # Architecture
//
// The package is organized around three collaborating components:
//
//   - LazyInitializer: performs the LSP handshake on first use and tracks
//     server-announced capability changes
//   - Supervisor: wraps the initializer with crash-tolerant restart,
//     open-document replay, and a throttled restart policy
//   - StreamTap: a fan-out primitive whose inbound source can be rebound,
//     so one event stream survives server restarts
//
// Below them sits ServerConnection, the transport contract the driver
// consumes. StdioConnection implements it over any byte stream pair with
// Content-Length framing; CommandConnection spawns a language server
// subprocess and wires its standard pipes.
//
// # Quick Start
//
//	sup := lspvisor.NewSupervisor(lspvisor.SupervisorConfig{
//	    ServerProvider: lspvisor.CommandProvider("gopls", []string{"serve"}),
//	    InitializeParamsProvider: func(ctx context.Context) (*protocol.InitializeParams, error) {
//	        return &protocol.InitializeParams{RootURI: lspvisor.FilePathToURI(root)}, nil
//	    },
//	    TextDocumentItemProvider: lookupDocument,
//	})
//	defer sup.Close()
//
//	// The first message performs the handshake transparently.
//	var hover protocol.Hover
//	err := sup.Call(ctx, protocol.MethodTextDocumentHover, params, &hover)
//
// # Lifecycle
//
// Nothing is spawned until the first outbound message. A planned
// ShutdownAndExit returns the supervisor to its fresh state; the next
// message spawns a new server without replay. A connection loss, reported
// through ConnectionInvalidated, destroys the failed incarnation, waits a
// cool-down, and has the next message spawn a new server and replay didOpen
// for every document still considered open.
//
// # Streams
//
// Events and CapabilitiesStream are infinite: their channels survive server
// restarts and close only when the supervisor itself closes. A rebind may
// lose events already in flight on a dying connection.
//
// # Thread Safety
//
// Supervisor and LazyInitializer are safe for concurrent use. Concurrent
// first-use callers coalesce onto a single handshake; exactly one
// initialize reaches the wire.
package lspvisor
