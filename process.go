package lspvisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CommandConnection is a StdioConnection backed by a spawned language
// server process. The process is killed when the connection closes; a
// process that exits on its own closes the connection.
type CommandConnection struct {
	*StdioConnection

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *zap.Logger

	exited  chan struct{}
	exitErr error
	closeMu sync.Mutex
	closed  bool
}

// commandSettings collects spawn configuration before the process starts.
type commandSettings struct {
	env    map[string]string
	dir    string
	logger *zap.Logger
}

// CommandOption configures how the server process is spawned.
type CommandOption func(*commandSettings)

// WithCommandEnv adds environment variables on top of the parent's.
func WithCommandEnv(env map[string]string) CommandOption {
	return func(s *commandSettings) {
		s.env = env
	}
}

// WithCommandDir sets the working directory of the server process.
func WithCommandDir(dir string) CommandOption {
	return func(s *commandSettings) {
		s.dir = dir
	}
}

// WithCommandLogger sets the logger. Server stderr is drained through it at
// debug level. Defaults to a no-op logger.
func WithCommandLogger(logger *zap.Logger) CommandOption {
	return func(s *commandSettings) {
		s.logger = logger
	}
}

// DialCommand spawns command with args and wires a StdioConnection to its
// standard pipes. The process outlives ctx: its lifetime is governed by
// Close, not by the call that happened to trigger the spawn.
func DialCommand(ctx context.Context, command string, args []string, opts ...CommandOption) (*CommandConnection, error) {
	settings := commandSettings{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&settings)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range settings.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if settings.dir != "" {
		cmd.Dir = settings.dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	c := &CommandConnection{
		StdioConnection: NewStdioConnection(stdout, stdin, nil, WithStdioLogger(settings.logger)),
		cmd:             cmd,
		stdin:           stdin,
		stdout:          stdout,
		stderr:          stderr,
		logger:          settings.logger,
		exited:          make(chan struct{}),
	}

	go c.drainStderr()
	go c.monitor()

	return c, nil
}

// CommandProvider returns a ServerProvider that spawns command on each lazy
// spawn. Handy as SupervisorConfig.ServerProvider.
func CommandProvider(command string, args []string, opts ...CommandOption) ServerProvider {
	return func(ctx context.Context) (ServerConnection, error) {
		return DialCommand(ctx, command, args, opts...)
	}
}

// Done is closed when the server process has exited.
func (c *CommandConnection) Done() <-chan struct{} {
	return c.exited
}

// Err returns the process exit error, if any. Valid after Done is closed.
func (c *CommandConnection) Err() error {
	select {
	case <-c.exited:
		return c.exitErr
	default:
		return nil
	}
}

// Close shuts the transport, kills the process if still alive, and reaps it.
func (c *CommandConnection) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	err := c.StdioConnection.Close()
	err = multierr.Append(err, c.stdin.Close())
	err = multierr.Append(err, c.stdout.Close())
	err = multierr.Append(err, c.stderr.Close())

	if c.cmd.Process != nil {
		select {
		case <-c.exited:
			// Already gone.
		default:
			if kerr := c.cmd.Process.Kill(); kerr != nil {
				err = multierr.Append(err, kerr)
			}
		}
	}
	<-c.exited
	return err
}

// monitor reaps the process and tears the transport down when it exits so
// pending callers see the peer disappear rather than hang.
func (c *CommandConnection) monitor() {
	err := c.cmd.Wait()
	c.exitErr = err
	if err != nil {
		c.logger.Debug("server process exited", zap.Error(err))
	}
	_ = c.StdioConnection.closeWithCause(ErrServerUnavailable)
	close(c.exited)
}

// drainStderr forwards server stderr lines to the logger.
func (c *CommandConnection) drainStderr() {
	scanner := bufio.NewScanner(c.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Debug("server stderr", zap.String("line", scanner.Text()))
	}
}
