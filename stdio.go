package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdIO is a Transport over a caller-supplied reader and writer, typically the own
// process stdin and stdout of a tool server. Every payload is one line of JSON in
// both directions.
//
// Close closes the reader when it implements io.Closer, which unblocks the read loop.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	state   *transportState
	writeMu sync.Mutex
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*StdIO)

// StdioCommand is a Transport that spawns a child process and talks to it over its
// stdin and stdout, one line of JSON per payload. The child stderr is forwarded to
// the logger line by line.
//
// The process is an owned resource: explicit Close, end of its stdout and a crash
// all converge on one release path that closes stdin, gives the process a grace
// period to exit, kills it otherwise and reaps it.
type StdioCommand struct {
	name        string
	args        []string
	env         []string
	dir         string
	gracePeriod time.Duration
	logger      *slog.Logger

	state   *transportState
	writeMu sync.Mutex

	procMu  sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	exited  chan struct{}
	waitErr error

	releaseOnce sync.Once
}

// StdioCommandOption configures a StdioCommand.
type StdioCommandOption func(*StdioCommand)

// stderrWriter forwards child stderr to a logger, one record per line.
type stderrWriter struct {
	logger *slog.Logger

	mu  sync.Mutex
	buf []byte
}

const defaultGracePeriod = 2 * time.Second

// NewStdIO creates a StdIO transport over reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
		state:  newTransportState(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger of a StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// NewStdioCommand creates a transport that runs name with args once connected.
func NewStdioCommand(name string, args []string, options ...StdioCommandOption) *StdioCommand {
	c := &StdioCommand{
		name:        name,
		args:        args,
		gracePeriod: defaultGracePeriod,
		logger:      slog.Default(),
		state:       newTransportState(),
		exited:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithCommandEnv sets the environment of the child process, in os.Environ form.
// The child inherits the current environment by default.
func WithCommandEnv(env []string) StdioCommandOption {
	return func(c *StdioCommand) {
		c.env = env
	}
}

// WithCommandDir sets the working directory of the child process.
func WithCommandDir(dir string) StdioCommandOption {
	return func(c *StdioCommand) {
		c.dir = dir
	}
}

// WithGracePeriod sets how long the child gets to exit after its stdin is closed
// before it is killed.
func WithGracePeriod(d time.Duration) StdioCommandOption {
	return func(c *StdioCommand) {
		c.gracePeriod = d
	}
}

// WithStdioCommandLogger sets the logger of a StdioCommand transport.
func WithStdioCommandLogger(logger *slog.Logger) StdioCommandOption {
	return func(c *StdioCommand) {
		c.logger = logger
	}
}

// Connect implements Transport by starting the read loop.
func (s *StdIO) Connect(_ context.Context, sessionID string, ingest IngestFunc, onClose func()) error {
	if err := s.state.bind(sessionID, ingest, onClose); err != nil {
		return err
	}
	s.logger = s.logger.With(slog.String("sessionID", sessionID))

	go func() {
		defer s.state.notifyClosed()
		if err := readLines(s.reader, s.logger, s.state); err != nil && !s.state.isClosed() {
			s.logger.Error("failed to read message", "err", err)
		}
	}()
	return nil
}

// SendOutgoing implements Transport.
func (s *StdIO) SendOutgoing(_ context.Context, p Payload) error {
	if err := s.state.checkSend(); err != nil {
		return err
	}
	return writeLine(&s.writeMu, s.writer, p)
}

// Close implements Transport.
func (s *StdIO) Close() error {
	if !s.state.markClosed() {
		return nil
	}
	var err error
	if c, ok := s.reader.(io.Closer); ok {
		err = c.Close()
	}
	s.state.notifyClosed()
	if err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}

// IsClosed implements Transport.
func (s *StdIO) IsClosed() bool {
	return s.state.isClosed()
}

// Connect implements Transport by spawning the child process. A process that fails
// to start fails Connect and leaves the transport closed.
func (c *StdioCommand) Connect(_ context.Context, sessionID string, ingest IngestFunc, onClose func()) error {
	if err := c.state.bind(sessionID, ingest, onClose); err != nil {
		return err
	}
	c.logger = c.logger.With(slog.String("sessionID", sessionID), slog.String("command", c.name))

	if err := c.start(); err != nil {
		c.state.markClosed()
		return fmt.Errorf("failed to start %s: %w", c.name, err)
	}

	go c.readLoop()
	return nil
}

func (c *StdioCommand) start() error {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	if c.state.isClosed() {
		return ErrTransportClosed
	}

	cmd := exec.Command(c.name, c.args...)
	cmd.Env = c.env
	cmd.Dir = c.dir
	cmd.Stderr = &stderrWriter{logger: c.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// A plain os.Pipe, so Wait never closes the read end under the read loop.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdoutW.Close()
		return err
	}
	// The child holds its own copy; ours must go so EOF arrives when it exits.
	stdoutW.Close()

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout

	go func() {
		c.waitErr = cmd.Wait()
		close(c.exited)
	}()

	c.logger.Info("child process started", slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (c *StdioCommand) readLoop() {
	defer func() {
		c.release()
		c.state.notifyClosed()
	}()

	if err := readLines(c.stdout, c.logger, c.state); err != nil && !c.state.isClosed() {
		c.logger.Error("failed to read message", "err", err)
	}
}

// release is the single teardown path of the child process.
func (c *StdioCommand) release() {
	c.releaseOnce.Do(func() {
		c.state.markClosed()
		// Waits out a start in progress; a later start sees the closed flag.
		c.procMu.Lock()
		started := c.cmd != nil
		c.procMu.Unlock()
		if !started {
			return
		}

		if err := c.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			c.logger.Warn("failed to close child stdin", "err", err)
		}

		select {
		case <-c.exited:
		case <-time.After(c.gracePeriod):
			c.logger.Warn("child process did not exit, killing it")
			if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				c.logger.Error("failed to kill child process", "err", err)
			}
			<-c.exited
		}
		c.stdout.Close()

		var exitErr *exec.ExitError
		switch {
		case c.waitErr == nil:
			c.logger.Info("child process exited")
		case errors.As(c.waitErr, &exitErr):
			c.logger.Warn("child process exited", slog.Int("code", exitErr.ExitCode()))
		default:
			c.logger.Error("failed to wait for child process", "err", c.waitErr)
		}
	})
}

// SendOutgoing implements Transport by writing one line to the child stdin.
func (c *StdioCommand) SendOutgoing(_ context.Context, p Payload) error {
	if err := c.state.checkSend(); err != nil {
		return err
	}
	if err := writeLine(&c.writeMu, c.stdin, p); err != nil {
		if c.state.isClosed() {
			return ErrTransportClosed
		}
		return err
	}
	return nil
}

// Close implements Transport. It returns once the child process has been reaped.
func (c *StdioCommand) Close() error {
	c.release()
	c.state.notifyClosed()
	return nil
}

// IsClosed implements Transport.
func (c *StdioCommand) IsClosed() bool {
	return c.state.isClosed()
}

// Pid returns the child process id, or zero before Connect.
func (c *StdioCommand) Pid() int {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// readLines feeds every line of r to state until end of stream, a read error, or
// the session being gone. End of stream is not an error.
func readLines(r io.Reader, logger *slog.Logger, state *transportState) error {
	// bufio.Reader instead of bufio.Scanner, so long lines never hit a token limit.
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if derr := state.deliverRaw(logger, line); derr != nil {
				if errors.Is(derr, ErrSessionNotFound) {
					return nil
				}
				logger.Warn("failed to deliver message", "err", derr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func writeLine(mu *sync.Mutex, w io.Writer, p Payload) error {
	bs, err := EncodePayload(p)
	if err != nil {
		return err
	}
	// Append newline to maintain message framing protocol
	bs = append(bs, '\n')

	mu.Lock()
	defer mu.Unlock()
	if _, err := w.Write(bs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Info("child stderr", slog.String("line", string(line)))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
