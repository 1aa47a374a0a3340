package dataform

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// StdIO implements the wire protocol over newline-framed JSON-RPC on an
// io.Reader/io.Writer pair. It provides a single persistent session and handles
// bidirectional message passing through internal channels, processing messages
// sequentially.
//
// StdIO can act as either ServerTransport or ClientTransport; the adapter uses
// the client side against a launched subprocess's pipes (see LaunchServer),
// while the reference service and tests use the server side. Instances must be
// created with NewStdIO.
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}
}

type stdIOSession struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and
// writer. The instance is initialized with default logging and the internal
// communication channels it needs.
func NewStdIO(reader io.Reader, writer io.Writer) StdIO {
	return StdIO{
		sess: stdIOSession{
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
}

// Sessions implements the ServerTransport interface by providing an iterator
// that yields a single persistent session, active for the lifetime of the
// StdIO instance.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the session
// to wind down.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface. The ready channel is
// closed immediately: a pipe needs no connection establishment.
func (s StdIO) StartSession(_ context.Context, ready chan<- error) (iter.Seq[JSONRPCMessage], error) {
	go s.sess.processWriteMessages()
	close(ready)
	return s.sess.Messages(), nil
}

// Send implements the ClientTransport interface.
func (s StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	return s.sess.Send(ctx, msg)
}

// Close stops the session and releases its goroutines.
func (s StdIO) Close() {
	s.sess.Stop()
}

func (s stdIOSession) ID() string {
	return uuid.New().String()
}

func (s stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message for sending to serialize writes onto the pipe.
	select {
	case <-ctx.Done():
		s.logger.Error("failed to feed writeMessages channel", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while feeding writeMessages channel", slog.String("message", string(msgBs)))
		return nil
	case s.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("get error result from write", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		s.logger.Error("failed to wait for write result", slog.String("err", ctx.Err().Error()))
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while waiting for write result", slog.String("message", string(msgBs)))
		return nil
	}
}

func (s stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.readClosed)

		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr)

			// Read on a goroutine so the done channel stays observable even
			// under a slow or stalled peer.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					select {
					case lines <- lineWithErr{err: err}:
					default:
					}
					return
				}
				select {
				case lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}:
				default:
				}
			}()

			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if errors.Is(lwe.err, io.EOF) {
					return
				}
				s.logger.Error("failed to read message", "err", lwe.err)
				return
			}

			if lwe.line == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s stdIOSession) Stop() {
	close(s.done)
	<-s.readClosed
	<-s.writeClosed
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

// ServerCommand describes one way of launching the analysis process.
type ServerCommand struct {
	// Command is the executable to run, e.g. "node".
	Command string
	// Args are command-line arguments.
	Args []string
	// Env are additional environment variables in "KEY=value" form, appended
	// to the current process environment.
	Env []string
	// Dir is the working directory; empty means inherit.
	Dir string
}

// LaunchConfig pairs the normal launch with a debug-instrumented one. Debug
// launches typically disable lazy compilation and open a remote inspection
// port on the runtime hosting the analysis process.
type LaunchConfig struct {
	Run   ServerCommand
	Debug ServerCommand

	// DebugMode selects the Debug command when true.
	DebugMode bool
}

// NodeLaunchConfig builds the launch configuration for the stock Node.js
// analysis process at modulePath. The debug variant disables lazy compilation
// and opens the V8 inspector on inspectPort.
func NodeLaunchConfig(modulePath string, inspectPort int) LaunchConfig {
	return LaunchConfig{
		Run: ServerCommand{
			Command: "node",
			Args:    []string{modulePath},
		},
		Debug: ServerCommand{
			Command: "node",
			Args:    []string{"--nolazy", fmt.Sprintf("--inspect=%d", inspectPort), modulePath},
		},
	}
}

// command returns the ServerCommand selected by DebugMode.
func (l LaunchConfig) command() ServerCommand {
	if l.DebugMode {
		return l.Debug
	}
	return l.Run
}

// ServerProcess is a launched analysis subprocess together with the stdio
// transport wired to its pipes. The embedded StdIO makes it usable directly as
// the client transport.
type ServerProcess struct {
	StdIO

	cmd *exec.Cmd
}

// LaunchServer starts the analysis process described by cfg and returns its
// stdio transport. The process inherits the parent environment plus the
// command's Env entries; its stderr is streamed into the logger. Callers stop
// the process by canceling ctx or calling Close.
func LaunchServer(ctx context.Context, cfg LaunchConfig, options ...LaunchOption) (*ServerProcess, error) {
	lc := launchConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(&lc)
	}

	sc := cfg.command()
	if sc.Command == "" {
		return nil, errors.New("launch config has no command")
	}

	cmd := exec.CommandContext(ctx, sc.Command, sc.Args...)
	cmd.Dir = sc.Dir
	if len(sc.Env) > 0 {
		cmd.Env = append(cmd.Environ(), sc.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start analysis process: %w", err)
	}

	go drainStderr(stderr, lc.logger)

	return &ServerProcess{
		StdIO: NewStdIO(stdout, stdin),
		cmd:   cmd,
	}, nil
}

// LaunchOption configures LaunchServer.
type LaunchOption func(*launchConfig)

type launchConfig struct {
	logger *slog.Logger
}

// WithLaunchLogger sets the logger receiving the subprocess's stderr stream.
func WithLaunchLogger(logger *slog.Logger) LaunchOption {
	return func(lc *launchConfig) {
		lc.logger = logger
	}
}

// Wait blocks until the subprocess exits and returns its exit error, if any.
func (p *ServerProcess) Wait() error {
	return p.cmd.Wait()
}

// Pid returns the subprocess's PID, useful for attaching an inspector in
// debug launches.
func (p *ServerProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func drainStderr(stderr io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Warn("analysis process stderr", "line", scanner.Text())
	}
}
