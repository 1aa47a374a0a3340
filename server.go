package dataform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerOption is a function that configures a server.
type ServerOption func(*Server)

// Server is the analysis-process side of the wire protocol. It accepts client
// sessions from a ServerTransport, performs the initialize handshake, and
// dispatches compile and format requests to the configured Compiler and
// Formatter. User-facing outcomes flow back through the error/info/success
// notification channel handed to the Compiler as a Notifier.
//
// The adapter itself never runs a Server; it exists for the bundled reference
// service, for deployments embedding the analysis engine in Go, and for tests
// that need a scripted peer.
type Server struct {
	info      Info
	transport ServerTransport

	compiler  Compiler
	formatter Formatter

	sendTimeout time.Duration
	logger      *slog.Logger
}

var defaultServerSendTimeout = 30 * time.Second

// WithCompiler sets the compile provider. Without one, compile requests are
// answered with a method-not-found error.
func WithCompiler(c Compiler) ServerOption {
	return func(s *Server) {
		s.compiler = c
	}
}

// WithFormatter sets the formatting provider. Without one, format requests are
// answered with a method-not-found error.
func WithFormatter(f Formatter) ServerOption {
	return func(s *Server) {
		s.formatter = f
	}
}

// WithServerSendTimeout sets the timeout applied to every outgoing message.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerLogger sets the logger used by the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server with the given identity and transport. Providers
// are attached through options; capabilities reported during the handshake are
// derived from which providers are present.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}

	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	return s
}

// Serve accepts sessions from the transport and serves each on its own
// goroutine. It blocks until the transport's session iterator ends, which
// happens when Shutdown is called.
func (s Server) Serve() {
	var wg sync.WaitGroup
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			srv:     s,
			sess:    sess,
			cancels: make(map[string]context.CancelFunc),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ss.run()
		}()
	}
	wg.Wait()
}

// Shutdown stops the transport, which ends Serve.
func (s Server) Shutdown(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}

func (s Server) capabilities() ServerCapabilities {
	return ServerCapabilities{
		CompileProvider:            s.compiler != nil,
		DocumentFormattingProvider: s.formatter != nil,
	}
}

// serverSession serves one connected client.
type serverSession struct {
	srv  Server
	sess Session

	rootPath    string
	initialized bool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (s *serverSession) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for msg := range s.sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.srv.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch msg.Method {
		case methodInitialize:
			s.handleInitialize(ctx, msg)
		case methodInitialized:
			s.initialized = true
		case methodPing:
			if err := s.sendResult(ctx, msg.ID, nil); err != nil {
				s.srv.logger.Error("failed to answer ping", "err", err)
			}
		case MethodCompile:
			go s.handleCompile(ctx, msg)
		case MethodFormat:
			reqCtx := s.registerCancel(ctx, string(msg.ID))
			go s.handleFormat(reqCtx, msg)
		case methodCancelRequest:
			var params cancelParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.srv.logger.Error("failed to unmarshal cancel params", "err", err)
				continue
			}
			s.cancelRequest(string(params.ID))
		case methodDidChangeWatchedFiles:
			// Configuration resync signal; nothing to answer.
			s.srv.logger.Info("watched files changed", "session", s.sess.ID())
		case "":
			// Responses to server-initiated requests; none are in flight.
		default:
			if msg.ID == "" {
				continue
			}
			if err := s.sendError(ctx, msg.ID, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			}); err != nil {
				s.srv.logger.Error("failed to send error", "err", err)
			}
		}
	}
}

func (s *serverSession) handleInitialize(ctx context.Context, msg JSONRPCMessage) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.srv.logger.Error("failed to unmarshal initialize params", "err", err)
		return
	}

	if params.ProtocolVersion != protocolVersion {
		if err := s.sendError(ctx, msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: errMsgUnsupportedProtocolVersion,
			Data:    map[string]any{"clientVersion": params.ProtocolVersion},
		}); err != nil {
			s.srv.logger.Error("failed to send error on initialize", "err", err)
		}
		return
	}

	s.rootPath = params.RootPath

	if err := s.sendResult(ctx, msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      s.srv.info,
		Capabilities:    s.srv.capabilities(),
	}); err != nil {
		s.srv.logger.Error("failed to send initialize result", "err", err)
	}
}

func (s *serverSession) handleCompile(ctx context.Context, msg JSONRPCMessage) {
	if s.srv.compiler == nil {
		if err := s.sendError(ctx, msg.ID, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "compile not supported",
		}); err != nil {
			s.srv.logger.Error("failed to send error", "err", err)
		}
		return
	}

	// The compile outcome travels on the notification channel; the response
	// only acknowledges receipt and clients are free to ignore it.
	if err := s.sendResult(ctx, msg.ID, nil); err != nil {
		s.srv.logger.Error("failed to acknowledge compile", "err", err)
	}

	if err := s.srv.compiler.Compile(ctx, s.rootPath, s.notifier()); err != nil {
		s.srv.logger.Error("compile failed", "err", err)
		s.notifier().Error(ctx, fmt.Sprintf("Compilation failed: %v", err))
	}
}

func (s *serverSession) handleFormat(ctx context.Context, msg JSONRPCMessage) {
	defer s.cancelRequest(string(msg.ID))

	if s.srv.formatter == nil {
		if err := s.sendError(ctx, msg.ID, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "format not supported",
		}); err != nil {
			s.srv.logger.Error("failed to send error", "err", err)
		}
		return
	}

	projectDir, relPath, err := parseFormatParams(msg.Params)
	if err != nil {
		if sErr := s.sendError(ctx, msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
		}); sErr != nil {
			s.srv.logger.Error("failed to send error", "err", sErr)
		}
		return
	}

	edits, err := s.srv.formatter.Format(ctx, projectDir, relPath)
	if err != nil {
		if ctx.Err() != nil {
			// The client cancelled; it no longer expects a response.
			return
		}
		if sErr := s.sendError(ctx, msg.ID, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: errMsgInternalError,
			Data:    map[string]any{"error": err.Error()},
		}); sErr != nil {
			s.srv.logger.Error("failed to send error", "err", sErr)
		}
		return
	}

	if err := s.sendResult(ctx, msg.ID, edits); err != nil {
		s.srv.logger.Error("failed to send format result", "err", err)
	}
}

func (s *serverSession) registerCancel(ctx context.Context, msgID string) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[msgID] = cancel
	s.mu.Unlock()
	return reqCtx
}

func (s *serverSession) cancelRequest(msgID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[msgID]
	delete(s.cancels, msgID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// notifier returns the session's Notifier. Notification failures are logged
// and swallowed: the channel is fire-and-forget by contract.
func (s *serverSession) notifier() Notifier {
	return sessionNotifier{s: s}
}

type sessionNotifier struct {
	s *serverSession
}

func (n sessionNotifier) Error(ctx context.Context, message string) {
	n.send(ctx, MethodNotificationError, message)
}

func (n sessionNotifier) Info(ctx context.Context, message string) {
	n.send(ctx, MethodNotificationInfo, message)
}

func (n sessionNotifier) Success(ctx context.Context, message string) {
	n.send(ctx, MethodNotificationSuccess, message)
}

func (n sessionNotifier) send(ctx context.Context, method, message string) {
	paramsBs, err := json.Marshal(MessageParams{Message: message})
	if err != nil {
		n.s.srv.logger.Error("failed to marshal message params", "err", err)
		return
	}

	sCtx, sCancel := context.WithTimeout(context.WithoutCancel(ctx), n.s.srv.sendTimeout)
	defer sCancel()

	if err := n.s.sess.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		n.s.srv.logger.Error("failed to send notification", "method", method, "err", err)
	}
}

func (s *serverSession) sendResult(ctx context.Context, id MustString, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	sCtx, sCancel := context.WithTimeout(ctx, s.srv.sendTimeout)
	defer sCancel()

	if err := s.sess.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}); err != nil {
		return fmt.Errorf("failed to send result: %w", err)
	}

	return nil
}

func (s *serverSession) sendError(ctx context.Context, id MustString, rpcErr JSONRPCError) error {
	sCtx, sCancel := context.WithTimeout(ctx, s.srv.sendTimeout)
	defer sCancel()

	if err := s.sess.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	}); err != nil {
		return fmt.Errorf("failed to send error: %w", err)
	}

	return nil
}
