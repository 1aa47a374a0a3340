package dataform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is the adapter's handle on the external Dataform analysis process. It
// owns the connection lifecycle (transport session, initialize handshake,
// health pings), relays compile and format requests, and fans incoming
// error/info/success notifications out to registered receivers.
//
// A Client must be created using NewClient() and requires Connect() to be
// running before any operations can be performed. Connect blocks serving the
// session, so callers run it on its own goroutine and gate on WaitReady.
// Notification receivers are registered after readiness; notifications arriving
// earlier are dropped, never a panic.
type Client struct {
	info               Info
	serverInfo         Info
	serverCapabilities ServerCapabilities
	transport          ClientTransport

	rootPath         string
	documentSelector DocumentSelector

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	ready  chan struct{}
	logger *slog.Logger

	handlersMu sync.RWMutex
	onError    func(message string)
	onInfo     func(message string)
	onSuccess  func(message string)

	waitForResults chan waitForResultReq
	results        chan JSONRPCMessage
}

type waitForResultReq struct {
	msgID   string
	resChan chan<- chan JSONRPCMessage
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// Client lifecycle errors.
var (
	// ErrNotReady is returned by request methods invoked before the initialize
	// handshake has completed. Nothing reaches the transport in that case.
	ErrNotReady = errors.New("client not ready")

	// ErrRequestTimeout is returned when the analysis process does not answer a
	// request within the client read timeout.
	ErrRequestTimeout = errors.New("request timeout")
)

// WithRootPath sets the project root path announced during the initialize
// handshake.
func WithRootPath(path string) ClientOption {
	return func(c *Client) {
		c.rootPath = path
	}
}

// WithDocumentSelector sets the document selector announced during the
// initialize handshake. Defaults to SQLXDocumentSelector.
func WithDocumentSelector(sel DocumentSelector) ClientOption {
	return func(c *Client) {
		c.documentSelector = sel
	}
}

// WithClientLogger sets the logger used by the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets the read timeout for the client.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping timeouts exceeds the threshold, the client
// considers the session dead and Connect returns.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// NewClient creates a new client for the Dataform analysis process.
//
// The info parameter identifies the host the adapter runs inside. The transport
// parameter defines how the client reaches the process: a launched subprocess
// over stdio (LaunchServer) or a remote instance over SSE (NewSSEClient).
//
// The client will not be connected until Connect() is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:           info,
		transport:      transport,
		logger:         slog.Default(),
		ready:          make(chan struct{}),
		waitForResults: make(chan waitForResultReq, 10),
		results:        make(chan JSONRPCMessage),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}
	if c.documentSelector == nil {
		c.documentSelector = SQLXDocumentSelector()
	}

	return c
}

// Connect establishes the session with the analysis process and performs the
// initialize handshake. It then blocks serving incoming messages until the
// context is canceled, the session closes, or the health check gives up, so it
// is normally run on its own goroutine:
//
//	go func() { errs <- client.Connect(ctx) }()
//	if err := client.WaitReady(ctx); err != nil { ... }
//
// Readiness is signaled through Ready()/WaitReady once the handshake completes.
func (c *Client) Connect(ctx context.Context) error {
	transportReady := make(chan error)
	msgs, err := c.transport.StartSession(ctx, transportReady)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	if err = <-transportReady; err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	initMsgID := uuid.New().String()
	if err := c.sendInitialize(ctx, MustString(initMsgID)); err != nil {
		return fmt.Errorf("failed to send initialize request: %w", err)
	}

	return c.listenMessages(ctx, initMsgID, msgs)
}

// Ready returns a channel closed once the initialize handshake has completed.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// WaitReady blocks until the handshake completes or ctx is canceled.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ready:
		return nil
	}
}

// IsReady reports whether the handshake has completed.
func (c *Client) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// ServerInfo returns the analysis process's info as reported during the
// handshake. Zero until ready.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities reported during the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// OnError registers the receiver for "error" notifications. Register after the
// client is ready; notifications arriving with no receiver are dropped.
func (c *Client) OnError(handler func(message string)) {
	c.handlersMu.Lock()
	c.onError = handler
	c.handlersMu.Unlock()
}

// OnInfo registers the receiver for "info" notifications.
func (c *Client) OnInfo(handler func(message string)) {
	c.handlersMu.Lock()
	c.onInfo = handler
	c.handlersMu.Unlock()
}

// OnSuccess registers the receiver for "success" notifications.
func (c *Client) OnSuccess(handler func(message string)) {
	c.handlersMu.Lock()
	c.onSuccess = handler
	c.handlersMu.Unlock()
}

// Compile triggers a project compilation inside the analysis process. The
// request is fire-and-forget: no response is awaited or inspected, and the
// compilation outcome arrives through the notification receivers.
func (c *Client) Compile(ctx context.Context) error {
	if !c.IsReady() {
		return ErrNotReady
	}

	return c.sendRequestWithoutResult(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  MethodCompile,
	})
}

// Format asks the analysis process to format one file, identified by the
// project directory and the file path relative to it. The raw response payload
// is returned untouched; it is expected to decode into []TextEdit, but the
// conversion is deliberately left to the integrator.
//
// Cancelling ctx sends a cancellation notification carrying the request's ID so
// the process may abort.
func (c *Client) Format(ctx context.Context, projectDir, relPath string) (json.RawMessage, error) {
	if !c.IsReady() {
		return nil, ErrNotReady
	}

	params, err := marshalFormatParams(projectDir, relPath)
	if err != nil {
		return nil, err
	}

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodFormat,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("result error: %w", res.Error)
	}

	return res.Result, nil
}

// NotifyWatchedFiles forwards a batch of watched-file changes to the analysis
// process so it can resynchronize configuration it tracks outside the document
// set.
func (c *Client) NotifyWatchedFiles(ctx context.Context, changes []FileEvent) error {
	if !c.IsReady() {
		return ErrNotReady
	}

	return c.sendNotification(ctx, methodDidChangeWatchedFiles, DidChangeWatchedFilesParams{
		Changes: changes,
	})
}

func (c *Client) start(ctx context.Context, errs chan<- error) {
	defer close(errs)

	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()
	failedPings := 0

	// waitForResults tracks pending requests awaiting responses; responses with
	// no registered waiter (compile acknowledgements) are silently discarded.
	waitForResults := make(map[string]chan JSONRPCMessage)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := c.ping(ctx); err != nil {
				c.logger.Error("failed to send ping", "err", err)
				failedPings++
				if failedPings > c.pingTimeoutThreshold {
					errs <- fmt.Errorf("too many ping failures: %d", failedPings)
					return
				}
			} else {
				failedPings = 0
			}
		case req := <-c.waitForResults:
			resChan := make(chan JSONRPCMessage)
			waitForResults[req.msgID] = resChan
			req.resChan <- resChan
		case msg := <-c.results:
			resChan, ok := waitForResults[string(msg.ID)]
			if !ok {
				continue
			}
			resChan <- msg
			delete(waitForResults, string(msg.ID))
		}
	}
}

func (c *Client) ping(ctx context.Context) error {
	wCtx, wCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer wCancel()

	res, err := c.sendRequest(wCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodPing,
	})
	if err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("error response: %w", res.Error)
	}

	return nil
}

func (c *Client) listenMessages(ctx context.Context, initMsgID string, msgs iter.Seq[JSONRPCMessage]) error {
	startErrs := make(chan error, 1)

	for msg := range msgs {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch msg.Method {
		case methodPing:
			if err := c.sendResult(ctx, msg.ID, nil); err != nil {
				c.logger.Error("failed to handle ping", "err", err)
			}
		case MethodNotificationError, MethodNotificationInfo, MethodNotificationSuccess:
			c.dispatchUserMessage(msg)
		case methodLogMessage:
			var params logMessageParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal log message params", "err", err)
				continue
			}
			c.logger.Info("server log", "message", params.Message)
		case "":
			if string(msg.ID) == initMsgID && !c.IsReady() {
				if err := c.handleInitialize(ctx, msg); err != nil {
					return err
				}
				go c.start(ctx, startErrs)
				close(c.ready)
				continue
			}
			select {
			case c.results <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			c.logger.Warn("unhandled method", "method", msg.Method)
		}
	}

	// The message iterator ended: the session is gone. Surface a pending health
	// failure if one raced with the close.
	select {
	case err := <-startErrs:
		return err
	default:
		return nil
	}
}

// dispatchUserMessage routes an error/info/success notification to its
// registered receiver. Receivers are optional at every point of the lifecycle,
// so an early notification is dropped rather than crashing the session.
func (c *Client) dispatchUserMessage(msg JSONRPCMessage) {
	var params MessageParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal message params", "method", msg.Method, "err", err)
			return
		}
	}

	c.handlersMu.RLock()
	var handler func(string)
	switch msg.Method {
	case MethodNotificationError:
		handler = c.onError
	case MethodNotificationInfo:
		handler = c.onInfo
	case MethodNotificationSuccess:
		handler = c.onSuccess
	}
	c.handlersMu.RUnlock()

	if handler == nil {
		return
	}
	handler(params.Message)
}

func (c *Client) sendInitialize(ctx context.Context, msgID MustString) error {
	params := initializeParams{
		ProtocolVersion:  protocolVersion,
		ClientInfo:       c.info,
		RootPath:         c.rootPath,
		RootURI:          pathToURI(c.rootPath),
		DocumentSelector: c.documentSelector,
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	return c.transport.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Method:  methodInitialize,
		Params:  paramsBs,
	})
}

func (c *Client) handleInitialize(ctx context.Context, msg JSONRPCMessage) error {
	if msg.Error != nil {
		return fmt.Errorf("initialize error: %w", msg.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("%s: %s != %s", errMsgUnsupportedProtocolVersion,
			result.ProtocolVersion, protocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities

	return c.sendNotification(ctx, methodInitialized, nil)
}

func (c *Client) sendRequestWithoutResult(ctx context.Context, msg JSONRPCMessage) error {
	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	return c.transport.Send(sCtx, msg)
}

func (c *Client) sendRequest(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msgID := uuid.New().String()
	msg.ID = MustString(msgID)

	// Register a waiter with the correlation loop before sending, so the
	// response cannot slip past us.
	resChannels := make(chan chan JSONRPCMessage)
	wfrReq := waitForResultReq{
		msgID:   msgID,
		resChan: resChannels,
	}

	select {
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case c.waitForResults <- wfrReq:
	}

	results := <-resChannels

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.transport.Send(sCtx, msg); err != nil {
		return JSONRPCMessage{}, err
	}

	timeout := time.NewTimer(c.readTimeout)
	defer timeout.Stop()

	select {
	case <-timeout.C:
		return JSONRPCMessage{}, ErrRequestTimeout
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.Canceled) {
			// Cooperative cancellation: tell the process which request to
			// abort. The original context is gone, so use a fresh one.
			nErr := c.sendNotification(context.Background(), methodCancelRequest, cancelParams{
				ID: MustString(msgID),
			})
			if nErr != nil {
				err = fmt.Errorf("%w: failed to send cancellation: %w", err, nErr)
			}
		}
		return JSONRPCMessage{}, err
	case resMsg := <-results:
		return resMsg, nil
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	notif := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.transport.Send(sCtx, notif); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (c *Client) sendResult(ctx context.Context, id MustString, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.transport.Send(sCtx, msg); err != nil {
		return fmt.Errorf("failed to send result: %w", err)
	}

	return nil
}
