package dataform_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"testing"
	"time"

	dataform "github.com/dataformco/dataform-lsp-go"
)

// testServer is a scripted analysis-process peer speaking the server side of
// the wire protocol over a StdIO transport. It answers the handshake and pings
// itself; every other message lands on the requests channel for the test to
// inspect and answer.
type testServer struct {
	protocolVersion string
	info            dataform.Info

	sessions chan dataform.Session
	requests chan dataform.JSONRPCMessage
}

func startTestServer(t *testing.T, transport dataform.StdIO, protocolVersion string) *testServer {
	t.Helper()

	ts := &testServer{
		protocolVersion: protocolVersion,
		info:            dataform.Info{Name: "test-analysis-process", Version: "1.0.0"},
		sessions:        make(chan dataform.Session, 1),
		requests:        make(chan dataform.JSONRPCMessage, 16),
	}

	go func() {
		for sess := range transport.Sessions() {
			ts.sessions <- sess
			for msg := range sess.Messages() {
				switch msg.Method {
				case "initialize":
					result, err := json.Marshal(map[string]any{
						"protocolVersion": ts.protocolVersion,
						"serverInfo":      ts.info,
						"capabilities": dataform.ServerCapabilities{
							CompileProvider:            true,
							DocumentFormattingProvider: true,
						},
					})
					if err != nil {
						t.Errorf("failed to marshal initialize result: %v", err)
						return
					}
					sendErr := sess.Send(context.Background(), dataform.JSONRPCMessage{
						JSONRPC: dataform.JSONRPCVersion,
						ID:      msg.ID,
						Result:  result,
					})
					if sendErr != nil {
						t.Errorf("failed to send initialize result: %v", sendErr)
						return
					}
				case "initialized":
				case "ping":
					_ = sess.Send(context.Background(), dataform.JSONRPCMessage{
						JSONRPC: dataform.JSONRPCVersion,
						ID:      msg.ID,
						Result:  json.RawMessage("null"),
					})
				default:
					ts.requests <- msg
				}
			}
		}
	}()

	return ts
}

func (ts *testServer) session(t *testing.T) dataform.Session {
	t.Helper()
	select {
	case sess := <-ts.sessions:
		return sess
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server session")
		return nil
	}
}

func (ts *testServer) request(t *testing.T) dataform.JSONRPCMessage {
	t.Helper()
	select {
	case msg := <-ts.requests:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
		return dataform.JSONRPCMessage{}
	}
}

// notify pushes an error/info/success notification through the session.
func (ts *testServer) notify(t *testing.T, sess dataform.Session, method, message string) {
	t.Helper()
	params, err := json.Marshal(dataform.MessageParams{Message: message})
	if err != nil {
		t.Fatalf("failed to marshal notification params: %v", err)
	}
	if err := sess.Send(context.Background(), dataform.JSONRPCMessage{
		JSONRPC: dataform.JSONRPCVersion,
		Method:  method,
		Params:  params,
	}); err != nil {
		t.Fatalf("failed to send notification: %v", err)
	}
}

// connectClient wires a client to a scripted peer over io.Pipe pairs, runs
// Connect on its own goroutine, and blocks until the handshake completes.
func connectClient(t *testing.T, options ...dataform.ClientOption) (*dataform.Client, *testServer, <-chan error) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := dataform.NewStdIO(serverReader, serverWriter)
	clientTransport := dataform.NewStdIO(clientReader, clientWriter)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		clientReader.Close()
		serverReader.Close()
	})

	ts := startTestServer(t, serverTransport, "1.0")

	client := dataform.NewClient(
		dataform.Info{Name: "test-host", Version: "0.0.1"},
		clientTransport,
		options...,
	)

	connectErrs := make(chan error, 1)
	go func() {
		connectErrs <- client.Connect(ctx)
	}()

	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("client never became ready: %v", err)
	}

	return client, ts, connectErrs
}

func TestClientConnect(t *testing.T) {
	client, ts, _ := connectClient(t)

	if !client.IsReady() {
		t.Error("client reports not ready after handshake")
	}
	if got := client.ServerInfo(); got != ts.info {
		t.Errorf("got server info %+v, want %+v", got, ts.info)
	}
	caps := client.ServerCapabilities()
	if !caps.CompileProvider || !caps.DocumentFormattingProvider {
		t.Errorf("got capabilities %+v, want both providers", caps)
	}
}

func TestClientConnectUnsupportedProtocolVersion(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	serverTransport := dataform.NewStdIO(serverReader, serverWriter)
	clientTransport := dataform.NewStdIO(clientReader, clientWriter)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		clientReader.Close()
		serverReader.Close()
	})

	startTestServer(t, serverTransport, "99.0")

	client := dataform.NewClient(
		dataform.Info{Name: "test-host", Version: "0.0.1"},
		clientTransport,
	)

	connectErrs := make(chan error, 1)
	go func() {
		connectErrs <- client.Connect(ctx)
	}()

	select {
	case err := <-connectErrs:
		if err == nil {
			t.Fatal("expected connect error for protocol version mismatch, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect to fail")
	}

	if client.IsReady() {
		t.Error("client reports ready after failed handshake")
	}
}

// recordingTransport counts outgoing messages without delivering anything.
type recordingTransport struct {
	sends chan dataform.JSONRPCMessage
}

func (r *recordingTransport) StartSession(context.Context, chan<- error) (iter.Seq[dataform.JSONRPCMessage], error) {
	return func(func(dataform.JSONRPCMessage) bool) {}, nil
}

func (r *recordingTransport) Send(_ context.Context, msg dataform.JSONRPCMessage) error {
	r.sends <- msg
	return nil
}

func TestClientRequestsBeforeReady(t *testing.T) {
	transport := &recordingTransport{sends: make(chan dataform.JSONRPCMessage, 4)}
	client := dataform.NewClient(dataform.Info{Name: "test-host"}, transport)

	ctx := context.Background()

	if err := client.Compile(ctx); !errors.Is(err, dataform.ErrNotReady) {
		t.Errorf("Compile: got error %v, want ErrNotReady", err)
	}
	if _, err := client.Format(ctx, "/proj", "definitions/orders.sqlx"); !errors.Is(err, dataform.ErrNotReady) {
		t.Errorf("Format: got error %v, want ErrNotReady", err)
	}
	if err := client.NotifyWatchedFiles(ctx, nil); !errors.Is(err, dataform.ErrNotReady) {
		t.Errorf("NotifyWatchedFiles: got error %v, want ErrNotReady", err)
	}

	select {
	case msg := <-transport.sends:
		t.Errorf("message reached transport before ready: %+v", msg)
	default:
	}
}

func TestClientCompile(t *testing.T) {
	client, ts, _ := connectClient(t)

	if err := client.Compile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := ts.request(t)
	if msg.Method != dataform.MethodCompile {
		t.Errorf("got method %q, want %q", msg.Method, dataform.MethodCompile)
	}
	if msg.ID == "" {
		t.Error("compile request carries no ID")
	}
	if len(msg.Params) != 0 {
		t.Errorf("compile request carries params: %s", msg.Params)
	}
}

func TestClientFormat(t *testing.T) {
	client, ts, _ := connectClient(t)
	sess := ts.session(t)

	wantEdits := []dataform.TextEdit{
		{
			Range: dataform.Range{
				Start: dataform.Position{Line: 0, Character: 10},
				End:   dataform.Position{Line: 0, Character: 12},
			},
			NewText: "",
		},
	}

	type formatResult struct {
		raw json.RawMessage
		err error
	}
	results := make(chan formatResult, 1)
	go func() {
		raw, err := client.Format(context.Background(), "/proj", "definitions/orders.sqlx")
		results <- formatResult{raw: raw, err: err}
	}()

	msg := ts.request(t)
	if msg.Method != dataform.MethodFormat {
		t.Errorf("got method %q, want %q", msg.Method, dataform.MethodFormat)
	}

	var args []string
	if err := json.Unmarshal(msg.Params, &args); err != nil {
		t.Fatalf("failed to unmarshal format params: %v", err)
	}
	if len(args) != 2 || args[0] != "/proj" || args[1] != "definitions/orders.sqlx" {
		t.Errorf("got format params %v, want [/proj definitions/orders.sqlx]", args)
	}

	resultBs, err := json.Marshal(wantEdits)
	if err != nil {
		t.Fatalf("failed to marshal edits: %v", err)
	}
	if err := sess.Send(context.Background(), dataform.JSONRPCMessage{
		JSONRPC: dataform.JSONRPCVersion,
		ID:      msg.ID,
		Result:  resultBs,
	}); err != nil {
		t.Fatalf("failed to send format result: %v", err)
	}

	var res formatResult
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Format to return")
	}
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	raw := res.raw

	var edits []dataform.TextEdit
	if err := json.Unmarshal(raw, &edits); err != nil {
		t.Fatalf("failed to unmarshal raw result: %v", err)
	}
	if len(edits) != 1 || edits[0] != wantEdits[0] {
		t.Errorf("got edits %+v, want %+v", edits, wantEdits)
	}
}

func TestClientFormatCancellation(t *testing.T) {
	client, ts, _ := connectClient(t)

	ctx, cancel := context.WithCancel(context.Background())

	formatErrs := make(chan error, 1)
	go func() {
		_, err := client.Format(ctx, "/proj", "definitions/orders.sqlx")
		formatErrs <- err
	}()

	// The peer holds the request open; the user gives up.
	formatReq := ts.request(t)
	cancel()

	select {
	case err := <-formatErrs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got error %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Format to return")
	}

	cancelMsg := ts.request(t)
	if cancelMsg.Method != "$/cancelRequest" {
		t.Fatalf("got method %q, want $/cancelRequest", cancelMsg.Method)
	}

	var params struct {
		ID dataform.MustString `json:"id"`
	}
	if err := json.Unmarshal(cancelMsg.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal cancel params: %v", err)
	}
	if params.ID != formatReq.ID {
		t.Errorf("cancellation targets request %q, want %q", params.ID, formatReq.ID)
	}
}

func TestClientFormatReadTimeout(t *testing.T) {
	client, ts, _ := connectClient(t, dataform.WithClientReadTimeout(200*time.Millisecond))

	// The peer never answers; the call must give up on its own, and no retry
	// follows.
	_, err := client.Format(context.Background(), "/proj", "definitions/orders.sqlx")
	if !errors.Is(err, dataform.ErrRequestTimeout) {
		t.Fatalf("got error %v, want ErrRequestTimeout", err)
	}

	ts.request(t)
	select {
	case msg := <-ts.requests:
		t.Errorf("unexpected retry after timeout: %+v", msg)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestClientNotificationDispatch(t *testing.T) {
	client, ts, _ := connectClient(t)
	sess := ts.session(t)

	// A notification with no receiver registered must be dropped quietly.
	ts.notify(t, sess, dataform.MethodNotificationError, "early failure")

	// A format round-trip acts as a barrier: the session processes messages in
	// order, so once the response lands the early notification is long gone.
	go func() {
		msg := <-ts.requests
		_ = sess.Send(context.Background(), dataform.JSONRPCMessage{
			JSONRPC: dataform.JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage("[]"),
		})
	}()
	if _, err := client.Format(context.Background(), "/proj", "a.sqlx"); err != nil {
		t.Fatalf("barrier format failed: %v", err)
	}

	received := make(chan string, 3)
	client.OnError(func(message string) { received <- "error:" + message })
	client.OnInfo(func(message string) { received <- "info:" + message })
	client.OnSuccess(func(message string) { received <- "success:" + message })

	ts.notify(t, sess, dataform.MethodNotificationError, "compilation failed")
	ts.notify(t, sess, dataform.MethodNotificationInfo, "compiling")
	ts.notify(t, sess, dataform.MethodNotificationSuccess, "compiled")

	want := map[string]bool{
		"error:compilation failed": true,
		"info:compiling":           true,
		"success:compiled":         true,
	}
	for range 3 {
		select {
		case got := <-received:
			if !want[got] {
				t.Errorf("unexpected dispatch %q", got)
			}
			delete(want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for dispatches, missing %v", want)
		}
	}
}

func TestClientNotifyWatchedFiles(t *testing.T) {
	client, ts, _ := connectClient(t)

	changes := []dataform.FileEvent{
		{URI: "file:///proj/.clientrc", Type: dataform.FileChanged},
	}
	if err := client.NotifyWatchedFiles(context.Background(), changes); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := ts.request(t)
	if msg.Method != "workspace/didChangeWatchedFiles" {
		t.Fatalf("got method %q, want workspace/didChangeWatchedFiles", msg.Method)
	}
	if msg.ID != "" {
		t.Error("watched-files notification carries an ID")
	}

	var params dataform.DidChangeWatchedFilesParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal params: %v", err)
	}
	if len(params.Changes) != 1 || params.Changes[0] != changes[0] {
		t.Errorf("got changes %+v, want %+v", params.Changes, changes)
	}
}
