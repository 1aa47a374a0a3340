package dataform

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer of the protocol.
// It is implemented by the bundled reference service and by test doubles; the
// adapter itself only ever acts as a client.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are
	// initiated. Each yielded Session represents a unique client connection and
	// provides methods for bidirectional communication. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources.
	// The caller is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer of the protocol.
type ClientTransport interface {
	// StartSession initiates a session with the analysis process and returns an
	// iterator that yields its messages. The transport signals its readiness to
	// send messages through the ready channel by either closing it or feeding an
	// error. Operations are canceled when the context is canceled.
	StartSession(ctx context.Context, ready chan<- error) (iter.Seq[JSONRPCMessage], error)

	// Send transmits a message to the analysis process.
	Send(ctx context.Context, msg JSONRPCMessage) error
}

// Session represents a bidirectional communication channel between the analysis
// process and one connected client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the client.
	// The implementation should exit the iteration once the session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method once.
	Stop()
}

// Host is the editor-facing surface the adapter relies on. Implementations wrap
// a concrete editor's API; tests substitute fakes.
type Host interface {
	// ActiveDocument returns the document currently focused in the editor, if any.
	ActiveDocument() (Document, bool)

	// WorkspaceFolderOf resolves the workspace folder enclosing doc. The second
	// return value is false when the document is not part of any opened folder.
	WorkspaceFolderOf(doc Document) (WorkspaceFolder, bool)

	// ShowErrorMessage displays message at error severity.
	ShowErrorMessage(ctx context.Context, message string)

	// ShowInfoMessage displays message at informational severity.
	ShowInfoMessage(ctx context.Context, message string)

	// ShowPrompt displays message with the given choices and blocks until the
	// user picks one or dismisses the prompt. A dismissal returns "" with a nil
	// error.
	ShowPrompt(ctx context.Context, message string, choices ...string) (string, error)

	// OpenExternal opens url outside the editor, typically in a browser.
	OpenExternal(ctx context.Context, url string) error

	// ExtensionInstalled reports whether the extension with the given
	// identifier is installed in the host.
	ExtensionInstalled(id string) bool
}

// Notifier is handed to server-side services so they can push user-facing
// outcomes back to the connected client. All three channels are one-way; no
// acknowledgement ever flows back.
type Notifier interface {
	// Error reports a failure the user should see.
	Error(ctx context.Context, message string)
	// Info reports neutral progress information.
	Info(ctx context.Context, message string)
	// Success reports a completed operation.
	Success(ctx context.Context, message string)
}

// Compiler is the server-side compile provider. Compile runs a full project
// compilation rooted at projectDir, reporting outcomes exclusively through
// notify. The returned error is for protocol-level failures only; compilation
// problems belong on the notification channel.
type Compiler interface {
	Compile(ctx context.Context, projectDir string, notify Notifier) error
}

// Formatter is the server-side formatting provider. Format rewrites the file at
// relPath (relative to projectDir) and returns the minimal edits that transform
// the current content into the formatted content.
type Formatter interface {
	Format(ctx context.Context, projectDir, relPath string) ([]TextEdit, error)
}
