package dataform

import (
	"encoding/json"
	"fmt"
)

// MustString is a type that enforces string representation for fields that can be either
// string or integer on the wire, such as request IDs. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message exchanged with the analysis process.
// It can represent either a request, response, or notification depending on which fields
// are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info identifies one side of the protocol session, carrying the implementation
// name and version exchanged during the initialize handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes which operations the analysis process supports,
// as reported in its initialize response.
type ServerCapabilities struct {
	CompileProvider            bool `json:"compileProvider,omitempty"`
	DocumentFormattingProvider bool `json:"documentFormattingProvider,omitempty"`
}

// DocumentFilter restricts the set of documents the analysis process is made
// aware of. A document matches when every non-empty field matches.
type DocumentFilter struct {
	// Language is the host's language identifier, e.g. "sqlx".
	Language string `json:"language,omitempty"`
	// Scheme is the document URI scheme, e.g. "file".
	Scheme string `json:"scheme,omitempty"`
	// Pattern is a glob matched against the document path.
	Pattern string `json:"pattern,omitempty"`
}

// DocumentSelector is the list of filters declared during the handshake.
type DocumentSelector []DocumentFilter

// SQLXDocumentSelector returns the selector used by Dataform deployments:
// local .sqlx documents only.
func SQLXDocumentSelector() DocumentSelector {
	return DocumentSelector{{Language: LanguageSQLX, Scheme: "file"}}
}

type initializeParams struct {
	ProtocolVersion  string           `json:"protocolVersion"`
	ClientInfo       Info             `json:"clientInfo"`
	RootPath         string           `json:"rootPath,omitempty"`
	RootURI          string           `json:"rootUri,omitempty"`
	DocumentSelector DocumentSelector `json:"documentSelector,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      Info               `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// Position is a zero-based line/character offset within a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [start, end) span within a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextEdit replaces Range with NewText. An empty NewText deletes the range; an
// empty range inserts at its start position.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// FileChangeType classifies a watched-file event.
type FileChangeType int

// Watched-file event kinds, numbered per the LSP convention.
const (
	FileCreated FileChangeType = iota + 1
	FileChanged
	FileDeleted
)

// FileEvent describes a single change to a watched file.
type FileEvent struct {
	URI  string         `json:"uri"`
	Type FileChangeType `json:"type"`
}

// DidChangeWatchedFilesParams carries a batch of watched-file changes forwarded
// to the analysis process.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// MessageParams carries the human-readable text of an error/info/success
// notification. The analysis process may emit either an object with a
// "message" field or a bare JSON string; both decode into Message.
type MessageParams struct {
	Message string `json:"message"`
}

// UnmarshalJSON accepts both the object form and a bare string.
func (m *MessageParams) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Message = s
		return nil
	}

	type plain MessageParams
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	m.Message = p.Message
	return nil
}

type cancelParams struct {
	ID MustString `json:"id"`
}

type logMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// marshalFormatParams encodes the positional format payload
// [projectDirectory, relativeFilePath].
func marshalFormatParams(projectDir, relPath string) (json.RawMessage, error) {
	bs, err := json.Marshal([]string{projectDir, relPath})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal format params: %w", err)
	}
	return bs, nil
}

// parseFormatParams decodes the positional format payload sent by clients.
func parseFormatParams(raw json.RawMessage) (projectDir, relPath string, err error) {
	var args []string
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", "", fmt.Errorf("failed to unmarshal format params: %w", err)
	}
	if len(args) != 2 {
		return "", "", fmt.Errorf("format params must hold exactly [projectDir, relativePath], got %d elements", len(args))
	}
	return args[0], args[1], nil
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// LanguageSQLX is the host language identifier for Dataform source documents.
	LanguageSQLX = "sqlx"

	// MethodCompile triggers a full project compilation inside the analysis
	// process. The request carries no payload and the adapter never inspects
	// the response; outcomes arrive via the notification channel.
	MethodCompile = "compile"

	// MethodFormat formats one file. Params are the positional pair
	// [projectDirectory, relativeFilePath]; the result is expected to be a
	// list of text edits.
	MethodFormat = "format"

	// MethodNotificationError is emitted by the analysis process for failures
	// the user should see.
	MethodNotificationError = "error"
	// MethodNotificationInfo is emitted for neutral progress information.
	MethodNotificationInfo = "info"
	// MethodNotificationSuccess is emitted when an operation completes; hosts
	// render it at informational severity.
	MethodNotificationSuccess = "success"
)

const (
	methodInitialize  = "initialize"
	methodInitialized = "initialized"
	methodPing        = "ping"

	methodCancelRequest         = "$/cancelRequest"
	methodDidChangeWatchedFiles = "workspace/didChangeWatchedFiles"
	methodLogMessage            = "window/logMessage"
)

// protocolVersion is the Dataform language-services protocol revision spoken
// by this adapter. The handshake rejects servers speaking anything else.
const protocolVersion = "1.0"

const (
	errMsgUnsupportedProtocolVersion = "Unsupported protocol version"
	errMsgInternalError              = "Internal error"
)

const (
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}
