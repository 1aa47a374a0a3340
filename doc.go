// Package dataform wires a text-editor host to an external Dataform
// language-analysis process over JSON-RPC 2.0. It owns the process lifecycle
// (launch, initialize handshake, teardown), relays user-triggered compile and
// format actions to the process as protocol requests, and surfaces the
// process's error/info/success notifications as host UI messages.
//
// The package performs no analysis of its own; every interesting computation
// happens inside the external process, which is reachable only through the
// protocol implemented here. Transports are pluggable: stdio for a locally
// launched subprocess, SSE for attaching to a remote or debug-instrumented
// instance.
package dataform
