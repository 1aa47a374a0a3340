package dataform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
)

// Companion extension recommended by the first-run advisory. YAML tooling is
// not bundled with this adapter, so hosts without it get degraded editing of
// workflow_settings.yaml.
const (
	YAMLExtensionID         = "redhat.vscode-yaml"
	YAMLExtensionInstallURL = "https://marketplace.visualstudio.com/items?itemName=redhat.vscode-yaml"
)

const (
	advisoryMessage       = "Install the YAML extension for editing workflow_settings.yaml files?"
	advisoryInstallChoice = "Install"
	advisoryOptOutChoice  = "Don't show again"
)

// Adapter glues a Host, a Client, and a Settings store into the editor-facing
// behavior: the compile command, the document-formatting action, the UI relay
// for analysis-process notifications, and the first-run advisory.
//
// The adapter holds references, not ownership; the client's lifecycle belongs
// to whoever ran Connect. Construct with NewAdapter, wait for the client to be
// ready, then call BindNotifications.
type Adapter struct {
	client   *Client
	host     Host
	settings *Settings
	logger   *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the logger used by the adapter.
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// NewAdapter wires the three collaborators together. Nothing is registered
// against the client until BindNotifications is called.
func NewAdapter(client *Client, host Host, settings *Settings, options ...AdapterOption) *Adapter {
	a := &Adapter{
		client:   client,
		host:     host,
		settings: settings,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// BindNotifications attaches the host-UI relay for the analysis process's
// error/info/success channels. Call only after the client reports ready, so
// handlers are never attached to a connection that has not completed its
// handshake:
//
//	if err := client.WaitReady(ctx); err != nil { ... }
//	adapter.BindNotifications(ctx)
//
// The relay is fire-and-forget: each notification becomes exactly one host
// message, success at informational severity, and nothing is acknowledged.
func (a *Adapter) BindNotifications(ctx context.Context) {
	a.client.OnError(func(message string) {
		a.host.ShowErrorMessage(ctx, message)
	})
	a.client.OnInfo(func(message string) {
		a.host.ShowInfoMessage(ctx, message)
	})
	a.client.OnSuccess(func(message string) {
		a.host.ShowInfoMessage(ctx, message)
	})
}

// RunCompile relays the compile command. No local preconditions are checked;
// results and errors are surfaced entirely by the analysis process through the
// notification relay, so the returned error only reports dispatch failures.
func (a *Adapter) RunCompile(ctx context.Context) error {
	return a.client.Compile(ctx)
}

// RunFormat relays the document-formatting action for the host's active
// document. The project locator gates the request: on a locator failure the
// message is shown to the user as exactly one error and no request is sent.
// On success the format request carries the project directory and the active
// document's path relative to it, with ctx threaded through so the analysis
// process observes cancellation.
//
// The raw response is returned untouched; whether the host converts it into
// applied text edits is its own concern.
func (a *Adapter) RunFormat(ctx context.Context) (json.RawMessage, error) {
	projectDir, err := LocateProject(ctx, a.host)
	if err != nil {
		a.host.ShowErrorMessage(ctx, err.Error())
		return nil, err
	}

	doc, ok := a.host.ActiveDocument()
	if !ok {
		// The locator just saw a document; losing it between calls means the
		// action raced a focus change and there is nothing left to format.
		return nil, ErrNoWorkspace
	}

	relPath, err := filepath.Rel(projectDir, doc.Path)
	if err != nil {
		err = fmt.Errorf("failed to resolve %s against the project root: %w", doc.Path, err)
		a.host.ShowErrorMessage(ctx, err.Error())
		return nil, err
	}

	return a.client.Format(ctx, projectDir, relPath)
}

// CheckAdvisory runs the one-time companion-extension suggestion. With the
// recommendYamlExtension setting enabled and the extension absent, the host
// shows a prompt with exactly two choices: open the install link, or opt out
// permanently, which persists the flag into the global settings scope.
// Dismissal leaves the flag unchanged so the prompt returns on the next
// activation.
func (a *Adapter) CheckAdvisory(ctx context.Context) error {
	if !a.settings.Bool(SettingRecommendYAMLExtension, true) {
		return nil
	}
	if a.host.ExtensionInstalled(YAMLExtensionID) {
		return nil
	}

	choice, err := a.host.ShowPrompt(ctx, advisoryMessage, advisoryInstallChoice, advisoryOptOutChoice)
	if err != nil {
		return fmt.Errorf("failed to show advisory prompt: %w", err)
	}

	switch choice {
	case advisoryInstallChoice:
		if err := a.host.OpenExternal(ctx, YAMLExtensionInstallURL); err != nil {
			return fmt.Errorf("failed to open install link: %w", err)
		}
	case advisoryOptOutChoice:
		if err := a.settings.SetGlobal(SettingRecommendYAMLExtension, false); err != nil {
			return fmt.Errorf("failed to persist advisory opt-out: %w", err)
		}
	}

	return nil
}
