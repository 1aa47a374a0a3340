package dataform_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	dataform "github.com/dataformco/dataform-lsp-go"
)

func TestAdapterRunFormat(t *testing.T) {
	host, root := hostWithProject(t, dataform.WorkflowSettingsFilename)
	client, ts, _ := connectClient(t)
	sess := ts.session(t)

	settings := dataform.OpenSettings(filepath.Join(t.TempDir(), "settings.json"))
	adapter := dataform.NewAdapter(client, host, settings)

	results := make(chan json.RawMessage, 1)
	runErrs := make(chan error, 1)
	go func() {
		raw, err := adapter.RunFormat(context.Background())
		results <- raw
		runErrs <- err
	}()

	msg := ts.request(t)
	if msg.Method != dataform.MethodFormat {
		t.Fatalf("got method %q, want %q", msg.Method, dataform.MethodFormat)
	}

	var args []string
	if err := json.Unmarshal(msg.Params, &args); err != nil {
		t.Fatalf("failed to unmarshal format params: %v", err)
	}
	if len(args) != 2 {
		t.Fatalf("got %d format params, want 2", len(args))
	}
	if args[0] != root {
		t.Errorf("got project dir %q, want %q", args[0], root)
	}
	wantRel := filepath.Join("definitions", "orders.sqlx")
	if args[1] != wantRel {
		t.Errorf("got relative path %q, want %q", args[1], wantRel)
	}

	edits, err := json.Marshal([]dataform.TextEdit{})
	if err != nil {
		t.Fatalf("failed to marshal edits: %v", err)
	}
	if err := sess.Send(context.Background(), dataform.JSONRPCMessage{
		JSONRPC: dataform.JSONRPCVersion,
		ID:      msg.ID,
		Result:  edits,
	}); err != nil {
		t.Fatalf("failed to send format result: %v", err)
	}

	select {
	case raw := <-results:
		if string(raw) != "[]" {
			t.Errorf("got raw result %s, want []", raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RunFormat to return")
	}
	if err := <-runErrs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := host.errors(); len(got) != 0 {
		t.Errorf("unexpected error messages: %v", got)
	}
}

func TestAdapterRunFormatLocatorFailure(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(h *fakeHost)
		wantErr error
	}{
		{
			name:    "no active document",
			mutate:  func(h *fakeHost) { h.hasDoc = false },
			wantErr: dataform.ErrNoWorkspace,
		},
		{
			name:    "remote workspace",
			mutate:  func(h *fakeHost) { h.folder.Scheme = "vscode-remote" },
			wantErr: dataform.ErrRemoteUnsupported,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host, _ := hostWithProject(t, dataform.WorkflowSettingsFilename)
			tc.mutate(host)

			// A never-connected client turns any stray dispatch into
			// ErrNotReady, so a leaked request is distinguishable from the
			// locator failure.
			transport := &recordingTransport{sends: make(chan dataform.JSONRPCMessage, 4)}
			client := dataform.NewClient(dataform.Info{Name: "test-host"}, transport)
			settings := dataform.OpenSettings(filepath.Join(t.TempDir(), "settings.json"))
			adapter := dataform.NewAdapter(client, host, settings)

			_, err := adapter.RunFormat(context.Background())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}

			if got := host.errors(); len(got) != 1 || got[0] != tc.wantErr.Error() {
				t.Errorf("got error messages %v, want exactly [%q]", got, tc.wantErr.Error())
			}
			select {
			case msg := <-transport.sends:
				t.Errorf("request reached transport despite locator failure: %+v", msg)
			default:
			}
		})
	}

	t.Run("missing project marker", func(t *testing.T) {
		host, _ := hostWithProject(t)

		transport := &recordingTransport{sends: make(chan dataform.JSONRPCMessage, 4)}
		client := dataform.NewClient(dataform.Info{Name: "test-host"}, transport)
		settings := dataform.OpenSettings(filepath.Join(t.TempDir(), "settings.json"))
		adapter := dataform.NewAdapter(client, host, settings)

		_, err := adapter.RunFormat(context.Background())
		if !errors.Is(err, dataform.ErrMissingProjectMarker) {
			t.Fatalf("got error %v, want ErrMissingProjectMarker", err)
		}
		if got := host.errors(); len(got) != 1 {
			t.Errorf("got %d error messages, want exactly 1: %v", len(got), got)
		}
	})
}

func TestAdapterNotificationRelay(t *testing.T) {
	host, _ := hostWithProject(t, dataform.WorkflowSettingsFilename)
	host.messageShown = make(chan struct{}, 8)

	client, ts, _ := connectClient(t)
	sess := ts.session(t)

	settings := dataform.OpenSettings(filepath.Join(t.TempDir(), "settings.json"))
	adapter := dataform.NewAdapter(client, host, settings)
	adapter.BindNotifications(context.Background())

	ts.notify(t, sess, dataform.MethodNotificationError, "Query compilation failed")
	ts.notify(t, sess, dataform.MethodNotificationInfo, "Compiling...")
	ts.notify(t, sess, dataform.MethodNotificationSuccess, "Compiled 3 SQLX files.")

	for range 3 {
		select {
		case <-host.messageShown:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for relayed messages")
		}
	}

	if got := host.errors(); len(got) != 1 || got[0] != "Query compilation failed" {
		t.Errorf("got error messages %v, want [Query compilation failed]", got)
	}
	// Success lands at informational severity alongside info.
	infos := host.infos()
	if len(infos) != 2 {
		t.Fatalf("got %d info messages, want 2: %v", len(infos), infos)
	}
	want := map[string]bool{"Compiling...": true, "Compiled 3 SQLX files.": true}
	for _, msg := range infos {
		if !want[msg] {
			t.Errorf("unexpected info message %q", msg)
		}
	}
}

func TestAdapterRunCompile(t *testing.T) {
	host, _ := hostWithProject(t, dataform.WorkflowSettingsFilename)
	client, ts, _ := connectClient(t)

	settings := dataform.OpenSettings(filepath.Join(t.TempDir(), "settings.json"))
	adapter := dataform.NewAdapter(client, host, settings)

	if err := adapter.RunCompile(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := ts.request(t)
	if msg.Method != dataform.MethodCompile {
		t.Errorf("got method %q, want %q", msg.Method, dataform.MethodCompile)
	}
}

func TestAdapterCheckAdvisory(t *testing.T) {
	newAdapter := func(t *testing.T, host *fakeHost) (*dataform.Adapter, string) {
		t.Helper()
		globalPath := filepath.Join(t.TempDir(), "settings.json")
		settings := dataform.OpenSettings(globalPath)
		transport := &recordingTransport{sends: make(chan dataform.JSONRPCMessage, 1)}
		client := dataform.NewClient(dataform.Info{Name: "test-host"}, transport)
		return dataform.NewAdapter(client, host, settings), globalPath
	}

	t.Run("install choice opens marketplace", func(t *testing.T) {
		host := &fakeHost{promptChoice: "Install"}
		adapter, globalPath := newAdapter(t, host)

		if err := adapter.CheckAdvisory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if host.promptCount != 1 {
			t.Fatalf("got %d prompts, want 1", host.promptCount)
		}
		if len(host.promptChoices) != 2 {
			t.Errorf("got prompt choices %v, want exactly two", host.promptChoices)
		}
		if len(host.openedURLs) != 1 || host.openedURLs[0] != dataform.YAMLExtensionInstallURL {
			t.Errorf("got opened URLs %v, want [%s]", host.openedURLs, dataform.YAMLExtensionInstallURL)
		}
		if _, err := os.Stat(globalPath); !os.IsNotExist(err) {
			t.Error("install choice must not touch the settings file")
		}
	})

	t.Run("opt-out persists the flag", func(t *testing.T) {
		host := &fakeHost{promptChoice: "Don't show again"}
		adapter, globalPath := newAdapter(t, host)

		if err := adapter.CheckAdvisory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		raw, err := os.ReadFile(globalPath)
		if err != nil {
			t.Fatalf("failed to read settings file: %v", err)
		}
		var stored map[string]any
		if err := json.Unmarshal(raw, &stored); err != nil {
			t.Fatalf("failed to unmarshal settings file: %v", err)
		}
		if got, ok := stored[dataform.SettingRecommendYAMLExtension].(bool); !ok || got {
			t.Errorf("stored setting is %v, want false", stored[dataform.SettingRecommendYAMLExtension])
		}

		// A fresh check now skips the prompt entirely.
		if err := adapter.CheckAdvisory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if host.promptCount != 1 {
			t.Errorf("got %d prompts after opt-out, want 1", host.promptCount)
		}
	})

	t.Run("dismissal leaves the flag untouched", func(t *testing.T) {
		host := &fakeHost{promptChoice: ""}
		adapter, globalPath := newAdapter(t, host)

		if err := adapter.CheckAdvisory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(host.openedURLs) != 0 {
			t.Errorf("dismissal opened URLs: %v", host.openedURLs)
		}
		if _, err := os.Stat(globalPath); !os.IsNotExist(err) {
			t.Error("dismissal must not touch the settings file")
		}

		// The prompt returns on the next activation.
		if err := adapter.CheckAdvisory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if host.promptCount != 2 {
			t.Errorf("got %d prompts, want 2", host.promptCount)
		}
	})

	t.Run("extension already installed", func(t *testing.T) {
		host := &fakeHost{installed: map[string]bool{dataform.YAMLExtensionID: true}}
		adapter, _ := newAdapter(t, host)

		if err := adapter.CheckAdvisory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if host.promptCount != 0 {
			t.Errorf("got %d prompts, want 0", host.promptCount)
		}
	})

	t.Run("advisory disabled", func(t *testing.T) {
		host := &fakeHost{}
		globalPath := filepath.Join(t.TempDir(), "settings.json")
		settings := dataform.OpenSettings(globalPath)
		if err := settings.SetGlobal(dataform.SettingRecommendYAMLExtension, false); err != nil {
			t.Fatalf("failed to seed settings: %v", err)
		}
		transport := &recordingTransport{sends: make(chan dataform.JSONRPCMessage, 1)}
		client := dataform.NewClient(dataform.Info{Name: "test-host"}, transport)
		adapter := dataform.NewAdapter(client, host, settings)

		if err := adapter.CheckAdvisory(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if host.promptCount != 0 {
			t.Errorf("got %d prompts, want 0", host.promptCount)
		}
	})
}
