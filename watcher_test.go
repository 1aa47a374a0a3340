package dataform_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dataform "github.com/dataformco/dataform-lsp-go"
)

func TestWatcherForwardsClientRCChanges(t *testing.T) {
	root := t.TempDir()
	client, ts, _ := connectClient(t)

	watcher, err := dataform.WatchClientRC(root, client,
		dataform.WithWatchDebounce(200*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go watcher.Run(ctx)

	// One matching file and one unrelated file in quick succession; the
	// debounce window must fold the matching events into a single batch and
	// drop the unrelated one entirely.
	rcPath := filepath.Join(root, ".clientrc")
	if err := os.WriteFile(rcPath, []byte("credentials=...\n"), 0o644); err != nil {
		t.Fatalf("failed to create .clientrc: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to create notes.txt: %v", err)
	}

	msg := ts.request(t)
	if msg.Method != "workspace/didChangeWatchedFiles" {
		t.Fatalf("got method %q, want workspace/didChangeWatchedFiles", msg.Method)
	}

	var params dataform.DidChangeWatchedFilesParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal params: %v", err)
	}
	if len(params.Changes) == 0 {
		t.Fatal("batch carries no changes")
	}
	for _, change := range params.Changes {
		if !strings.HasSuffix(change.URI, "/.clientrc") {
			t.Errorf("unexpected change %+v, only .clientrc files are watched", change)
		}
	}

	// The burst above must not spill into a second batch.
	select {
	case extra := <-ts.requests:
		t.Errorf("unexpected second batch: %+v", extra)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherSeesNestedDirectories(t *testing.T) {
	root := t.TempDir()
	client, ts, _ := connectClient(t)

	watcher, err := dataform.WatchClientRC(root, client,
		dataform.WithWatchDebounce(200*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go watcher.Run(ctx)

	nested := filepath.Join(root, "definitions", "staging")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("failed to create nested dirs: %v", err)
	}

	// Give the watcher a beat to pick up the new directories before the file
	// lands in them.
	time.Sleep(300 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(nested, ".clientrc"), []byte("k=v\n"), 0o644); err != nil {
		t.Fatalf("failed to create nested .clientrc: %v", err)
	}

	msg := ts.request(t)
	var params dataform.DidChangeWatchedFilesParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal params: %v", err)
	}

	found := false
	for _, change := range params.Changes {
		if strings.Contains(change.URI, "definitions/staging/.clientrc") {
			found = true
		}
	}
	if !found {
		t.Errorf("nested .clientrc not reported, got %+v", params.Changes)
	}
}
