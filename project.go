package dataform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Document identifies a file open in the editor host.
type Document struct {
	// URI is the host's document URI, e.g. "file:///work/project/definitions/orders.sqlx".
	URI string
	// Path is the local filesystem path; empty for non-file schemes.
	Path string
	// LanguageID is the host's language identifier for the document.
	LanguageID string
}

// WorkspaceFolder is a root folder opened in the editor host.
type WorkspaceFolder struct {
	// Name is the host's display name for the folder.
	Name string
	// URI is the folder URI.
	URI string
	// Path is the local filesystem path; empty for non-file schemes.
	Path string
	// Scheme is the URI scheme, "file" for local folders.
	Scheme string
}

// Project locator failures. Each carries the message shown to the user when a
// command needs a project and cannot find one. They are returned, never
// panicked, and checked with errors.Is.
var (
	// ErrNoWorkspace indicates the active document is not part of any opened
	// workspace folder.
	ErrNoWorkspace = errors.New("the active file does not belong to an open workspace folder")

	// ErrRemoteUnsupported indicates the enclosing workspace folder is not
	// backed by the local file system.
	ErrRemoteUnsupported = errors.New("Dataform projects on remote file systems are not supported")

	// ErrMissingProjectMarker indicates the workspace root holds neither a
	// workflow_settings.yaml nor a dataform.json file.
	ErrMissingProjectMarker = errors.New("no workflow_settings.yaml or dataform.json found at the workspace root")
)

// Project marker filenames, probed in order. The YAML settings file is the
// current convention; dataform.json is deprecated but still accepted.
const (
	WorkflowSettingsFilename = "workflow_settings.yaml"
	LegacySettingsFilename   = "dataform.json"
)

var projectMarkerFilenames = []string{WorkflowSettingsFilename, LegacySettingsFilename}

// LocateProject resolves the Dataform project directory enclosing the host's
// active document. It inspects the document's workspace folder and probes the
// folder root for a project marker file, stopping at the first match without
// reading file contents.
//
// It returns ErrNoWorkspace, ErrRemoteUnsupported, or ErrMissingProjectMarker
// when the active document does not lead to a usable local project, and the
// folder's absolute path otherwise. Cancellation of ctx is honored between
// probes.
func LocateProject(ctx context.Context, host Host) (string, error) {
	doc, ok := host.ActiveDocument()
	if !ok {
		return "", ErrNoWorkspace
	}

	folder, ok := host.WorkspaceFolderOf(doc)
	if !ok {
		return "", ErrNoWorkspace
	}

	if folder.Scheme != "file" {
		return "", ErrRemoteUnsupported
	}

	root, err := filepath.Abs(folder.Path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	for _, name := range projectMarkerFilenames {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return root, nil
		}
	}

	return "", ErrMissingProjectMarker
}

// pathToURI converts a local path into a file URI. Empty paths stay empty.
func pathToURI(path string) string {
	if path == "" {
		return ""
	}
	u := url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(path),
	}
	return u.String()
}
