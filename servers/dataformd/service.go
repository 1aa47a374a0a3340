// Package dataformd provides a reference implementation of the Dataform
// analysis service spoken by the adapter: a compile provider that sweeps a
// project's SQLX sources and a formatting provider that derives minimal text
// edits. Real deployments point the adapter's launch configuration at the
// production Dataform CLI; this package exists to exercise the wire protocol
// end to end and to give the adapter's tests a truthful peer.
package dataformd

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dataformco/dataform-lsp-go"
)

// Service implements dataform.Compiler and dataform.Formatter.
type Service struct {
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used by the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates the reference service.
func New(options ...Option) *Service {
	s := &Service{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Compile sweeps the project's .sqlx sources, reporting progress and problems
// through notify. Protocol contract: user-visible outcomes travel only on the
// notification channel, so the returned error covers filesystem failures that
// prevent the sweep from running at all.
func (s *Service) Compile(ctx context.Context, projectDir string, notify dataform.Notifier) error {
	if projectDir == "" {
		notify.Error(ctx, "No project directory was announced during initialization.")
		return nil
	}

	if !hasProjectMarker(projectDir) {
		notify.Error(ctx, fmt.Sprintf("%s is not a Dataform project: no %s or %s found.",
			projectDir, dataform.WorkflowSettingsFilename, dataform.LegacySettingsFilename))
		return nil
	}

	sources, err := collectSQLXFiles(ctx, projectDir)
	if err != nil {
		return fmt.Errorf("failed to scan project: %w", err)
	}

	notify.Info(ctx, fmt.Sprintf("Compiling %d SQLX files...", len(sources)))

	problems := 0
	for _, path := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}

		content, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read source", "path", path, "err", err)
			notify.Error(ctx, fmt.Sprintf("Cannot read %s.", relOrSelf(projectDir, path)))
			problems++
			continue
		}

		if msg, ok := checkSource(string(content)); !ok {
			notify.Error(ctx, fmt.Sprintf("%s: %s", relOrSelf(projectDir, path), msg))
			problems++
		}
	}

	if problems > 0 {
		notify.Error(ctx, fmt.Sprintf("Compilation finished with %d problems.", problems))
		return nil
	}

	notify.Success(ctx, fmt.Sprintf("Compiled %d SQLX files.", len(sources)))
	return nil
}

func hasProjectMarker(projectDir string) bool {
	for _, name := range []string{dataform.WorkflowSettingsFilename, dataform.LegacySettingsFilename} {
		if _, err := os.Stat(filepath.Join(projectDir, name)); err == nil {
			return true
		}
	}
	return false
}

func collectSQLXFiles(ctx context.Context, projectDir string) ([]string, error) {
	var sources []string
	err := filepath.WalkDir(projectDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cErr := ctx.Err(); cErr != nil {
			return cErr
		}
		if d.IsDir() {
			// Dependency and VCS trees never hold project sources.
			switch d.Name() {
			case "node_modules", ".git":
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) == ".sqlx" {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sources, nil
}

// checkSource runs the shallow sanity checks the reference service supports:
// balanced braces (an unbalanced config block is the dominant authoring
// mistake) and a non-empty body.
func checkSource(content string) (string, bool) {
	if strings.TrimSpace(content) == "" {
		return "file is empty", false
	}

	depth := 0
	for _, r := range content {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return "unbalanced braces: unexpected '}'", false
			}
		}
	}
	if depth != 0 {
		return "unbalanced braces: missing '}'", false
	}

	return "", true
}

func relOrSelf(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return rel
}
