package dataformd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/dataformco/dataform-lsp-go"
)

// Format reads the file at relPath under projectDir, computes its canonical
// form, and returns the minimal edits transforming the current content into
// it. A nil edit list means the file is already formatted.
func (s *Service) Format(ctx context.Context, projectDir, relPath string) ([]dataform.TextEdit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(projectDir, relPath)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}

	original := string(content)
	formatted := formatSQLX(original)
	if formatted == original {
		return nil, nil
	}

	return editsBetween(original, formatted), nil
}

// formatSQLX applies the reference formatting rules: LF line endings, no
// trailing whitespace, at most one consecutive blank line, and a single final
// newline.
func formatSQLX(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}

	// Trim trailing blank lines, then close with exactly one newline.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}

// editsBetween converts a character diff into position-based text edits
// against the original content. Adjacent delete/insert pairs collapse into a
// single replacement edit.
func editsBetween(original, formatted string) []dataform.TextEdit {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(original, formatted, false)

	var edits []dataform.TextEdit
	var pos dataform.Position

	for i := 0; i < len(diffs); i++ {
		d := diffs[i]
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos = advancePosition(pos, d.Text)
		case diffmatchpatch.DiffDelete:
			end := advancePosition(pos, d.Text)
			edit := dataform.TextEdit{Range: dataform.Range{Start: pos, End: end}}
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				edit.NewText = diffs[i+1].Text
				i++
			}
			edits = append(edits, edit)
			pos = end
		case diffmatchpatch.DiffInsert:
			edits = append(edits, dataform.TextEdit{
				Range:   dataform.Range{Start: pos, End: pos},
				NewText: d.Text,
			})
		}
	}

	return edits
}

// advancePosition moves pos across text, tracking line breaks.
func advancePosition(pos dataform.Position, text string) dataform.Position {
	newlines := strings.Count(text, "\n")
	if newlines == 0 {
		pos.Character += utf8.RuneCountInString(text)
		return pos
	}

	pos.Line += newlines
	pos.Character = utf8.RuneCountInString(text[strings.LastIndexByte(text, '\n')+1:])
	return pos
}
