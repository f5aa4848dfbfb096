package pages

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff is a line-oriented comparison between two page versions.
type Diff struct {
	FromLabel string
	ToLabel   string
	Text      string
}

// Format returns the diff with a unified-style header.
func (d Diff) Format() string {
	return fmt.Sprintf("--- %s\n+++ %s\n%s", d.FromLabel, d.ToLabel, d.Text)
}

// computeLineDiff produces a line-by-line diff between two bodies.
// Lines are compared whole; there is no character-level splitting.
func computeLineDiff(fromContent, toContent, fromLabel, toLabel string) Diff {
	dmp := diffmatchpatch.New()
	fromRunes, toRunes, lineIndex := dmp.DiffLinesToRunes(fromContent, toContent)
	diffs := dmp.DiffMainRunes(fromRunes, toRunes, false)
	diffs = dmp.DiffCharsToLines(diffs, lineIndex)

	var builder strings.Builder
	for _, fragment := range diffs {
		prefix := "  "
		switch fragment.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		text := strings.TrimSuffix(fragment.Text, "\n")
		if text == "" && fragment.Text != "\n" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			builder.WriteString(prefix)
			builder.WriteString(line)
			builder.WriteString("\n")
		}
	}

	return Diff{
		FromLabel: fromLabel,
		ToLabel:   toLabel,
		Text:      builder.String(),
	}
}
