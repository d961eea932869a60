package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

// compareTextual produces per-line added and removed entries. Removed lines
// carry their line number in the old content, added lines in the new content.
func compareTextual(from, to []byte) []engine.ConfigDiff {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(from), string(to))
	chunks := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	diffs := []engine.ConfigDiff{}
	oldLine, newLine := 1, 1
	for _, chunk := range chunks {
		chunkLines := splitLines(chunk.Text)
		switch chunk.Type {
		case diffmatchpatch.DiffEqual:
			oldLine += len(chunkLines)
			newLine += len(chunkLines)
		case diffmatchpatch.DiffDelete:
			for _, text := range chunkLines {
				diffs = append(diffs, engine.ConfigDiff{
					Type:        engine.DiffRemoved,
					Line:        oldLine,
					Text:        text,
					Description: fmt.Sprintf("-%d: %s", oldLine, text),
				})
				oldLine++
			}
		case diffmatchpatch.DiffInsert:
			for _, text := range chunkLines {
				diffs = append(diffs, engine.ConfigDiff{
					Type:        engine.DiffAdded,
					Line:        newLine,
					Text:        text,
					Description: fmt.Sprintf("+%d: %s", newLine, text),
				})
				newLine++
			}
		}
	}
	return diffs
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(strings.TrimSuffix(p, "\n"), "\r")
	}
	return parts
}
