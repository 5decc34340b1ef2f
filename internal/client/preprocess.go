package client

import (
	"strings"
)

// Preprocessor rewrites a raw response body before it is decoded as JSON
type Preprocessor func(raw string) string

// JoinLines turns newline-delimited JSON objects into a JSON array.
// Blank lines are dropped; an empty body becomes "[]".
func JoinLines(raw string) string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts = append(parts, line)
	}

	return "[" + strings.Join(parts, ",") + "]"
}
