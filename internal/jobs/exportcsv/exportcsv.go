// Package exportcsv implements the two storage-adjacent safety rules every
// domain-export job handler in internal/jobhandlers must apply before
// writing a row or a file: CSV formula-injection escaping and
// path-traversal-safe output resolution, per spec.md 9's design notes and
// the scenario 3 example (an exported cell `=cmd|'/c calc'!A0`).
//
// Neither rule has a direct teacher precedent — the prior generation of
// this service never exported anything to CSV or to the local filesystem —
// so this package is new code grounded directly in spec.md's own stated
// algorithm rather than an adapted teacher file.
package exportcsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// formulaPrefixChars are the leading characters that make a spreadsheet
// application interpret a cell as a formula instead of literal text.
const formulaPrefixChars = "=+-@\t\r|"

// EscapeCSVValue prefixes value with an apostrophe if it begins with a
// formula-injection character, per spec.md 9. Quoting and doubled-quote
// escaping of the result is left to encoding/csv.Writer, which already
// applies RFC 4180 quoting to any field containing a comma, quote, or
// newline — this function only needs to neutralize the leading character
// csv.Writer has no opinion about.
func EscapeCSVValue(value string) string {
	if value == "" {
		return value
	}
	if strings.ContainsRune(formulaPrefixChars, rune(value[0])) {
		return "'" + value
	}
	return value
}

// WriteRow escapes every field in row via EscapeCSVValue and writes it
// through w, which applies the surrounding RFC 4180 quoting.
func WriteRow(w *csv.Writer, row []string) error {
	escaped := make([]string, len(row))
	for i, v := range row {
		escaped[i] = EscapeCSVValue(v)
	}
	return w.Write(escaped)
}

// ErrPathEscapesBase is returned by SafeJoin when the resolved path would
// fall outside baseDir.
var ErrPathEscapesBase = errors.New("exportcsv: resolved path escapes base directory")

// SafeJoin resolves name against baseDir and rejects the result unless its
// absolute, cleaned form still starts with baseDir's absolute, cleaned
// form — the defense spec.md 9 calls for against a caller-supplied name
// like "../../etc/passwd" reaching the filesystem.
func SafeJoin(baseDir, name string) (string, error) {
	absBase, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("exportcsv: resolve base dir: %w", err)
	}

	joined := filepath.Join(absBase, name)
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("exportcsv: resolve joined path: %w", err)
	}

	if absJoined != absBase && !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesBase, name)
	}

	return absJoined, nil
}
