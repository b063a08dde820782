// Package envfile parses and serializes the environment files that setup
// scripts use to export variables to the tests that run after them.
//
// The format is deliberately dumb: UTF-8 text, one KEY=VALUE pair per line,
// the first '=' splits key from value, no escaping or quoting of any kind.
package envfile

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// ReservedPrefix is the key prefix reserved for the runner itself. Setup
// scripts may not export keys starting with it.
const ReservedPrefix = "NEXTEST"

// ParseError describes a line that could not be parsed.
type ParseError struct {
	Path string
	Line string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid line in environment file %s: %q", e.Path, e.Line)
}

// ReservedKeyError describes a rejected reserved key.
type ReservedKeyError struct {
	Path string
	Key  string
}

func (e *ReservedKeyError) Error() string {
	return fmt.Sprintf(
		"environment file %s sets key %q, which starts with the reserved prefix %q",
		e.Path, e.Key, ReservedPrefix,
	)
}

// ParseFile opens and parses the environment file at path.
func ParseFile(fs afero.Fs, path string) (map[string]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open environment file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f, path)
}

// Parse reads KEY=VALUE pairs from r. The path is only used for error
// messages.
func Parse(r io.Reader, path string) (map[string]string, error) {
	env := make(map[string]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, &ParseError{Path: path, Line: line}
		}
		key, value := line[:idx], line[idx+1:]
		if strings.HasPrefix(key, ReservedPrefix) {
			return nil, &ReservedKeyError{Path: path, Key: key}
		}
		env[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read environment file %s: %w", path, err)
	}
	return env, nil
}

// Write serializes env to w, one KEY=VALUE pair per line in sorted key
// order.
func Write(w io.Writer, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s=%s\n", k, env[k]); err != nil {
			return err
		}
	}
	return nil
}
