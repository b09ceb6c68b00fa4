package debian

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Paragraph is a single stanza of a Debian control file: `Name: value`
// lines, where continuation lines begin with whitespace.
type Paragraph map[string]string

// maxLineSize bounds a single control line; Description fields in large
// Packages indices can get long, but never this long.
const maxLineSize = 1 << 20

// ParseControlFile reads every paragraph from a control file. Paragraphs
// are separated by blank lines.
func ParseControlFile(in io.Reader) ([]Paragraph, error) {
	var graphs []Paragraph
	err := ScanControlFile(in, func(p Paragraph) error {
		graphs = append(graphs, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return graphs, nil
}

// ScanControlFile streams paragraphs to f without holding the whole file.
// Packages indices for a full mirror run to hundreds of megabytes, so the
// parsers in this package are built on this instead of ParseControlFile.
func ScanControlFile(in io.Reader, f func(Paragraph) error) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	graph := Paragraph{}
	var lastKey string
	flush := func() error {
		if len(graph) == 0 {
			return nil
		}
		if err := f(graph); err != nil {
			return err
		}
		graph = Paragraph{}
		lastKey = ""
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			if err := flush(); err != nil {
				return err
			}
		case line[0] == ' ' || line[0] == '\t':
			if lastKey == "" {
				return fmt.Errorf("continuation line without field: %q", line)
			}
			graph[lastKey] += "\n" + strings.TrimRight(line[1:], "\r")
		default:
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				return fmt.Errorf("malformed control line: %q", line)
			}
			lastKey = key
			graph[key] = strings.TrimSpace(strings.TrimRight(value, "\r"))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading control file: %w", err)
	}
	return flush()
}

// WriteControlFile renders paragraphs separated by blank lines. Fields are
// emitted in a stable order: Package first, then lexicographic.
func WriteControlFile(out io.Writer, graphs ...Paragraph) error {
	for i, graph := range graphs {
		if i > 0 {
			if _, err := fmt.Fprintln(out); err != nil {
				return err
			}
		}

		keys := make([]string, 0, len(graph))
		for k := range graph {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i] == "Package" {
				return true
			}
			if keys[j] == "Package" {
				return false
			}
			return keys[i] < keys[j]
		})

		for _, k := range keys {
			if _, err := fmt.Fprintf(out, "%s: %s\n", k, graph[k]); err != nil {
				return err
			}
		}
	}
	return nil
}
