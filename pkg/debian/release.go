package debian

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

// FileEntry is one file listed by a Release index, with every digest the
// Release declared for it.
type FileEntry struct {
	Path    string
	Size    int64
	Digests map[Hash]string
}

// Strongest returns the strongest declared digest for the entry.
func (e FileEntry) Strongest() (Hash, string) {
	h := Strongest(e.Digests)
	return h, e.Digests[h]
}

// Release is a parsed Release or InRelease file.
type Release struct {
	Fields Paragraph
	Files  map[string]FileEntry
}

// ByHash reports whether the repository serves metadata under by-hash
// directories.
func (r *Release) ByHash() bool {
	return strings.EqualFold(r.Fields["Acquire-By-Hash"], "yes")
}

// Paths returns every listed path, sorted.
func (r *Release) Paths() []string {
	paths := make([]string, 0, len(r.Files))
	for p := range r.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

var clearsignedPrefix = []byte("-----BEGIN PGP SIGNED MESSAGE-----")

// ParseRelease parses Release content. Clear-signed InRelease bodies are
// unwrapped without verifying the signature; verification is the caller's
// concern.
func ParseRelease(data []byte) (*Release, error) {
	if bytes.HasPrefix(bytes.TrimLeft(data, "\n\r \t"), clearsignedPrefix) {
		block, _ := clearsign.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("malformed clearsigned release")
		}
		data = block.Plaintext
	}

	rel := &Release{
		Fields: Paragraph{},
		Files:  map[string]FileEntry{},
	}

	var block Hash
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if block == "" {
				continue
			}
			if err := rel.addEntry(block, line); err != nil {
				return nil, err
			}
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed release line: %q", line)
		}
		switch Hash(key) {
		case HashMD5, HashSHA1, HashSHA256, HashSHA512:
			block = Hash(key)
		default:
			block = ""
			rel.Fields[key] = strings.TrimSpace(value)
		}
	}
	return rel, nil
}

func (r *Release) addEntry(algo Hash, line string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fmt.Errorf("malformed %s entry: %q", algo, line)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("malformed size in %s entry %q: %w", algo, line, err)
	}

	path := fields[2]
	entry, ok := r.Files[path]
	if !ok {
		entry = FileEntry{Path: path, Size: size, Digests: map[Hash]string{}}
	} else if entry.Size != size {
		// The same path must have a consistent size across digest blocks.
		return fmt.Errorf("size mismatch for %q: %d != %d", path, size, entry.Size)
	}
	entry.Digests[algo] = fields[0]
	r.Files[path] = entry
	return nil
}
