package debian

import (
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// SourcePackage is one stanza of a Sources index: a directory plus the
// files (.dsc, tarballs, diffs) that make up the source package.
type SourcePackage struct {
	Package   string
	Version   string
	Directory string
	Files     []FileEntry
}

// sourcesDigestFields maps Sources checksum list fields to algorithms, in
// the order they are merged. The legacy "Files" list carries MD5 digests.
var sourcesDigestFields = []struct {
	field string
	algo  Hash
}{
	{"Files", HashMD5},
	{"Checksums-Sha1", HashSHA1},
	{"Checksums-Sha256", HashSHA256},
	{"Checksums-Sha512", HashSHA512},
}

// ScanSources streams every source stanza of a (decompressed) Sources index
// to f. File paths are joined onto the stanza's Directory.
func ScanSources(in io.Reader, f func(SourcePackage) error) error {
	return ScanControlFile(in, func(graph Paragraph) error {
		dir := graph["Directory"]
		if dir == "" {
			return nil
		}

		src := SourcePackage{
			Package:   graph["Package"],
			Version:   graph["Version"],
			Directory: dir,
		}

		byName := map[string]*FileEntry{}
		var order []string
		for _, df := range sourcesDigestFields {
			field, algo := df.field, df.algo
			list, ok := graph[field]
			if !ok {
				continue
			}
			for _, line := range strings.Split(list, "\n") {
				fields := strings.Fields(line)
				if len(fields) != 3 {
					if strings.TrimSpace(line) == "" {
						continue
					}
					return fmt.Errorf("source %s: malformed %s entry: %q", src.Package, field, line)
				}
				size, err := strconv.ParseInt(fields[1], 10, 64)
				if err != nil {
					return fmt.Errorf("source %s: malformed size %q: %w", src.Package, fields[1], err)
				}

				name := fields[2]
				entry, ok := byName[name]
				if !ok {
					entry = &FileEntry{
						Path:    path.Join(dir, name),
						Size:    size,
						Digests: map[Hash]string{},
					}
					byName[name] = entry
					order = append(order, name)
				} else if entry.Size != size {
					return fmt.Errorf("source %s: size mismatch for %q: %d != %d", src.Package, name, size, entry.Size)
				}
				entry.Digests[algo] = fields[0]
			}
		}

		for _, name := range order {
			src.Files = append(src.Files, *byName[name])
		}
		return f(src)
	})
}
