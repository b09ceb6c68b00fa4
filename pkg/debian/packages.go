package debian

import (
	"fmt"
	"io"
	"strconv"
)

// BinaryPackage is one stanza of a Packages index, reduced to what a mirror
// needs: where the .deb lives and how to verify it.
type BinaryPackage struct {
	Package  string
	Version  string
	Filename string
	Size     int64
	Digests  map[Hash]string
}

// packagesDigestFields maps Packages stanza field names to algorithms. Note
// the historical lowercase "sum" on MD5.
var packagesDigestFields = map[string]Hash{
	"MD5sum": HashMD5,
	"SHA1":   HashSHA1,
	"SHA256": HashSHA256,
	"SHA512": HashSHA512,
}

// ScanPackages streams every package stanza of a (decompressed) Packages
// index to f.
func ScanPackages(in io.Reader, f func(BinaryPackage) error) error {
	return ScanControlFile(in, func(graph Paragraph) error {
		filename := graph["Filename"]
		if filename == "" {
			// Not a package stanza; some indices carry a leading comment
			// paragraph.
			return nil
		}

		pkg := BinaryPackage{
			Package:  graph["Package"],
			Version:  graph["Version"],
			Filename: filename,
			Digests:  map[Hash]string{},
		}
		if s := graph["Size"]; s != "" {
			size, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("package %s: malformed size %q: %w", pkg.Package, s, err)
			}
			pkg.Size = size
		}
		for field, algo := range packagesDigestFields {
			if v := graph[field]; v != "" {
				pkg.Digests[algo] = v
			}
		}
		return f(pkg)
	})
}
