package debian

import (
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/ulikunitz/xz"
)

type Compression string

const (
	CompressionNone Compression = ""
	CompressionBZIP Compression = "bz2"
	CompressionGZIP Compression = "gz"
	CompressionXZ   Compression = "xz"
)

// Compressions orders compressions by decompression preference: when a
// Release lists several encodings of the same index, the first match wins.
var Compressions = []Compression{CompressionXZ, CompressionBZIP, CompressionGZIP, CompressionNone}

// CompressionForPath derives the compression from a file name.
func CompressionForPath(p string) Compression {
	switch {
	case strings.HasSuffix(p, ".xz"):
		return CompressionXZ
	case strings.HasSuffix(p, ".bz2"):
		return CompressionBZIP
	case strings.HasSuffix(p, ".gz"):
		return CompressionGZIP
	default:
		return CompressionNone
	}
}

func (c Compression) String() string {
	return string(c)
}

func (c Compression) Extension() string {
	switch c {
	case CompressionBZIP:
		return ".bz2"
	case CompressionGZIP:
		return ".gz"
	case CompressionXZ:
		return ".xz"
	default:
		return ""
	}
}

// NewReader wraps in with a decompressor. The caller owns in; readers
// returned here do not need closing.
func (c Compression) NewReader(in io.Reader) (io.Reader, error) {
	switch c {
	case CompressionGZIP:
		zr, err := gzip.NewReader(in)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return zr, nil

	case CompressionXZ:
		xr, err := xz.NewReader(in)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return xr, nil

	case CompressionBZIP:
		return bzip2.NewReader(in), nil

	case CompressionNone:
		return in, nil

	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}
