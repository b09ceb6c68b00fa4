package fetch

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/radawson/apt-mirror/pkg/debian"
)

// VerifyError reports a size or digest mismatch after a complete read.
type VerifyError struct {
	Algo     debian.Hash
	Expected string
	Actual   string
}

func (e *VerifyError) Error() string {
	if e.Algo == "" {
		return fmt.Sprintf("size mismatch: expected %s, got %s", e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Algo, e.Expected, e.Actual)
}

// Verifier streams bytes through every declared digest in one pass and
// counts them. It implements io.Writer so it can sit in a MultiWriter next
// to the destination file.
type Verifier struct {
	size    int64 // -1 when unknown
	n       int64
	digests map[debian.Hash]string
	hashers map[debian.Hash]hash.Hash
}

var _ io.Writer = (*Verifier)(nil)

// NewVerifier builds a verifier for a declared size (-1 unknown) and digest
// set (may be empty).
func NewVerifier(size int64, digests map[debian.Hash]string) *Verifier {
	v := &Verifier{
		size:    size,
		digests: digests,
		hashers: make(map[debian.Hash]hash.Hash, len(digests)),
	}
	for algo := range digests {
		v.hashers[algo] = algo.New()
	}
	return v
}

func (v *Verifier) Write(p []byte) (int, error) {
	for _, h := range v.hashers {
		_, _ = h.Write(p) // hash.Hash never errors
	}
	v.n += int64(len(p))
	return len(p), nil
}

// Reset discards all accumulated state, for restart-from-zero retries.
func (v *Verifier) Reset() {
	v.n = 0
	for algo := range v.hashers {
		v.hashers[algo] = algo.New()
	}
}

// Written returns the number of bytes streamed so far.
func (v *Verifier) Written() int64 { return v.n }

// Verify asserts byte count and every digest. A nil return means the
// payload is exactly what the metadata declared.
func (v *Verifier) Verify() error {
	if v.size >= 0 && v.n != v.size {
		return &VerifyError{
			Expected: fmt.Sprintf("%d bytes", v.size),
			Actual:   fmt.Sprintf("%d bytes", v.n),
		}
	}
	for algo, h := range v.hashers {
		actual := hex.EncodeToString(h.Sum(nil))
		if expected := v.digests[algo]; actual != expected {
			return &VerifyError{Algo: algo, Expected: expected, Actual: actual}
		}
	}
	return nil
}

// VerifyFile reports whether an existing file matches a declared size and
// digest set. Used as the precondition check that skips downloads entirely.
// Files without any declared digest never match.
func VerifyFile(path string, size int64, digests map[debian.Hash]string) bool {
	if len(digests) == 0 {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	v := NewVerifier(size, digests)
	if _, err := io.Copy(v, f); err != nil {
		return false
	}
	return v.Verify() == nil
}
