package mirror

import (
	"path"
	"sync"

	"github.com/radawson/apt-mirror/pkg/config"
	"github.com/radawson/apt-mirror/pkg/debian"
)

// Stage is one of the three sequential phases of a run.
type Stage int

const (
	StageRelease Stage = iota
	StageIndex
	StageArchive
)

func (s Stage) String() string {
	switch s {
	case StageRelease:
		return "release"
	case StageIndex:
		return "index"
	default:
		return "archive"
	}
}

// Artifact is one file to mirror: a Release, an index, or an archive.
type Artifact struct {
	Repo  *config.Repository
	Path  string // relative to the repository URL
	Size  int64  // -1 unknown
	Stage Stage

	// Digests holds the strongest declared digest only; weaker digests
	// listed alongside it are not enforced.
	Digests map[debian.Hash]string

	// ByHashPath is an additional by-hash alias to publish, relative to the
	// repository URL, when the repository serves Acquire-By-Hash trees.
	ByHashPath string
}

// NewArtifact builds an artifact carrying the strongest digest from a
// declared set.
func NewArtifact(repo *config.Repository, stage Stage, relPath string, size int64, digests map[debian.Hash]string) *Artifact {
	a := &Artifact{Repo: repo, Path: relPath, Size: size, Stage: stage}
	if algo := debian.Strongest(digests); algo != "" {
		a.Digests = map[debian.Hash]string{algo: digests[algo]}
	}
	return a
}

// URL is the remote location of the artifact.
func (a *Artifact) URL() string {
	return a.Repo.URL.JoinPath(a.Path).String()
}

// LocalPath is the artifact's path under mirror/ or skel/: sanitized host
// plus repository path plus the artifact path.
func (a *Artifact) LocalPath() string {
	return path.Join(config.Sanitize(a.Repo.URL), a.Path)
}

// dedupeKey identifies the artifact across repositories; two deb lines
// referencing the same file must download it once.
func (a *Artifact) dedupeKey() string {
	return a.Repo.URL.Scheme + "://" + a.Repo.URL.Host + "/" + a.LocalPath()
}

// ArtifactSet deduplicates artifacts across repositories. Append-only
// during a stage, read-only thereafter.
type ArtifactSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
	list []*Artifact
}

func NewArtifactSet() *ArtifactSet {
	return &ArtifactSet{seen: map[string]struct{}{}}
}

// Add appends the artifact unless an equivalent one is already scheduled.
// It reports whether the artifact was added.
func (s *ArtifactSet) Add(a *Artifact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := a.dedupeKey()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.list = append(s.list, a)
	return true
}

// Artifacts returns the scheduled artifacts in insertion order.
func (s *ArtifactSet) Artifacts() []*Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Artifact(nil), s.list...)
}

// TotalSize sums the known artifact sizes.
func (s *ArtifactSet) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, a := range s.list {
		if a.Size > 0 {
			total += a.Size
		}
	}
	return total
}

// Len returns the number of scheduled artifacts.
func (s *ArtifactSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}
