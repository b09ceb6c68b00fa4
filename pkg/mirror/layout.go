package mirror

import (
	"path"
	"path/filepath"

	"github.com/radawson/apt-mirror/pkg/config"
)

// Layout resolves artifacts to the fixed on-disk tree:
//
//	<base>/mirror/<host>/<path>…   live tree
//	<base>/skel/<host>/<path>…     staged metadata
//	<base>/var/                    lock, logs, clean.sh
type Layout struct {
	Mirror string
	Skel   string
	Var    string
}

func NewLayout(cfg *config.Config) Layout {
	return Layout{
		Mirror: cfg.MirrorPath,
		Skel:   cfg.SkelPath,
		Var:    cfg.VarPath,
	}
}

// MirrorPath is the artifact's live location.
func (l Layout) MirrorPath(a *Artifact) string {
	return filepath.Join(l.Mirror, filepath.FromSlash(a.LocalPath()))
}

// SkelPath is the artifact's staging location.
func (l Layout) SkelPath(a *Artifact) string {
	return filepath.Join(l.Skel, filepath.FromSlash(a.LocalPath()))
}

// RepoRoot is the live directory under which a repository's files live.
func (l Layout) RepoRoot(repo *config.Repository) string {
	return filepath.Join(l.Mirror, filepath.FromSlash(config.Sanitize(repo.URL)))
}

// LockPath is the exclusive run lock.
func (l Layout) LockPath() string {
	return filepath.Join(l.Var, "apt-mirror.lock")
}

// byHashMirrorPath is the live location of an artifact's by-hash alias.
func (l Layout) byHashMirrorPath(a *Artifact) string {
	return filepath.Join(l.Mirror, filepath.FromSlash(path.Join(config.Sanitize(a.Repo.URL), a.ByHashPath)))
}
