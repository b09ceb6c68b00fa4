package mirror

import (
	"path"
	"sync"

	"github.com/radawson/apt-mirror/pkg/config"
)

// WantedSet accumulates, per repository, every local-relative path the
// current metadata snapshot references. Append-only during the stages,
// read-only once GC starts.
type WantedSet struct {
	mu    sync.Mutex
	paths map[string]map[string]struct{} // repo key → local relative paths
}

func NewWantedSet() *WantedSet {
	return &WantedSet{paths: map[string]map[string]struct{}{}}
}

// Add records an artifact (and its by-hash alias, if any) as wanted.
func (w *WantedSet) Add(a *Artifact) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := a.Repo.Key()
	set, ok := w.paths[key]
	if !ok {
		set = map[string]struct{}{}
		w.paths[key] = set
	}
	set[a.LocalPath()] = struct{}{}
	if a.ByHashPath != "" {
		set[path.Join(config.Sanitize(a.Repo.URL), a.ByHashPath)] = struct{}{}
	}
}

// Union merges every repository's wanted paths. GC deletes only files
// absent from the union: a file wanted by any repository survives.
func (w *WantedSet) Union() map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	union := map[string]struct{}{}
	for _, set := range w.paths {
		for p := range set {
			union[p] = struct{}{}
		}
	}
	return union
}
