package mirror

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// promoteMetadata renames a repository's staged metadata from skel/ into
// mirror/, indices first and the Release family last, so a client
// observing the live tree never sees a Release referencing a missing
// index. Only freshly downloaded files move; up-to-date and unchanged
// artifacts are already live.
func (r *Runner) promoteMetadata(downloaded []*Artifact) error {
	ordered := append([]*Artifact(nil), downloaded...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return releaseRank(ordered[i].Path) < releaseRank(ordered[j].Path)
	})

	for _, a := range ordered {
		src := r.layout.SkelPath(a)
		dst := r.layout.MirrorPath(a)
		if err := r.promoteFile(src, dst); err != nil {
			return fmt.Errorf("promoting %s: %w", a.LocalPath(), err)
		}
		if a.ByHashPath != "" {
			if err := publishAlias(dst, r.layout.byHashMirrorPath(a)); err != nil {
				return fmt.Errorf("publishing by-hash alias for %s: %w", a.LocalPath(), err)
			}
		}
	}
	return nil
}

// releaseRank orders metadata promotion: plain files, then the detached
// signature, then Release, then InRelease.
func releaseRank(p string) int {
	switch filepath.Base(p) {
	case ReleaseGPGName:
		return 1
	case ReleaseName:
		return 2
	case InReleaseName:
		return 3
	default:
		return 0
	}
}

// promoteFile moves src over dst with a same-filesystem rename.
func (r *Runner) promoteFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if r.cfg.Unlink {
		// A hardlinked destination must be unlinked, not written through.
		if _, err := os.Stat(dst); err == nil {
			if err := os.Remove(dst); err != nil {
				return err
			}
		}
	}
	return os.Rename(src, dst)
}

// publishAlias hardlinks dst's content under the by-hash name, copying
// when the filesystem refuses links.
func publishAlias(src, alias string) error {
	if err := os.MkdirAll(filepath.Dir(alias), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(alias); err == nil {
		// by-hash names are content-addressed; an existing alias is correct.
		return nil
	}
	if err := os.Link(src, alias); err == nil {
		return nil
	}
	return copyFile(src, alias)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// cleanSkel drops a repository's staging tree after a successful
// promotion. Leftover skel files from failed runs are harmless; they are
// overwritten on the next attempt.
func (r *Runner) cleanSkel(repoPrefix string) {
	root := filepath.Join(r.layout.Skel, filepath.FromSlash(repoPrefix))
	if !strings.HasPrefix(root, r.layout.Skel) {
		return
	}
	_ = os.RemoveAll(root)
}
