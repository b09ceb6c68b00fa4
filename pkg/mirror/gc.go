package mirror

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/radawson/apt-mirror/pkg/config"
)

// CleanPlan is the set of live files no current metadata references.
type CleanPlan struct {
	// Delete holds absolute paths, sorted.
	Delete    []string
	TotalSize int64
}

// PlanClean walks the live tree under mirrorRoot and diffs it against the
// wanted union. Only files under a `clean <url>` prefix are candidates;
// skip-clean prefixes and in-flight partial files are never touched.
func PlanClean(cfg *config.Config, mirrorRoot string, wanted map[string]struct{}) (*CleanPlan, error) {
	plan := &CleanPlan{}

	for _, prefix := range cfg.CleanPrefixes {
		root := filepath.Join(mirrorRoot, filepath.FromSlash(prefix))
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == root {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(mirrorRoot, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			if _, ok := wanted[rel]; ok {
				return nil
			}
			if strings.HasSuffix(rel, ".partial") {
				return nil
			}
			for _, skip := range cfg.SkipCleanPrefixes {
				if rel == skip || strings.HasPrefix(rel, skip+"/") {
					return nil
				}
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			plan.Delete = append(plan.Delete, p)
			plan.TotalSize += info.Size()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	sort.Strings(plan.Delete)
	return plan, nil
}

// WriteScript renders the plan as a POSIX shell script.
func (p *CleanPlan) WriteScript(path string) error {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("set -e\n")
	fmt.Fprintf(&sb, "# %d unreferenced file(s), %s\n", len(p.Delete), humanize.IBytes(uint64(p.TotalSize)))
	for _, file := range p.Delete {
		fmt.Fprintf(&sb, "rm -f '%s'\n", file)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating var directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o755); err != nil {
		return fmt.Errorf("writing clean script: %w", err)
	}
	return nil
}

// Execute unlinks every planned file and prunes directories left empty.
func (p *CleanPlan) Execute() error {
	for _, file := range p.Delete {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unlinking %s: %w", file, err)
		}
		slog.Debug("unlinked unreferenced file", slog.String("path", file))
		pruneEmptyParents(filepath.Dir(file))
	}
	return nil
}

// pruneEmptyParents removes now-empty directories bottom-up; os.Remove on a
// non-empty directory fails, which ends the climb.
func pruneEmptyParents(dir string) {
	for {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
