package mirror

import (
	"path"
	"sort"
	"strings"

	"github.com/radawson/apt-mirror/pkg/config"
	"github.com/radawson/apt-mirror/pkg/debian"
)

// Planner translates a repository's configuration and its Release file
// into the artifacts to mirror. Index artifacts are only ever emitted for
// paths the Release actually lists, filtered by the configured components
// and architectures.
type Planner struct {
	repo *config.Repository
}

func NewPlanner(repo *config.Repository) *Planner {
	return &Planner{repo: repo}
}

// Release file names, in acquisition preference order.
const (
	InReleaseName  = "InRelease"
	ReleaseName    = "Release"
	ReleaseGPGName = "Release.gpg"
)

// ReleaseArtifact builds the artifact for one of the top-level release
// files. Sizes and digests are unknown before the Release is parsed.
func (p *Planner) ReleaseArtifact(name string) *Artifact {
	return &Artifact{
		Repo:  p.repo,
		Path:  path.Join(p.repo.DistPath(), name),
		Size:  -1,
		Stage: StageRelease,
	}
}

// IndexPlan is the planner's selection from a parsed Release: everything
// to mirror, and which of those entries to parse for archive references.
type IndexPlan struct {
	Mirror []*Artifact

	// ParsePackages/ParseSources point into Mirror: per logical index, the
	// preferred compression to decompress and parse.
	ParsePackages []*Artifact
	ParseSources  []*Artifact
}

type parseKind int

const (
	parseNone parseKind = iota
	parsePackages
	parseSources
)

// Indexes filters the Release's file list down to the configured
// components and architectures.
func (p *Planner) Indexes(rel *debian.Release) *IndexPlan {
	plan := &IndexPlan{}
	byHash := rel.ByHash()

	groups := map[string]map[debian.Compression]*Artifact{}
	kinds := map[string]parseKind{}

	for _, entryPath := range rel.Paths() {
		kind, ok := p.wantsEntry(entryPath)
		if !ok {
			continue
		}
		entry := rel.Files[entryPath]

		a := NewArtifact(p.repo, StageIndex, path.Join(p.repo.DistPath(), entryPath), entry.Size, entry.Digests)
		if byHash {
			if algo, digest := entry.Strongest(); algo != "" {
				a.ByHashPath = path.Join(p.repo.DistPath(), path.Dir(entryPath), "by-hash", algo.String(), digest)
			}
		}
		plan.Mirror = append(plan.Mirror, a)

		if kind == parseNone {
			continue
		}
		comp := debian.CompressionForPath(entryPath)
		group := path.Join(path.Dir(entryPath), strings.TrimSuffix(path.Base(entryPath), comp.Extension()))
		if groups[group] == nil {
			groups[group] = map[debian.Compression]*Artifact{}
			kinds[group] = kind
		}
		groups[group][comp] = a
	}

	groupNames := make([]string, 0, len(groups))
	for group := range groups {
		groupNames = append(groupNames, group)
	}
	sort.Strings(groupNames)

	// One compression per logical index is decompressed for parsing,
	// preferring the densest encoding available.
	for _, group := range groupNames {
		byComp := groups[group]
		for _, comp := range debian.Compressions {
			a, ok := byComp[comp]
			if !ok {
				continue
			}
			switch kinds[group] {
			case parsePackages:
				plan.ParsePackages = append(plan.ParsePackages, a)
			case parseSources:
				plan.ParseSources = append(plan.ParseSources, a)
			}
			break
		}
	}
	return plan
}

// ArchiveArtifact builds the artifact for a pool file referenced from an
// index. Paths are relative to the repository URL.
func (p *Planner) ArchiveArtifact(relPath string, size int64, digests map[debian.Hash]string) *Artifact {
	return NewArtifact(p.repo, StageArchive, relPath, size, digests)
}

// wantsEntry decides whether a Release-listed path is mirrored and whether
// it is parsed for archive references.
func (p *Planner) wantsEntry(entryPath string) (parseKind, bool) {
	comp := debian.CompressionForPath(entryPath)
	base := strings.TrimSuffix(entryPath, comp.Extension())

	if p.repo.Flat() {
		switch {
		case base == "Packages" && p.repo.Binaries:
			return parsePackages, true
		case base == "Sources" && p.repo.Sources:
			return parseSources, true
		case strings.HasPrefix(base, "Contents-"):
			return parseNone, p.wantsContents(strings.TrimPrefix(base, "Contents-"))
		}
		return parseNone, false
	}

	// Suite-level Contents files live next to the components.
	if strings.HasPrefix(base, "Contents-") {
		return parseNone, p.wantsContents(strings.TrimPrefix(base, "Contents-"))
	}

	component, rest, ok := strings.Cut(base, "/")
	if !ok || !contains(p.repo.Components, component) {
		return parseNone, false
	}

	switch {
	case strings.HasPrefix(rest, "binary-"):
		if !p.repo.Binaries {
			return parseNone, false
		}
		arch, file, ok := strings.Cut(strings.TrimPrefix(rest, "binary-"), "/")
		if !ok || !p.wantsArch(arch) {
			return parseNone, false
		}
		switch file {
		case "Packages":
			return parsePackages, true
		case "Release":
			return parseNone, true
		}

	case strings.HasPrefix(rest, "i18n/"):
		return parseNone, strings.HasPrefix(strings.TrimPrefix(rest, "i18n/"), "Translation-")

	case strings.HasPrefix(rest, "source/"):
		if !p.repo.Sources {
			return parseNone, false
		}
		switch strings.TrimPrefix(rest, "source/") {
		case "Sources":
			return parseSources, true
		case "Release":
			return parseNone, true
		}

	case strings.HasPrefix(rest, "Contents-"):
		return parseNone, p.wantsContents(strings.TrimPrefix(rest, "Contents-"))
	}
	return parseNone, false
}

// wantsContents matches Contents-<arch> names against the configured
// architectures, binary-all, and source contents.
func (p *Planner) wantsContents(arch string) bool {
	if arch == "source" {
		return p.repo.Sources
	}
	if !p.repo.Binaries {
		return false
	}
	return p.wantsArch(arch)
}

func (p *Planner) wantsArch(arch string) bool {
	if arch == "all" {
		return true
	}
	return contains(p.repo.Architectures, arch)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
