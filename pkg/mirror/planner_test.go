package mirror_test

import (
	"net/url"
	"testing"

	"github.com/radawson/apt-mirror/pkg/config"
	"github.com/radawson/apt-mirror/pkg/debian"
	"github.com/radawson/apt-mirror/pkg/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRepo(tb testing.TB, raw, suite string) *config.Repository {
	tb.Helper()
	u, err := url.Parse(raw)
	require.NoError(tb, err)
	return &config.Repository{
		URL:           u,
		Suite:         suite,
		Components:    []string{"main"},
		Architectures: []string{"amd64"},
		Binaries:      true,
	}
}

func releaseOf(tb testing.TB, paths ...string) *debian.Release {
	tb.Helper()
	rel := &debian.Release{Fields: debian.Paragraph{}, Files: map[string]debian.FileEntry{}}
	for i, p := range paths {
		rel.Files[p] = debian.FileEntry{
			Path: p,
			Size: int64(100 + i),
			Digests: map[debian.Hash]string{
				debian.HashSHA256: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				debian.HashMD5:    "11111111111111111111111111111111",
			},
		}
	}
	return rel
}

func mirrored(plan *mirror.IndexPlan) []string {
	var paths []string
	for _, a := range plan.Mirror {
		paths = append(paths, a.Path)
	}
	return paths
}

func TestPlannerIndexes(t *testing.T) {
	t.Parallel()
	repo := testRepo(t, "http://archive.ubuntu.com/ubuntu", "noble")
	p := mirror.NewPlanner(repo)

	plan := p.Indexes(releaseOf(t,
		"main/binary-amd64/Packages",
		"main/binary-amd64/Packages.gz",
		"main/binary-amd64/Packages.xz",
		"main/binary-amd64/Release",
		"main/binary-all/Packages.xz",
		"main/binary-arm64/Packages.xz", // not a configured arch
		"main/i18n/Translation-en.bz2",
		"main/source/Sources.gz", // sources not enabled
		"universe/binary-amd64/Packages.xz", // not a configured component
		"main/Contents-amd64.gz",
		"Contents-amd64.gz",
		"Contents-arm64.gz",
	))

	assert.ElementsMatch(t, []string{
		"dists/noble/main/binary-amd64/Packages",
		"dists/noble/main/binary-amd64/Packages.gz",
		"dists/noble/main/binary-amd64/Packages.xz",
		"dists/noble/main/binary-amd64/Release",
		"dists/noble/main/binary-all/Packages.xz",
		"dists/noble/main/i18n/Translation-en.bz2",
		"dists/noble/main/Contents-amd64.gz",
		"dists/noble/Contents-amd64.gz",
	}, mirrored(plan))

	// Only the preferred compression of each logical Packages index is
	// parsed: xz beats gz beats plain.
	var parsed []string
	for _, a := range plan.ParsePackages {
		parsed = append(parsed, a.Path)
	}
	assert.ElementsMatch(t, []string{
		"dists/noble/main/binary-amd64/Packages.xz",
		"dists/noble/main/binary-all/Packages.xz",
	}, parsed)
	assert.Empty(t, plan.ParseSources)
}

func TestPlannerIndexes_Sources(t *testing.T) {
	t.Parallel()
	repo := testRepo(t, "http://archive.ubuntu.com/ubuntu", "noble")
	repo.Sources = true
	p := mirror.NewPlanner(repo)

	plan := p.Indexes(releaseOf(t,
		"main/source/Sources.gz",
		"main/source/Sources.xz",
		"main/source/Release",
		"main/Contents-source.gz",
	))

	require.Len(t, plan.ParseSources, 1)
	assert.Equal(t, "dists/noble/main/source/Sources.xz", plan.ParseSources[0].Path)
	assert.Len(t, plan.Mirror, 4)
}

func TestPlannerIndexes_Flat(t *testing.T) {
	t.Parallel()
	u, err := url.Parse("http://pkg.example.com/apt")
	require.NoError(t, err)
	repo := &config.Repository{URL: u, Suite: "stable/", Binaries: true, Architectures: []string{"amd64"}}
	p := mirror.NewPlanner(repo)

	plan := p.Indexes(releaseOf(t, "Packages.gz", "Contents-amd64.gz"))
	assert.ElementsMatch(t, []string{"stable/Packages.gz", "stable/Contents-amd64.gz"}, mirrored(plan))
	require.Len(t, plan.ParsePackages, 1)
	assert.Equal(t, "stable/Packages.gz", plan.ParsePackages[0].Path)
}

func TestPlannerIndexes_ByHash(t *testing.T) {
	t.Parallel()
	repo := testRepo(t, "http://archive.ubuntu.com/ubuntu", "noble")
	rel := releaseOf(t, "main/binary-amd64/Packages.xz")
	rel.Fields["Acquire-By-Hash"] = "yes"

	plan := mirror.NewPlanner(repo).Indexes(rel)
	require.Len(t, plan.Mirror, 1)
	assert.Equal(t,
		"dists/noble/main/binary-amd64/by-hash/SHA256/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		plan.Mirror[0].ByHashPath)
}

func TestArtifactCarriesStrongestDigest(t *testing.T) {
	t.Parallel()
	repo := testRepo(t, "http://archive.ubuntu.com/ubuntu", "noble")
	a := mirror.NewPlanner(repo).ArchiveArtifact("pool/main/f/foo/foo_1_amd64.deb", 2048, map[debian.Hash]string{
		debian.HashMD5:    "11111111111111111111111111111111",
		debian.HashSHA256: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	})

	// Weaker digests are dropped: a tampered MD5 alongside an intact
	// SHA256 must not fail the artifact.
	assert.Equal(t, map[debian.Hash]string{
		debian.HashSHA256: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	}, a.Digests)

	assert.Equal(t, "http://archive.ubuntu.com/ubuntu/pool/main/f/foo/foo_1_amd64.deb", a.URL())
	assert.Equal(t, "archive.ubuntu.com/ubuntu/pool/main/f/foo/foo_1_amd64.deb", a.LocalPath())
}

func TestArtifactSetDeduplicates(t *testing.T) {
	t.Parallel()
	set := mirror.NewArtifactSet()

	a := mirror.NewPlanner(testRepo(t, "http://archive.ubuntu.com/ubuntu", "noble")).
		ArchiveArtifact("pool/main/s/shared/shared_1_amd64.deb", 100, nil)
	b := mirror.NewPlanner(testRepo(t, "http://archive.ubuntu.com/ubuntu", "noble-updates")).
		ArchiveArtifact("pool/main/s/shared/shared_1_amd64.deb", 100, nil)

	assert.True(t, set.Add(a))
	assert.False(t, set.Add(b), "same host and path must be scheduled once")
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, int64(100), set.TotalSize())
}
