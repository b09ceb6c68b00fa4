package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/radawson/apt-mirror/pkg/config"
	"github.com/radawson/apt-mirror/pkg/debian"
	"github.com/radawson/apt-mirror/pkg/fetch"
	"github.com/radawson/apt-mirror/pkg/signature"
	"golang.org/x/sync/errgroup"
)

// State is the orchestrator's run-lifecycle position.
type State int

const (
	StateInit State = iota
	StateLocked
	StateConfigLoaded
	StateMetaStage
	StateIndexStage
	StateArchiveStage
	StateCleanup
	StatePostHook
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLocked:
		return "locked"
	case StateConfigLoaded:
		return "config-loaded"
	case StateMetaStage:
		return "meta-stage"
	case StateIndexStage:
		return "index-stage"
	case StateArchiveStage:
		return "archive-stage"
	case StateCleanup:
		return "cleanup"
	case StatePostHook:
		return "post-hook"
	case StateDone:
		return "done"
	default:
		return "failed"
	}
}

// RepoError scopes a failure to one repository; other repositories
// continue.
type RepoError struct {
	Repo  string
	Stage Stage
	Err   error
}

func (e *RepoError) Error() string {
	return fmt.Sprintf("%s: %s stage: %v", e.Repo, e.Stage, e.Err)
}

func (e *RepoError) Unwrap() error { return e.Err }

// Runner drives one mirror run through its stages.
type Runner struct {
	cfg    *config.Config
	layout Layout
	dl     *fetch.Downloader

	// VerifierFor builds the signature verifier for a repository; tests
	// install fakes here. Only consulted when verify_gpg is on.
	VerifierFor func(repo *config.Repository) (signature.Verifier, error)

	wanted   *WantedSet
	archives *ArtifactSet
	journal  *Journal
	state    State
}

// NewRunner wires a runner from the loaded configuration.
func NewRunner(cfg *config.Config) (*Runner, error) {
	client, err := fetch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:      cfg,
		layout:   NewLayout(cfg),
		dl:       fetch.NewDownloader(cfg, client),
		wanted:   NewWantedSet(),
		archives: NewArtifactSet(),
	}
	r.VerifierFor = func(repo *config.Repository) (signature.Verifier, error) {
		keyring := repo.Keyring
		if keyring == "" {
			keyring = cfg.GPGKeyring
		}
		if keyring == "" {
			return nil, fmt.Errorf("verify_gpg is on but no keyring is configured for %s", repo)
		}
		return signature.NewOpenPGPVerifier(keyring)
	}
	return r, nil
}

// Run executes the full lifecycle: lock, stages, cleanup, post hook. The
// returned error aggregates every repository failure.
func Run(ctx context.Context, cfg *config.Config) error {
	r, err := NewRunner(cfg)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

func (r *Runner) Run(ctx context.Context) error {
	r.setState(StateInit)
	for _, dir := range []string{r.layout.Mirror, r.layout.Skel, r.layout.Var} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	lock, err := AcquireLock(r.layout.LockPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("releasing lock", slog.String("error", err.Error()))
		}
	}()
	r.setState(StateLocked)

	r.journal = NewJournal(r.layout.Var, time.Now())
	r.setState(StateConfigLoaded)

	runErr := r.stages(ctx)
	if runErr != nil {
		r.setState(StateFailed)
	} else {
		r.setState(StateDone)
	}

	r.setStateKeepFailure(StatePostHook, runErr)
	r.postHook(ctx, runErr)

	if err := r.journal.Write(); err != nil {
		slog.Warn("writing run journal", slog.String("error", err.Error()))
	}
	return runErr
}

// stages runs MetaStage through Cleanup, accumulating per-repository
// failures.
func (r *Runner) stages(ctx context.Context) error {
	repos := make([]*repoRun, len(r.cfg.Repositories))
	for i, repo := range r.cfg.Repositories {
		repos[i] = &repoRun{repo: repo, planner: NewPlanner(repo)}
	}

	r.setState(StateMetaStage)
	r.parallelRepos(ctx, repos, func(ctx context.Context, rr *repoRun) {
		if err := r.fetchRelease(ctx, rr); err != nil {
			rr.fail(StageRelease, err)
		}
	})

	r.journal.Stages = append(r.journal.Stages, StageRecord{
		Stage:     StageRelease.String(),
		Artifacts: len(repos),
		Failures:  countFailed(repos),
	})

	r.setState(StateIndexStage)
	r.parallelRepos(ctx, repos, func(ctx context.Context, rr *repoRun) {
		if rr.err != nil {
			return
		}
		if err := r.fetchIndexes(ctx, rr); err != nil {
			rr.fail(StageIndex, err)
		}
	})
	r.journal.Stages = append(r.journal.Stages, StageRecord{
		Stage:     StageIndex.String(),
		Artifacts: len(repos),
		Failures:  countFailed(repos),
	})

	r.setState(StateArchiveStage)
	r.fetchArchives(ctx, repos)

	r.setState(StateCleanup)
	if err := r.cleanup(repos); err != nil {
		return err
	}

	var result *multierror.Error
	for _, rr := range repos {
		if rr.err != nil {
			result = multierror.Append(result, rr.err)
			r.journal.Failed = append(r.journal.Failed, RepoFailure{
				Repository: rr.repo.String(),
				Stage:      rr.failedStage.String(),
				Error:      rr.err.Error(),
			})
		}
	}
	return result.ErrorOrNil()
}

// repoRun is one repository's per-run state.
type repoRun struct {
	repo    *config.Repository
	planner *Planner

	release *debian.Release
	// promote collects freshly downloaded metadata awaiting the end-of-stage
	// rename into the live tree.
	promote []*Artifact

	err         error
	failedStage Stage
}

func (rr *repoRun) fail(stage Stage, err error) {
	rr.failedStage = stage
	rr.err = &RepoError{Repo: rr.repo.String(), Stage: stage, Err: err}
	slog.Error("repository failed",
		slog.String("repo", rr.repo.String()),
		slog.String("stage", stage.String()),
		slog.String("error", err.Error()),
	)
}

func (r *Runner) parallelRepos(ctx context.Context, repos []*repoRun, f func(context.Context, *repoRun)) {
	var g errgroup.Group
	g.SetLimit(r.cfg.NThreads)
	for _, rr := range repos {
		rr := rr
		g.Go(func() error {
			f(ctx, rr)
			return nil
		})
	}
	_ = g.Wait()
}

// fetchRelease acquires and verifies a repository's Release family. Every
// file the upstream publishes is mirrored; verification prefers the
// clear-signed InRelease and falls back to Release plus its detached
// signature.
func (r *Runner) fetchRelease(ctx context.Context, rr *repoRun) error {
	inBody, inErr := r.fetchReleaseFile(ctx, rr, rr.planner.ReleaseArtifact(InReleaseName))
	if inErr != nil && !errors.Is(inErr, fetch.ErrNotFound) {
		return inErr
	}
	relBody, relErr := r.fetchReleaseFile(ctx, rr, rr.planner.ReleaseArtifact(ReleaseName))
	if relErr != nil && !errors.Is(relErr, fetch.ErrNotFound) {
		return relErr
	}
	sig, sigErr := r.fetchReleaseFile(ctx, rr, rr.planner.ReleaseArtifact(ReleaseGPGName))
	if sigErr != nil && !errors.Is(sigErr, fetch.ErrNotFound) {
		return sigErr
	}

	var body []byte
	switch {
	case inErr == nil:
		body = inBody
		if r.cfg.VerifyGPG {
			verifier, err := r.VerifierFor(rr.repo)
			if err != nil {
				return err
			}
			if _, err := verifier.VerifyClearsigned(body); err != nil {
				return err
			}
		}

	case relErr == nil:
		body = relBody
		if r.cfg.VerifyGPG {
			if sigErr != nil {
				return &signature.VerifyError{Err: fmt.Errorf("no InRelease or Release.gpg published: %w", sigErr)}
			}
			verifier, err := r.VerifierFor(rr.repo)
			if err != nil {
				return err
			}
			if err := verifier.VerifyDetached(body, sig); err != nil {
				return err
			}
		}

	default:
		// Neither InRelease nor Release exists.
		return relErr
	}

	rel, err := debian.ParseRelease(body)
	if err != nil {
		return err
	}
	rr.release = rel
	return nil
}

// fetchReleaseFile downloads one top-level release file into skel/ and
// returns its bytes. These are the only conditional (If-Modified-Since)
// fetches: nothing stronger than an mtime is known yet.
func (r *Runner) fetchReleaseFile(ctx context.Context, rr *repoRun, a *Artifact) ([]byte, error) {
	mirrorPath := r.layout.MirrorPath(a)
	status, err := r.dl.Fetch(ctx, &fetch.Request{
		URL:      a.URL(),
		Dest:     r.layout.SkelPath(a),
		Size:     -1,
		Existing: mirrorPath,
	})
	if err != nil {
		return nil, err
	}

	r.wanted.Add(a)
	source := mirrorPath
	if status == fetch.StatusDownloaded {
		source = r.layout.SkelPath(a)
		rr.promote = append(rr.promote, a)
	}
	body, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", source, err)
	}
	return body, nil
}

// fetchIndexes downloads every index the Release lists for the configured
// components and architectures, parses the package and source lists, and
// promotes the repository's metadata.
func (r *Runner) fetchIndexes(ctx context.Context, rr *repoRun) error {
	plan := rr.planner.Indexes(rr.release)

	reqs := make([]*fetch.Request, len(plan.Mirror))
	for i, a := range plan.Mirror {
		reqs[i] = &fetch.Request{
			URL:      a.URL(),
			Dest:     r.layout.SkelPath(a),
			Size:     a.Size,
			Digests:  a.Digests,
			Existing: r.layout.MirrorPath(a),
		}
	}

	progress := fetch.NewProgress("index", len(reqs), sizeOf(plan.Mirror))
	results := r.dl.Do(ctx, reqs, progress)
	progress.Finish()

	status := map[*Artifact]fetch.Status{}
	for i, res := range results {
		if res.Err != nil {
			return res.Err
		}
		status[plan.Mirror[i]] = res.Status
		r.wanted.Add(plan.Mirror[i])
	}

	for _, a := range plan.ParsePackages {
		if err := r.parseIndex(a, status[a], r.addPackage(rr)); err != nil {
			return err
		}
	}
	for _, a := range plan.ParseSources {
		if err := r.parseSourceIndex(a, status[a], rr); err != nil {
			return err
		}
	}

	for _, a := range plan.Mirror {
		if status[a] == fetch.StatusDownloaded {
			rr.promote = append(rr.promote, a)
		}
	}
	if err := r.promoteMetadata(rr.promote); err != nil {
		return err
	}
	// Only this repository's dist tree: repositories sharing a host stage
	// under the same prefix.
	r.cleanSkel(path.Join(config.Sanitize(rr.repo.URL), rr.repo.DistPath()))
	return nil
}

// parseIndex decompresses a fetched index in a streaming pass and feeds
// each stanza to the consumer.
func (r *Runner) parseIndex(a *Artifact, status fetch.Status, consume func(debian.BinaryPackage) error) error {
	return r.withIndexReader(a, status, func(in *os.File) error {
		decompressed, err := debian.CompressionForPath(a.Path).NewReader(in)
		if err != nil {
			return err
		}
		return debian.ScanPackages(decompressed, consume)
	})
}

func (r *Runner) parseSourceIndex(a *Artifact, status fetch.Status, rr *repoRun) error {
	return r.withIndexReader(a, status, func(in *os.File) error {
		decompressed, err := debian.CompressionForPath(a.Path).NewReader(in)
		if err != nil {
			return err
		}
		return debian.ScanSources(decompressed, func(src debian.SourcePackage) error {
			for _, f := range src.Files {
				r.addArchive(rr, f.Path, f.Size, f.Digests)
			}
			return nil
		})
	})
}

func (r *Runner) withIndexReader(a *Artifact, status fetch.Status, f func(*os.File) error) error {
	// Freshly downloaded indices are still staged; up-to-date ones are live.
	p := r.layout.SkelPath(a)
	if status != fetch.StatusDownloaded {
		p = r.layout.MirrorPath(a)
	}
	in, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("opening index %s: %w", p, err)
	}
	defer in.Close()

	if err := f(in); err != nil {
		return fmt.Errorf("parsing index %s: %w", a.LocalPath(), err)
	}
	return nil
}

func (r *Runner) addPackage(rr *repoRun) func(debian.BinaryPackage) error {
	return func(pkg debian.BinaryPackage) error {
		r.addArchive(rr, pkg.Filename, pkg.Size, pkg.Digests)
		return nil
	}
}

func (r *Runner) addArchive(rr *repoRun, relPath string, size int64, digests map[debian.Hash]string) {
	if !r.cfg.VerifyChecksums {
		digests = nil
	}
	a := rr.planner.ArchiveArtifact(path.Clean(relPath), size, digests)
	r.wanted.Add(a)
	r.archives.Add(a)
}

// fetchArchives drains the global, deduplicated archive queue. Failures
// are scoped back to the owning repository.
func (r *Runner) fetchArchives(ctx context.Context, repos []*repoRun) {
	artifacts := r.archives.Artifacts()
	if len(artifacts) == 0 {
		return
	}

	byKey := map[string]*repoRun{}
	for _, rr := range repos {
		byKey[rr.repo.Key()] = rr
	}

	reqs := make([]*fetch.Request, len(artifacts))
	for i, a := range artifacts {
		mirrorPath := r.layout.MirrorPath(a)
		reqs[i] = &fetch.Request{
			URL:      a.URL(),
			Dest:     mirrorPath,
			Size:     a.Size,
			Digests:  a.Digests,
			Existing: mirrorPath,
		}
	}

	slog.Info("archive stage",
		slog.Int("artifacts", len(artifacts)),
		slog.String("bytes", humanBytes(r.archives.TotalSize())),
	)
	progress := fetch.NewProgress("archive", len(reqs), r.archives.TotalSize())
	results := r.dl.Do(ctx, reqs, progress)
	progress.Finish()

	failures := 0
	for i, res := range results {
		if res.Err == nil {
			continue
		}
		failures++
		if rr := byKey[artifacts[i].Repo.Key()]; rr != nil && rr.err == nil {
			rr.fail(StageArchive, res.Err)
		}
	}
	r.journal.Stages = append(r.journal.Stages, StageRecord{
		Stage:     StageArchive.String(),
		Artifacts: len(artifacts),
		Failures:  failures,
	})
}

// cleanup runs the reference-tracking GC for prefixes untouched by any
// failure.
func (r *Runner) cleanup(repos []*repoRun) error {
	if r.cfg.Clean == config.CleanOff || len(r.cfg.CleanPrefixes) == 0 {
		return nil
	}

	cleanCfg := *r.cfg
	cleanCfg.CleanPrefixes = nil
	for _, prefix := range r.cfg.CleanPrefixes {
		if failed := failedReposUnder(repos, prefix); len(failed) > 0 {
			slog.Warn("skipping cleanup for prefix touched by failures",
				slog.String("prefix", prefix),
				slog.String("repositories", strings.Join(failed, ", ")),
			)
			continue
		}
		cleanCfg.CleanPrefixes = append(cleanCfg.CleanPrefixes, prefix)
	}
	if len(cleanCfg.CleanPrefixes) == 0 {
		return nil
	}

	plan, err := PlanClean(&cleanCfg, r.layout.Mirror, r.wanted.Union())
	if err != nil {
		return err
	}
	slog.Info("cleanup plan",
		slog.Int("files", len(plan.Delete)),
		slog.String("bytes", humanBytes(plan.TotalSize)),
	)

	if r.cfg.Clean == config.CleanOn || r.cfg.Clean == config.CleanBoth {
		if err := plan.WriteScript(r.cfg.CleanScript); err != nil {
			return err
		}
	}
	if r.cfg.Clean == config.CleanAuto || r.cfg.Clean == config.CleanBoth {
		if err := plan.Execute(); err != nil {
			return err
		}
	}
	r.journal.Cleaned = append(r.journal.Cleaned, CleanSummary{
		Mode:  string(r.cfg.Clean),
		Files: len(plan.Delete),
		Bytes: plan.TotalSize,
	})
	return nil
}

func countFailed(repos []*repoRun) int {
	var n int
	for _, rr := range repos {
		if rr.err != nil {
			n++
		}
	}
	return n
}

// failedReposUnder names failed repositories whose tree overlaps a clean
// prefix.
func failedReposUnder(repos []*repoRun, prefix string) []string {
	var failed []string
	for _, rr := range repos {
		if rr.err == nil {
			continue
		}
		repoPrefix := config.Sanitize(rr.repo.URL)
		if strings.HasPrefix(repoPrefix+"/", prefix+"/") || strings.HasPrefix(prefix+"/", repoPrefix+"/") {
			failed = append(failed, rr.repo.String())
		}
	}
	return failed
}

func (r *Runner) setState(s State) {
	r.state = s
	slog.Debug("run state", slog.String("state", s.String()))
}

// setStateKeepFailure advances to s unless the run already failed.
func (r *Runner) setStateKeepFailure(s State, runErr error) {
	if runErr == nil {
		r.setState(s)
	}
}

func sizeOf(artifacts []*Artifact) int64 {
	var total int64
	for _, a := range artifacts {
		if a.Size > 0 {
			total += a.Size
		}
	}
	return total
}
