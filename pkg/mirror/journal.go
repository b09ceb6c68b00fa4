package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Journal is the optional per-run state file under var/. It is written for
// operators and post-hooks; re-runs reconstruct their state from the
// filesystem, never from here.
type Journal struct {
	Started  time.Time      `yaml:"started"`
	Finished time.Time      `yaml:"finished,omitempty"`
	Stages   []StageRecord  `yaml:"stages,omitempty"`
	Failed   []RepoFailure  `yaml:"failed_repositories,omitempty"`
	Cleaned  []CleanSummary `yaml:"cleaned,omitempty"`

	path string
}

type StageRecord struct {
	Stage     string `yaml:"stage"`
	Artifacts int    `yaml:"artifacts"`
	Failures  int    `yaml:"failures,omitempty"`
}

type RepoFailure struct {
	Repository string `yaml:"repository"`
	Stage      string `yaml:"stage"`
	Error      string `yaml:"error"`
}

type CleanSummary struct {
	Mode  string `yaml:"mode"`
	Files int    `yaml:"files"`
	Bytes int64  `yaml:"bytes"`
}

// NewJournal starts a journal named after the run timestamp.
func NewJournal(varPath string, started time.Time) *Journal {
	return &Journal{
		Started: started,
		path:    filepath.Join(varPath, started.UTC().Format("20060102-150405")+".state"),
	}
}

// Write persists the journal; failures are logged by the caller, they never
// fail the run.
func (j *Journal) Write() error {
	j.Finished = time.Now()

	data, err := yaml.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding journal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("creating var directory: %w", err)
	}
	if err := os.WriteFile(j.path, data, 0o644); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	return nil
}
