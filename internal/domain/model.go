package domain

import (
	"fmt"
	"strings"
	"time"
)

// Core domain models used internally. API types are generated from OpenAPI and
// sit in internal/api; keep these decoupled where helpful.

type Repository struct {
	Name      string
	LocalPath string
}

// ValidateRepositoryName reports whether name can identify a repository
// directory directly under the repository root.
func ValidateRepositoryName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidRepositoryName
	case strings.HasPrefix(name, "."):
		return ErrInvalidRepositoryName
	case strings.ContainsAny(name, "/\\\x00"):
		return ErrInvalidRepositoryName
	}
	return nil
}

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// ScanJob is one admitted scan attempt for a repository.
type ScanJob struct {
	ID             string
	RepositoryName string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         JobStatus
	Err            error // set iff Status is JobFailed
	Attempts       int
	Findings       int
}

func (j ScanJob) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

type RepositoryState string

const (
	StateIdle     RepositoryState = "idle"
	StateScanning RepositoryState = "scanning"
)

// RepositoryStatus is a point-in-time view of one repository's scan state.
type RepositoryStatus struct {
	Name    string
	State   RepositoryState
	Running *ScanJob // job holding the exclusion token, as admitted
	LastJob *ScanJob // latest terminal job, nil before the first one finishes
}

type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Finding struct {
	RuleID   string    `json:"rule_id"`
	FilePath string    `json:"file_path"`
	Lines    LineRange `json:"lines"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
}

// FindingsDocument is the parsed output of one successful scan. Stores treat
// it as immutable: a new scan replaces the whole document.
type FindingsDocument struct {
	RepositoryName string    `json:"repository"`
	GeneratedAt    time.Time `json:"generated_at"`
	Findings       []Finding `json:"results"`
}

// Validate rejects documents whose findings lack a rule or a file path.
func (d FindingsDocument) Validate() error {
	for i, f := range d.Findings {
		if f.RuleID == "" || f.FilePath == "" {
			return fmt.Errorf("%w: finding %d has no rule_id or file_path", ErrMalformedDocument, i)
		}
	}
	return nil
}
