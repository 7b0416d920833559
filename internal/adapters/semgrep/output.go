package semgrep

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"repowatch/internal/domain"
)

type position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

type result struct {
	CheckID string   `json:"check_id"`
	Path    string   `json:"path"`
	Start   position `json:"start"`
	End     position `json:"end"`
	Extra   struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	} `json:"extra"`
}

type output struct {
	Results *[]result         `json:"results"`
	Errors  []json.RawMessage `json:"errors"`
}

// parseOutput decodes the tool's JSON report. A document without a top-level
// results array is rejected. The second return value is the number of
// non-fatal errors the tool reported alongside its results.
func parseOutput(data []byte, root string) ([]domain.Finding, int, error) {
	var out output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, 0, &domain.ParseError{Err: err}
	}
	if out.Results == nil {
		return nil, 0, &domain.ParseError{Err: fmt.Errorf("missing top-level results array")}
	}
	findings := make([]domain.Finding, 0, len(*out.Results))
	for _, r := range *out.Results {
		end := r.End.Line
		if end < r.Start.Line {
			end = r.Start.Line
		}
		findings = append(findings, domain.Finding{
			RuleID:   r.CheckID,
			FilePath: relativePath(root, r.Path),
			Lines:    domain.LineRange{Start: r.Start.Line, End: end},
			Severity: strings.ToLower(r.Extra.Severity),
			Message:  r.Extra.Message,
		})
	}
	return findings, len(out.Errors), nil
}

func relativePath(root, path string) string {
	if root == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}
