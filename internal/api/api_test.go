package api

import (
	"bytes"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// objectKeys returns the top-level keys of a JSON object in encoded order.
func objectKeys(t *testing.T, data []byte) []string {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	require.NoError(t, err)
	require.Equal(t, json.Delim('{'), tok)

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		require.NoError(t, err)
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		require.NoError(t, dec.Decode(&skip))
	}
	return keys
}

func TestModelFieldsFollowSchemaOrder(t *testing.T) {
	msg := "tool exited"
	finished := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	job := ScanJob{
		Attempts: 1, Error: &msg, Findings: 3, FinishedAt: &finished,
		Id: "job-1", StartedAt: finished.Add(-time.Minute), Status: Failed,
	}

	for name, model := range map[string]any{
		"Error":            Error{Detail: "x"},
		"Finding":          Finding{RuleId: "r", FilePath: "a.go"},
		"LineRange":        LineRange{Start: 1, End: 2},
		"RepositoryStatus": RepositoryStatus{LastJob: &job, Name: "alpha", State: Idle},
		"ScanJob":          job,
	} {
		data, err := json.Marshal(model)
		require.NoError(t, err, name)
		keys := objectKeys(t, data)
		assert.True(t, sort.StringsAreSorted(keys), "%s: %v", name, keys)
	}
}
