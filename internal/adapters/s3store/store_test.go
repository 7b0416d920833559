package s3store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repowatch/internal/adapters/s3store"
	"repowatch/internal/domain"
)

func TestStoreAgainstMinio(t *testing.T) {
	endpoint := os.Getenv("REPOWATCH_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("REPOWATCH_TEST_S3_ENDPOINT not set")
	}
	ctx := context.Background()
	s, err := s3store.New(ctx,
		s3store.WithEndpoint(endpoint),
		s3store.WithBucket("repowatch-test"),
		s3store.WithAccessKey(os.Getenv("REPOWATCH_TEST_S3_ACCESS_KEY")),
		s3store.WithSecretKey(os.Getenv("REPOWATCH_TEST_S3_SECRET_KEY")),
		s3store.WithPrefix(uuid.NewString()+"/"),
	)
	require.NoError(t, err)

	_, err = s.Get(ctx, "alpha")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	doc := domain.FindingsDocument{
		RepositoryName: "alpha",
		GeneratedAt:    time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Findings: []domain.Finding{
			{RuleID: "r1", FilePath: "a.go", Lines: domain.LineRange{Start: 4, End: 9}, Severity: "warning", Message: "m"},
		},
	}
	require.NoError(t, s.Put(ctx, "alpha", doc))

	out, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, doc.Findings, out.Findings)

	names, err := s.ListScanned(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, names)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := s3store.New(context.Background(), s3store.WithEndpoint("localhost:9000"))
	var storageErr *domain.StorageError
	assert.ErrorAs(t, err, &storageErr)
}
