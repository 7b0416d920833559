package ports

import (
	"context"

	"repowatch/internal/domain"
)

// JobEvents receives terminal scan jobs for reporting.
type JobEvents interface {
	Publish(ctx context.Context, job domain.ScanJob)
}
