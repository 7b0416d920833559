package httpadapter

import (
	"context"
	"errors"

	"go.uber.org/zap"

	api "repowatch/internal/api"
	"repowatch/internal/domain"
)

const noResultsDetail = "No scan results found for this repo."

// (GET /healthz)
func (s *Server) GetHealthz(_ context.Context, _ api.GetHealthzRequestObject) (api.GetHealthzResponseObject, error) {
	return api.GetHealthz200JSONResponse{Status: "ok"}, nil
}

// (GET /repos)
func (s *Server) ListRepos(ctx context.Context, _ api.ListReposRequestObject) (api.ListReposResponseObject, error) {
	names, err := s.results.ListRepositories(ctx)
	if err != nil {
		zap.S().Named("api_server").Errorw("failed to list scanned repositories", "error", err)
		return api.ListRepos500JSONResponse{Detail: "failed to list repositories"}, nil
	}
	return api.ListRepos200JSONResponse{Repos: names}, nil
}

// (GET /results/{repoName})
func (s *Server) GetResults(ctx context.Context, req api.GetResultsRequestObject) (api.GetResultsResponseObject, error) {
	doc, err := s.results.Latest(ctx, req.RepoName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return api.GetResults404JSONResponse{Detail: noResultsDetail}, nil
		}
		zap.S().Named("api_server").Errorw("failed to read scan results", "repository", req.RepoName, "error", err)
		return api.GetResults500JSONResponse{Detail: "failed to read scan results"}, nil
	}
	return api.GetResults200JSONResponse{Results: findingsToAPI(doc.Findings)}, nil
}

// (GET /status)
func (s *Server) GetStatus(_ context.Context, _ api.GetStatusRequestObject) (api.GetStatusResponseObject, error) {
	snapshot := s.status.Status()
	out := make([]api.RepositoryStatus, 0, len(snapshot))
	for _, st := range snapshot {
		out = append(out, statusToAPI(st))
	}
	return api.GetStatus200JSONResponse{Repositories: out}, nil
}

func findingsToAPI(in []domain.Finding) []api.Finding {
	out := make([]api.Finding, 0, len(in))
	for _, f := range in {
		out = append(out, api.Finding{
			RuleId:   f.RuleID,
			FilePath: f.FilePath,
			Lines:    api.LineRange{Start: f.Lines.Start, End: f.Lines.End},
			Severity: f.Severity,
			Message:  f.Message,
		})
	}
	return out
}

func statusToAPI(st domain.RepositoryStatus) api.RepositoryStatus {
	out := api.RepositoryStatus{Name: st.Name, State: api.RepositoryStatusState(st.State)}
	if st.LastJob != nil {
		job := jobToAPI(*st.LastJob)
		out.LastJob = &job
	}
	return out
}

func jobToAPI(j domain.ScanJob) api.ScanJob {
	out := api.ScanJob{
		Id:         j.ID,
		Status:     api.ScanJobStatus(j.Status),
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Attempts:   j.Attempts,
		Findings:   j.Findings,
	}
	if j.Err != nil {
		msg := j.Err.Error()
		out.Error = &msg
	}
	return out
}
