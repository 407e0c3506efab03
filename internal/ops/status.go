package ops

import (
	"context"
	"time"

	"github.com/sempervigil/sempervigil/internal/types"
)

// StatusReport is the `sv status` aggregate: queue depth, source
// health, content volume, and the most recent sync and build outcomes.
type StatusReport struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Queue       *types.QueueStats `json:"queue"`
	Sources     SourceSummary     `json:"sources"`
	Content     ContentSummary    `json:"content"`
	LastCveSync *JobDigest        `json:"last_cve_sync,omitempty"`
	LastBuild   *JobDigest        `json:"last_build,omitempty"`
	Routes      map[string]string `json:"llm_routes,omitempty"`
}

// SourceSummary counts sources by operational state. A source is
// "erroring" when its most recent health record failed.
type SourceSummary struct {
	Total    int `json:"total"`
	Enabled  int `json:"enabled"`
	Paused   int `json:"paused"`
	Erroring int `json:"erroring"`
}

// ContentSummary counts the three content tables.
type ContentSummary struct {
	Articles int64 `json:"articles"`
	CVEs     int64 `json:"cves"`
	Events   int64 `json:"events"`
}

// JobDigest is the slice of a job row the dashboard shows.
type JobDigest struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func digest(jobs []*types.Job) *JobDigest {
	if len(jobs) == 0 {
		return nil
	}
	j := jobs[0]
	return &JobDigest{ID: j.ID, Status: string(j.Status), FinishedAt: j.FinishedAt, Error: j.Error}
}

// Status assembles the dashboard snapshot.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{GeneratedAt: time.Now().UTC()}

	stats, err := s.store.QueueStats(ctx)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	report.Queue = stats

	sources, err := s.store.ListSources(ctx, true)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	now := report.GeneratedAt
	report.Sources.Total = len(sources)
	for _, src := range sources {
		if src.Enabled {
			report.Sources.Enabled++
		}
		if src.IsPaused(now) {
			report.Sources.Paused++
		}
		recent, err := s.store.RecentSourceHealth(ctx, src.ID, 1)
		if err != nil {
			return nil, types.Tag(types.KindInternal, err)
		}
		if len(recent) > 0 && !recent[0].OK {
			report.Sources.Erroring++
		}
	}

	articles, cves, events, err := s.store.ContentCounts(ctx)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	report.Content = ContentSummary{Articles: articles, CVEs: cves, Events: events}

	sync, err := s.store.ListJobs(ctx, types.JobFilter{JobType: types.JobTypeCveSync, Limit: 1})
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	report.LastCveSync = digest(sync)

	build, err := s.store.ListJobs(ctx, types.JobFilter{JobType: types.JobTypeBuildSite, Limit: 1})
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	report.LastBuild = digest(build)

	routes, err := s.store.ListStageRoutes(ctx)
	if err != nil {
		return nil, types.Tag(types.KindInternal, err)
	}
	if len(routes) > 0 {
		report.Routes = routes
	}
	return report, nil
}
