package incidents

import (
	"context"
	"sort"
	"time"

	"sentinelops/internal/access"
	"sentinelops/internal/auth"
)

type StatusCount struct {
	Status Status `json:"status"`
	Count  int64  `json:"count"`
}

type SeverityCount struct {
	Severity Severity `json:"severity"`
	Count    int64    `json:"count"`
}

type MonthCount struct {
	Year  int   `json:"year"`
	Month int   `json:"month"`
	Count int64 `json:"count"`
}

type DashboardStats struct {
	TotalIncidents  int64           `json:"totalIncidents"`
	RecentIncidents int64           `json:"recentIncidents"`
	StatusCounts    []StatusCount   `json:"statusCounts"`
	SeverityCounts  []SeverityCount `json:"severityCounts"`
	MonthlyTrend    []MonthCount    `json:"monthlyTrend"`
}

// DashboardStats recomputes the admin dashboard figures from the store.
func (s *Service) DashboardStats(ctx context.Context, caller auth.Caller) (*DashboardStats, error) {
	if err := s.authorize(caller, access.ActStats, "", "only admins can access dashboard statistics"); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := &DashboardStats{
		StatusCounts:   []StatusCount{},
		SeverityCounts: []SeverityCount{},
	}

	var err error
	if out.TotalIncidents, err = s.store.CountAll(ctx); err != nil {
		return nil, err
	}
	if out.RecentIncidents, err = s.store.CountSince(ctx, now.AddDate(0, 0, -s.opts.RecentWindowDays)); err != nil {
		return nil, err
	}

	byStatus, err := s.store.GroupCountBy(ctx, "status")
	if err != nil {
		return nil, err
	}
	for _, g := range byStatus {
		out.StatusCounts = append(out.StatusCounts, StatusCount{Status: Status(g.Key), Count: g.Count})
	}
	bySeverity, err := s.store.GroupCountBy(ctx, "severity")
	if err != nil {
		return nil, err
	}
	for _, g := range bySeverity {
		out.SeverityCounts = append(out.SeverityCounts, SeverityCount{Severity: Severity(g.Key), Count: g.Count})
	}

	since := now.AddDate(0, -s.opts.TrendMonths, 0)
	created, err := s.store.CreatedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	out.MonthlyTrend = monthlyTrend(created, since, now, s.opts.TrendZeroFill)
	return out, nil
}

type yearMonth struct {
	year  int
	month time.Month
}

// monthlyTrend buckets timestamps by calendar month in ascending order. With
// zeroFill every month from since through now is present.
func monthlyTrend(created []time.Time, since, now time.Time, zeroFill bool) []MonthCount {
	counts := make(map[yearMonth]int64)
	for _, ts := range created {
		ts = ts.UTC()
		counts[yearMonth{ts.Year(), ts.Month()}]++
	}
	if zeroFill {
		cur := time.Date(since.Year(), since.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		for !cur.After(end) {
			key := yearMonth{cur.Year(), cur.Month()}
			if _, ok := counts[key]; !ok {
				counts[key] = 0
			}
			cur = cur.AddDate(0, 1, 0)
		}
	}
	res := make([]MonthCount, 0, len(counts))
	for k, n := range counts {
		res = append(res, MonthCount{Year: k.year, Month: int(k.month), Count: n})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Year != res[j].Year {
			return res[i].Year < res[j].Year
		}
		return res[i].Month < res[j].Month
	})
	return res
}
