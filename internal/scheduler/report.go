package scheduler

import (
	"context"
	"sort"
	"time"

	"nightowl/internal/budget"
	"nightowl/internal/clock"
	"nightowl/internal/money"
	"nightowl/internal/task"
	"nightowl/internal/usage"
)

// ProjectLine is one project's share of a report.
type ProjectLine struct {
	ProjectID string      `json:"project_id"`
	Cost      money.Money `json:"cost_micros"`
	Tasks     task.Counts `json:"tasks"`
}

// Report summarizes the current accounting day.
type Report struct {
	Day      time.Time     `json:"day"`
	Finished task.Counts   `json:"finished"`
	Queue    task.Counts   `json:"queue"`
	Usage    usage.Summary `json:"usage"`
	Budget   budget.Status `json:"budget"`
	Projects []ProjectLine `json:"projects,omitempty"`
}

func (s *Scheduler) Report(ctx context.Context) (Report, error) {
	now := s.clock.Now()
	day := clock.DayStart(now)

	finished, err := s.tasks.FinishedSince(ctx, day)
	if err != nil {
		return Report{}, err
	}
	queue, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return Report{}, err
	}
	sum, err := s.usage.SummarizeSince(ctx, day)
	if err != nil {
		return Report{}, err
	}
	st, err := s.budget.Status(ctx, now)
	if err != nil {
		return Report{}, err
	}
	costs, err := s.usage.ByProjectSince(ctx, day)
	if err != nil {
		return Report{}, err
	}
	counts, err := s.tasks.ProjectCounts(ctx)
	if err != nil {
		return Report{}, err
	}

	ids := map[string]struct{}{}
	for id := range costs {
		if id != "" {
			ids[id] = struct{}{}
		}
	}
	for id := range counts {
		ids[id] = struct{}{}
	}
	lines := make([]ProjectLine, 0, len(ids))
	for id := range ids {
		lines = append(lines, ProjectLine{ProjectID: id, Cost: costs[id], Tasks: counts[id]})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Cost != lines[j].Cost {
			return lines[i].Cost > lines[j].Cost
		}
		return lines[i].ProjectID < lines[j].ProjectID
	})

	return Report{
		Day:      day,
		Finished: finished,
		Queue:    queue,
		Usage:    sum,
		Budget:   st,
		Projects: lines,
	}, nil
}
