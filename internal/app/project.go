package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"planloom/api/internal/bus"
	"planloom/api/internal/rbac"
	"planloom/api/internal/search"
	"planloom/api/internal/store"
	"planloom/api/internal/util"
)

type CreateProjectInput struct {
	Title      string          `json:"title"`
	Goal       string          `json:"goal"`
	TargetDate string          `json:"targetDate"`
	Tasks      json.RawMessage `json:"tasks"`
	ChartData  json.RawMessage `json:"chartData"`
}

type UpdateProjectInput struct {
	Title           *string         `json:"title"`
	Goal            *string         `json:"goal"`
	TargetDate      *string         `json:"targetDate"`
	Tasks           json.RawMessage `json:"tasks"`
	ChartData       json.RawMessage `json:"chartData"`
	ExpectedVersion *int64          `json:"expectedVersion"`
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errValidation("title is required")
	}

	targetDate, err := parseTargetDate(input.TargetDate)
	if err != nil {
		return nil, err
	}
	tasks, err := normalizeTasksJSON(input.Tasks)
	if err != nil {
		return nil, err
	}
	chartData, err := normalizeChartJSON(input.ChartData)
	if err != nil {
		return nil, err
	}

	project := store.Project{
		ID:         util.NewID("prj"),
		Title:      title,
		Goal:       strings.TrimSpace(input.Goal),
		TargetDate: targetDate,
		Tasks:      tasks,
		ChartData:  chartData,
		CreatedBy:  session.UserID,
		Version:    1,
	}

	member, err := s.store.CreateProjectWithOwner(ctx, project, util.NewID("mem"))
	if err != nil {
		if errors.Is(err, store.ErrConstraint) {
			return nil, domainError(http.StatusConflict, "CONSTRAINT_VIOLATION", "Project could not be created", nil)
		}
		return nil, err
	}

	created, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("load created project: %w", err)
	}

	s.publishProject(created, bus.OpInsert)
	s.indexProject(created)

	payload := projectPayload(created)
	payload["role"] = member.Role
	return payload, nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		items = append(items, projectPayload(project))
	}
	return items, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	member, err := s.requireMember(ctx, projectID, session.UserID, rbac.OpReadProject)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, err
	}
	payload := projectPayload(project)
	payload["role"] = member.Role
	return payload, nil
}

// UpdateProject applies a partial update under optimistic concurrency
// control. A stale expectedVersion yields VERSION_CONFLICT carrying the
// current version, so the client can reload and retry.
func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, input UpdateProjectInput) (map[string]any, error) {
	if _, err := s.requireMember(ctx, projectID, session.UserID, rbac.OpWriteProject); err != nil {
		return nil, err
	}

	patch := store.ProjectPatch{}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, errValidation("title cannot be empty")
		}
		patch.Title = &title
	}
	if input.Goal != nil {
		goal := strings.TrimSpace(*input.Goal)
		patch.Goal = &goal
	}
	if input.TargetDate != nil {
		parsed, err := parseTargetDate(*input.TargetDate)
		if err != nil {
			return nil, err
		}
		if parsed == nil {
			return nil, errValidation("targetDate must be YYYY-MM-DD")
		}
		patch.TargetDate = parsed
	}
	if input.Tasks != nil {
		tasks, err := normalizeTasksJSON(input.Tasks)
		if err != nil {
			return nil, err
		}
		patch.Tasks = tasks
	}
	if input.ChartData != nil {
		chart, err := normalizeChartJSON(input.ChartData)
		if err != nil {
			return nil, err
		}
		patch.ChartData = chart
	}
	if patch.Empty() {
		return nil, errValidation("no fields to update")
	}

	project, err := s.store.UpdateProject(ctx, projectID, patch, input.ExpectedVersion, session.UserID)
	if errors.Is(err, store.ErrVersionConflict) {
		details := map[string]any{}
		if current, readErr := s.store.GetProject(ctx, projectID); readErr == nil {
			details["currentVersion"] = current.Version
		}
		return nil, domainError(http.StatusConflict, "VERSION_CONFLICT", "Project was modified by someone else", details)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, err
	}

	s.publishProject(project, bus.OpUpdate)
	s.indexProject(project)

	return projectPayload(project), nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if _, err := s.requireMember(ctx, projectID, session.UserID, rbac.OpDeleteProject); err != nil {
		return err
	}
	deleted, err := s.store.DeleteProject(ctx, projectID)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound()
	}

	s.bus.Publish(bus.Event{
		ProjectID: projectID,
		Entity:    bus.EntityProject,
		Op:        bus.OpDelete,
		Payload:   json.RawMessage(fmt.Sprintf(`{"id":%q}`, projectID)),
	})
	if s.indexer != nil {
		if err := s.indexer.DeleteProject(projectID); err != nil {
			log.Printf("search: delete project %s: %v", projectID, err)
		}
	}
	return nil
}

// SubscribeProject opens the per-project event stream for the SSE endpoint.
func (s *Service) SubscribeProject(ctx context.Context, session Session, projectID string) (<-chan bus.Event, func(), error) {
	if _, err := s.requireMember(ctx, projectID, session.UserID, rbac.OpReadProject); err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := s.bus.Subscribe(projectID)
	return ch, unsubscribe, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Service) publishProject(project store.Project, op bus.Op) {
	payload, err := json.Marshal(projectPayload(project))
	if err != nil {
		log.Printf("bus: marshal project %s: %v", project.ID, err)
		return
	}
	s.bus.Publish(bus.Event{
		ProjectID: project.ID,
		Entity:    bus.EntityProject,
		Op:        op,
		Payload:   payload,
	})
}

func (s *Service) indexProject(project store.Project) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexProject(search.ProjectRecord{
		ID:    project.ID,
		Title: project.Title,
		Goal:  project.Goal,
	}); err != nil {
		log.Printf("search: index project %s: %v", project.ID, err)
	}
}

func projectPayload(project store.Project) map[string]any {
	tasks := json.RawMessage(project.Tasks)
	if len(tasks) == 0 {
		tasks = json.RawMessage("[]")
	}
	payload := map[string]any{
		"id":        project.ID,
		"title":     project.Title,
		"goal":      project.Goal,
		"tasks":     tasks,
		"createdBy": project.CreatedBy,
		"version":   project.Version,
		"createdAt": project.CreatedAt.Format(time.RFC3339),
		"updatedAt": project.UpdatedAt.Format(time.RFC3339),
	}
	if project.TargetDate != nil {
		payload["targetDate"] = project.TargetDate.Format("2006-01-02")
	}
	if len(project.ChartData) > 0 {
		payload["chartData"] = json.RawMessage(project.ChartData)
	}
	if project.LastModifiedBy != nil {
		payload["lastModifiedBy"] = *project.LastModifiedBy
	}
	return payload
}

func parseTargetDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, errValidation("targetDate must be YYYY-MM-DD")
	}
	return &parsed, nil
}

// normalizeTasksJSON enforces the only shape the app guarantees: tasks is a
// JSON array. Task objects themselves stay opaque.
func normalizeTasksJSON(raw json.RawMessage) (json.RawMessage, error) {
	if raw == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("[]"), nil
	}
	if !json.Valid([]byte(trimmed)) || !strings.HasPrefix(trimmed, "[") {
		return nil, errValidation("tasks must be a JSON array")
	}
	return json.RawMessage(trimmed), nil
}

func normalizeChartJSON(raw json.RawMessage) (json.RawMessage, error) {
	if raw == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if !json.Valid([]byte(trimmed)) || !strings.HasPrefix(trimmed, "{") {
		return nil, errValidation("chartData must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}
