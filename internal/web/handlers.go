package web

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/lucasnoah/agentflow/internal/db"
	"github.com/lucasnoah/agentflow/internal/orchestrator"
)

const recentLimit = 25

func relTime(ts string) string {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	var t time.Time
	for _, f := range formats {
		if parsed, err := time.Parse(f, ts); err == nil {
			t = parsed
			break
		}
	}
	if t.IsZero() {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func (s *Server) execTemplate(w http.ResponseWriter, tmpl *template.Template, data any) {
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// DashboardData is the view model of the entity list page.
type DashboardData struct {
	Title    string
	Entities []orchestrator.StatusInfo
	Active   int
	Recent   []db.PipelineEvent
}

// EntityData is the view model of the entity detail page.
type EntityData struct {
	Title    string
	Info     *orchestrator.StatusInfo
	Events   []db.PipelineEvent
	Outcomes map[string]int
}

func (s *Server) recentActivity(r *http.Request) []db.PipelineEvent {
	if s.journal == nil {
		return nil
	}
	events, err := s.journal.RecentEvents(r.Context(), recentLimit)
	if err != nil {
		s.logger.Warn("load recent events", "error", err)
		return nil
	}
	return events
}

func (s *Server) entityEvents(r *http.Request, entity int) ([]db.PipelineEvent, map[string]int) {
	if s.journal == nil {
		return nil, nil
	}
	events, err := s.journal.GetPipelineHistory(r.Context(), entity)
	if err != nil {
		s.logger.Warn("load entity events", "entity", entity, "error", err)
		return nil, nil
	}
	outcomes, err := s.journal.CountByOutcome(r.Context(), entity)
	if err != nil {
		s.logger.Warn("count entity outcomes", "entity", entity, "error", err)
	}
	return events, outcomes
}

// ---- Dashboard ----

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	infos, err := s.status.StatusAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := DashboardData{Title: "Entities", Entities: infos, Recent: s.recentActivity(r)}
	for _, info := range infos {
		if info.Status == "active" {
			data.Active++
		}
	}
	s.execTemplate(w, s.dashboardTmpl, data)
}

// ---- Entity detail ----

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request, raw string) {
	entity, ok := parseEntity(w, raw)
	if !ok {
		return
	}
	info, err := s.status.Status(r.Context(), entity)
	if err != nil {
		statusError(w, err)
		return
	}
	events, outcomes := s.entityEvents(r, entity)
	s.execTemplate(w, s.entityTmpl, EntityData{
		Title:    fmt.Sprintf("#%d", entity),
		Info:     info,
		Events:   events,
		Outcomes: outcomes,
	})
}

// ---- JSON API ----

func (s *Server) handleAPIEntities(w http.ResponseWriter, r *http.Request) {
	infos, err := s.status.StatusAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []orchestrator.StatusInfo{}
	}
	writeJSON(w, infos)
}

func (s *Server) handleAPIEntity(w http.ResponseWriter, r *http.Request, raw string) {
	entity, ok := parseEntity(w, raw)
	if !ok {
		return
	}
	info, err := s.status.Status(r.Context(), entity)
	if err != nil {
		statusError(w, err)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request, raw string) {
	entity, ok := parseEntity(w, raw)
	if !ok {
		return
	}
	events, _ := s.entityEvents(r, entity)
	if events == nil {
		events = []db.PipelineEvent{}
	}
	writeJSON(w, events)
}
