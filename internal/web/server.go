package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/agentflow/internal/db"
	"github.com/lucasnoah/agentflow/internal/logging"
	"github.com/lucasnoah/agentflow/internal/orchestrator"
	"github.com/lucasnoah/agentflow/internal/pipeline"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + status
	},
	"relTime": relTime,
}

// StatusSource reports entity summaries. *orchestrator.Orchestrator
// satisfies it.
type StatusSource interface {
	Status(ctx context.Context, entity int) (*orchestrator.StatusInfo, error)
	StatusAll(ctx context.Context) ([]orchestrator.StatusInfo, error)
}

// Server is the read-only web UI server.
type Server struct {
	status  StatusSource
	journal *db.DB
	addr    string
	logger  *slog.Logger

	dashboardTmpl *template.Template
	entityTmpl    *template.Template
}

// NewServer creates a Server with parsed templates. journal may be nil, in
// which case event listings are empty.
func NewServer(status StatusSource, journal *db.DB, addr string, logger *slog.Logger) *Server {
	return &Server{
		status:        status,
		journal:       journal,
		addr:          addr,
		logger:        logging.OrDiscard(logger),
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
		entityTmpl:    mustParseTmpl("base.html", "entity.html"),
	}
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.handleDashboard(w, r)
		case strings.HasPrefix(r.URL.Path, "/entity/"):
			s.handleEntity(w, r, strings.Trim(strings.TrimPrefix(r.URL.Path, "/entity/"), "/"))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/api/entities", s.handleAPIEntities)
	mux.HandleFunc("/api/entities/", s.routeAPIEntity)
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) routeAPIEntity(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/entities/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		s.handleAPIEntity(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		s.handleAPIEvents(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func parseEntity(w http.ResponseWriter, raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, fmt.Sprintf("invalid entity %q", raw), http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// statusError maps a lookup failure to a response.
func statusError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
