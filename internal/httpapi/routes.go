package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nightowl/internal/executor"
	"nightowl/internal/notifier"
	"nightowl/internal/project"
	rtsup "nightowl/internal/runtime/supervisor"
	"nightowl/internal/scheduler"
	"nightowl/internal/task"
	logx "nightowl/pkg/logx"
)

const bodyLimit = 64 << 10

// Scheduler is the slice of the scheduler the API drives.
type Scheduler interface {
	Submit(ctx context.Context, description string, priority task.Priority, projectName string) (task.Task, error)
	Cancel(ctx context.Context, taskID int64) (task.Task, error)
	CancelProject(ctx context.Context, name string, keepWorkspace bool) (scheduler.ProjectCancel, error)
	Get(ctx context.Context, taskID int64) (task.Task, error)
	List(ctx context.Context, f task.Filter) ([]task.Task, error)
	Projects(ctx context.Context, includeTrashed bool) ([]project.Project, error)
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
	Report(ctx context.Context) (scheduler.Report, error)
}

// Deps are the sources behind the routes. Optional funcs may be nil.
type Deps struct {
	Scheduler Scheduler
	Health    func() error
	Loops     func() []rtsup.LoopStats
	Notifier  func() notifier.Stats
	Runs      func() []executor.HistoryItem
	Log       logx.Logger
}

type status struct {
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Loops     []rtsup.LoopStats  `json:"loops,omitempty"`
	Notifier  *notifier.Stats    `json:"notifier,omitempty"`
}

type submitRequest struct {
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Project     string `json:"project"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler builds the router for cfg. /healthz is never behind the token.
func (s *Server) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer, s.requestLog)

	r.Get("/healthz", s.health)
	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		r.Get("/status", s.status)
		r.Get("/report", s.report)
		r.Get("/runs", s.runs)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.submit)
			r.Get("/{id}", s.getTask)
			r.Post("/{id}/cancel", s.cancelTask)
		})
		r.Get("/projects", s.listProjects)
		r.Post("/projects/{name}/cancel", s.cancelProject)

		if cfg.Pprof {
			r.Mount("/debug", chimw.Profiler())
		}
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", chimw.GetReqID(r.Context())),
		)
	})
}

// bearer accepts "Authorization: Bearer <token>" or ?token=.
func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if ah := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if s.d.Health != nil {
		if err := s.d.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap, err := s.d.Scheduler.Snapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := status{Scheduler: snap}
	if s.d.Loops != nil {
		out.Loops = s.d.Loops()
	}
	if s.d.Notifier != nil {
		st := s.d.Notifier()
		out.Notifier = &st
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	rep, err := s.d.Scheduler.Report(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) runs(w http.ResponseWriter, _ *http.Request) {
	items := []executor.HistoryItem{}
	if s.d.Runs != nil {
		items = append(items, s.d.Runs()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f task.Filter
	if raw := q.Get("status"); raw != "" {
		st, err := task.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	if raw := q.Get("project"); raw != "" {
		f.ProjectID = project.Slugify(raw)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	items, err := s.d.Scheduler.List(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if items == nil {
		items = []task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prio := task.PrioritySerious
	if req.Priority != "" {
		p, err := task.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		prio = p
	}
	t, err := s.d.Scheduler.Submit(r.Context(), req.Description, prio, req.Project)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.d.Scheduler.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.d.Scheduler.Cancel(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	trashed, _ := strconv.ParseBool(r.URL.Query().Get("trashed"))
	items, err := s.d.Scheduler.Projects(r.Context(), trashed)
	if err != nil {
		s.fail(w, err)
		return
	}
	if items == nil {
		items = []project.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) cancelProject(w http.ResponseWriter, r *http.Request) {
	keep, _ := strconv.ParseBool(r.URL.Query().Get("keep"))
	res, err := s.d.Scheduler.CancelProject(r.Context(), chi.URLParam(r, "name"), keep)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(chi.URLParam(r, "id"), "#"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

// fail maps domain errors to status codes. Unknown errors are logged and
// hidden behind a generic 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var ve *task.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, project.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound), errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, project.ErrProjectTrashed), errors.Is(err, task.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNotRecovered):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("http handler failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
