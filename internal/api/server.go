package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"taskorch/internal/domain"
	"taskorch/internal/usecase"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type createReq struct {
	WorkContext string           `json:"work_context"`
	Prompt      string           `json:"prompt"`
	Priority    *domain.Priority `json:"priority"`
	Tags        []string         `json:"tags"`
	MaxRetries  *int             `json:"max_retries"`
	Timeout     string           `json:"timeout"` // Go duration, e.g. "90s"
	Mode        string           `json:"mode"`    // standard | process | custom:<name>
}

type acquireReq struct {
	WorkerID   string              `json:"worker_id"`
	Statuses   []domain.TaskStatus `json:"statuses"`
	Priorities []domain.Priority   `json:"priorities"`
	Tags       []string            `json:"tags"`
	IDPrefix   string              `json:"id_prefix"`
}

type holderReq struct {
	WorkerID string `json:"worker_id"`
}

type completeReq struct {
	WorkerID string              `json:"worker_id"`
	Status   domain.ResultStatus `json:"status"`
	Output   string              `json:"output"`
	Metadata map[string]string   `json:"metadata"`
}

type errorBody struct {
	Code    domain.ErrorCode `json:"code"`
	TaskID  string           `json:"task_id,omitempty"`
	Message string           `json:"message"`
}

type Server struct {
	svc    *usecase.Service
	log    zerolog.Logger
	router *chi.Mux
}

func NewServer(svc *usecase.Service, log zerolog.Logger) *Server {
	s := &Server{svc: svc, log: log, router: chi.NewRouter()}

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.router.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.create)
		r.Get("/", s.list)
		r.Post("/acquire", s.acquire)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.get)
			r.Delete("/", s.delete)
			r.Post("/execute", s.execute)
			r.Post("/complete", s.complete)
			r.Post("/cancel", s.cancel)
			r.Post("/heartbeat", s.heartbeat)
		})
	})
	s.router.Get("/stats", s.stats)
	return s
}

// Handler is the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		requestIDHandler,
		realIPHandler,
		loggerHandler(s.log, func(r *http.Request) bool { return r.URL.Path == "/healthz" }),
		recoverHandler,
	)
}

// Run serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	httpServer := http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // execute blocks for the task's timeout
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Msgf("server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("server is shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.log.Info().Msg("server stopped")
	return nil
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if !decode(w, r, &req) {
		return
	}
	cmd := usecase.CreateCommand{
		WorkContext: req.WorkContext,
		Prompt:      req.Prompt,
		Priority:    req.Priority,
		Tags:        req.Tags,
		MaxRetries:  req.MaxRetries,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, r, domain.Wrap(domain.CodeValidation, "", err, "invalid timeout"))
			return
		}
		cmd.Timeout = &d
	}
	if req.Mode != "" {
		m, err := domain.ParseExecutionMode(req.Mode)
		if err != nil {
			writeError(w, r, domain.Wrap(domain.CodeValidation, "", err, "invalid mode"))
			return
		}
		cmd.Mode = m
	}

	t, err := s.svc.Create(r.Context(), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	seq, err := s.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := []domain.Task{}
	for t := range seq {
		out = append(out, t)
	}
	writeJSON(w, http.StatusOK, out)
}

// parseFilter reads repeatable or comma-separated status, priority and tag
// parameters plus worker_id, id_prefix and limit.
func parseFilter(r *http.Request) (domain.Filter, error) {
	q := r.URL.Query()
	var f domain.Filter
	for _, s := range splitParam(q["status"]) {
		st := domain.TaskStatus(s)
		if !st.Valid() {
			return f, domain.NewError(domain.CodeValidation, "", "unknown status "+s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, s := range splitParam(q["priority"]) {
		p, err := domain.ParsePriority(s)
		if err != nil {
			return f, domain.Wrap(domain.CodeValidation, "", err, "invalid priority")
		}
		f.Priorities = append(f.Priorities, p)
	}
	f.Tags = splitParam(q["tag"])
	f.WorkerID = q.Get("worker_id")
	f.IDPrefix = q.Get("id_prefix")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, domain.NewError(domain.CodeValidation, "", "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func splitParam(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request) {
	var req acquireReq
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.Acquire(r.Context(), req.WorkerID, domain.Filter{
		Statuses:   req.Statuses,
		Priorities: req.Priorities,
		Tags:       req.Tags,
		IDPrefix:   req.IDPrefix,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req holderReq
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Execute(r.Context(), chi.URLParam(r, "id"), req.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	var req completeReq
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.Complete(r.Context(), chi.URLParam(r, "id"), req.WorkerID, domain.TaskResult{
		Status:   req.Status,
		Output:   req.Output,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req holderReq
	if !decode(w, r, &req) {
		return
	}
	tk, err := s.svc.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":     tk.TaskID,
		"holder_id":   tk.HolderID,
		"acquired_at": tk.AcquiredAt,
		"expires_at":  tk.ExpiresAt(),
	})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Statistics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, domain.Wrap(domain.CodeValidation, "", err, "invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var statusByCode = map[domain.ErrorCode]int{
	domain.CodeValidation:      http.StatusBadRequest,
	domain.CodeNotFound:        http.StatusNotFound,
	domain.CodeDuplicateID:     http.StatusConflict,
	domain.CodeConflict:        http.StatusConflict,
	domain.CodeAlreadyAcquired: http.StatusConflict,
	domain.CodeAuthorization:   http.StatusForbidden,
	domain.CodeTimeout:         http.StatusGatewayTimeout,
	domain.CodeExecution:       http.StatusUnprocessableEntity,
	domain.CodeNoTaskAvailable: http.StatusNoContent,
	domain.CodeInternal:        http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	if status >= http.StatusInternalServerError {
		handlerLogger(r).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Code: code, TaskID: domain.TaskIDOf(err), Message: err.Error()})
}
