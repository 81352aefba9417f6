package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	rtsup "cronpulse/internal/runtime/supervisor"
	"cronpulse/internal/scheduler"
	logx "cronpulse/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxHistoryLimit = 1000

// Handler builds the router. Every route except /healthz requires the token when one is set.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(withAuth(cur.Token))
		if s.deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
		}
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/triggers", s.handleTriggers)
		r.Get("/v1/checkpoints", s.handleCheckpoints)
		r.Get("/v1/checkpoints/{jobID}", s.handleCheckpoint)
		r.Get("/v1/history", s.handleHistory)

		if cur.Pprof {
			r.HandleFunc("/debug/pprof/", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
			r.HandleFunc("/debug/pprof/{profile}", hpprof.Index)
		}
	})
	return r
}

type statusResponse struct {
	Scheduler  *scheduler.Status `json:"scheduler,omitempty"`
	Goroutines []rtsup.Stats     `json:"goroutines,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if s.deps.Scheduler != nil {
		st := s.deps.Scheduler.Status()
		resp.Scheduler = &st
	}
	if s.deps.Goroutines != nil {
		resp.Goroutines = s.deps.Goroutines()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": s.deps.Scheduler.Triggers()})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store not available")
		return
	}
	all, err := s.deps.Checkpoints.LoadAll(r.Context())
	if err != nil {
		s.log.Warn("checkpoint list failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": all})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store not available")
		return
	}
	id := chi.URLParam(r, "jobID")
	rec, err := s.deps.Checkpoints.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.IsZero() {
		writeError(w, http.StatusNotFound, "no checkpoint for job "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "checkpoint": rec})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	q := r.URL.Query()
	limit := 100
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.deps.History.Items(strings.TrimSpace(q.Get("job")), limit)})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if tokenEqual(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
