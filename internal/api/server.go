// Package api exposes the queue to producers over HTTP.
//
// Routes (all JSON):
//
//	GET    /healthz
//	POST   /jobs                        enqueue a job
//	GET    /jobs?limit=N                newest jobs first
//	GET    /jobs/{id}
//	GET    /jobs/{id}/messages?status=
//	POST   /jobs/{id}/pause|resume|stop
//	DELETE /jobs/{id}                   terminal jobs only
//	POST   /uploads/contacts            multipart "file", returns parsed numbers
//	POST   /uploads/attachment          multipart "file", stored in the upload dir
//
// When an API key is configured every route except /healthz requires the
// X-API-KEY header.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"bulksender/internal/queue"
	logx "bulksender/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderRequestID = "X-Request-ID"

	DefaultMaxUploadBytes = 16 << 20
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 30 * time.Second

	previewLimit = 100
)

type Config struct {
	Addr           string
	APIKey         string
	UploadDir      string
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		c.UploadDir = "uploads"
	}
	return c
}

type Server struct {
	cfg Config
	q   *queue.Queue
	log logx.Logger
	now func() time.Time

	mu   sync.Mutex
	addr string
}

func New(cfg Config, q *queue.Queue, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), q: q, log: log, now: time.Now}
}

// Handler returns the routed handler. It is safe to mount in tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, s.recoverer)

	r.Get("/healthz", s.healthz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Get("/messages", s.jobMessages)
				r.Post("/pause", s.admin(s.q.PauseJob))
				r.Post("/resume", s.admin(s.q.ResumeJob))
				r.Post("/stop", s.admin(s.q.StopJob))
			})
		})

		r.Route("/uploads", func(r chi.Router) {
			r.Post("/contacts", s.uploadContacts)
			r.Post("/attachment", s.uploadAttachment)
		})
	})
	return r
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("api listening", logx.String("addr", ln.Addr().String()), logx.Bool("api_key_set", s.cfg.APIKey != ""))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once serving, else "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ---- middleware ----

type ctxKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("api handler panicked",
					logx.String("request_id", requestIDFrom(r.Context())),
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	key := strings.TrimSpace(s.cfg.APIKey)
	if key == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(HeaderAPIKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.q.Jobs(r.Context(), 1); err != nil {
		s.log.Warn("health check failed", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
