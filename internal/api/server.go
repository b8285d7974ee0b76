package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/umeshrajanna/deepship-api/internal/cache"
	"github.com/umeshrajanna/deepship-api/internal/config"
	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/llm"
	"github.com/umeshrajanna/deepship-api/internal/metrics"
	"github.com/umeshrajanna/deepship-api/internal/quota"
	"github.com/umeshrajanna/deepship-api/internal/registry"
	"github.com/umeshrajanna/deepship-api/internal/relay"
	"github.com/umeshrajanna/deepship-api/internal/store"
)

type Dispatcher interface {
	Prepare(ctx context.Context, req jobs.Request) (*jobs.Turn, error)
	Dispatch(ctx context.Context, req jobs.Request) (*jobs.Dispatched, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store      store.Store
	Dispatcher Dispatcher
	Canceller  jobs.Canceller
	History    cache.HistoryCache
	Registry   *registry.Registry
	LLM        llm.Provider
	Channel    events.Channel
	Quota      quota.Limiter
	Config     config.Config
	Log        zerolog.Logger
}

type Server struct {
	store      store.Store
	dispatcher Dispatcher
	canceller  jobs.Canceller
	history    cache.HistoryCache
	registry   *registry.Registry
	llm        llm.Provider
	channel    events.Channel
	quota      quota.Limiter
	cfg        config.Config
	log        zerolog.Logger
	upgrader   websocket.Upgrader

	background sync.WaitGroup
	newID      func() string
	now        func() time.Time
}

func NewServer(deps Deps) *Server {
	if deps.History == nil {
		deps.History = cache.NoopHistory{}
	}
	s := &Server{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		canceller:  deps.Canceller,
		history:    deps.History,
		registry:   deps.Registry,
		llm:        deps.LLM,
		channel:    deps.Channel,
		quota:      deps.Quota,
		cfg:        deps.Config,
		log:        deps.Log.With().Str("component", "api").Logger(),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Post("/chat/send/stream", s.sendStream)
	r.Post("/jobs", s.createJob)
	r.Get("/jobs/{id}", s.getJob)
	r.Post("/jobs/{id}/cancel", s.cancelJob)
	r.Post("/conversations", s.createConversation)
	r.Get("/conversations", s.listConversations)
	r.Get("/conversations/{id}/messages", s.listMessages)
	r.Delete("/conversations/{id}", s.deleteConversation)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// Streaming and upgraded routes must see the raw ResponseWriter so flushing
// and hijacking keep working.
func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if strings.HasSuffix(cleanPath, "/stream") || cleanPath == "/ws" {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready" || cleanPath == "/metrics") {
		return true
	}
	if method == http.MethodOptions {
		return true
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	probe := func(name string, p Pinger) {
		if p == nil {
			subsystems[name] = subsystemStatus{Status: "skipped"}
			return
		}
		if err := p.Ping(ctx); err != nil {
			subsystems[name] = subsystemStatus{Status: "error", Error: err.Error()}
			overall = http.StatusServiceUnavailable
			return
		}
		subsystems[name] = subsystemStatus{Status: "ok"}
	}
	probe("store", s.store)
	if pinger, ok := s.channel.(Pinger); ok {
		probe("job_channel", pinger)
	} else {
		probe("job_channel", nil)
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func (s *Server) allowedOrigin(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowedOrigin(origin)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(s.cfg.AllowedOrigins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && s.allowedOrigin(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) relayDeps() relay.Deps {
	return relay.Deps{
		Store:        s.store,
		History:      s.history,
		Canceller:    s.canceller,
		Channel:      s.channel,
		Timeout:      s.cfg.JobTimeout,
		WriteTimeout: s.cfg.WSSendTimeout,
		Log:          s.log,
	}
}

// Start serves until ctx is cancelled, then stops accepting requests and
// waits for background relay sessions to finish.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("api listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	if err := s.Drain(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("background relays still running at shutdown")
	}
	return shutdownErr
}

// Drain waits for background relay sessions started by POST /jobs.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
