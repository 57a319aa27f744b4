// Package api is the HTTP and websocket transport a host integration uses
// to drive the jail registry and follow its events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crystal-mush/gojails/pkg/events"
	"github.com/crystal-mush/gojails/pkg/jail"
	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// Version is reported by /health.
const Version = "0.4.0"

// Config holds configuration for the API server.
type Config struct {
	Listen      string
	CORSOrigins []string
	RateLimit   int // request budget per minute per operator or address, 0 = unlimited
	JWTSecret   string
	JWTExpiry   time.Duration
	Operators   map[string]string // operator -> bcrypt hash, for password login
	TLS         TLSConfig
}

// Server serves the REST API, the event websocket, /health and /metrics.
type Server struct {
	reg       *jail.Registry
	bus       *events.Bus
	auth      *AuthService
	operators *operatorStore
	tls       TLSConfig
	rl        *rateLimiter
	mux       *http.ServeMux
	handler   http.Handler
	httpSrv   *http.Server
	upgrader  websocket.Upgrader
	startTime time.Time
	stop      chan struct{}
}

// New creates an API server over reg. The websocket stream subscribes on
// bus; metrics may be nil.
func New(cfg Config, reg *jail.Registry, bus *events.Bus, metrics http.Handler) *Server {
	s := &Server{
		reg:       reg,
		bus:       bus,
		auth:      NewAuthService(cfg.JWTSecret, cfg.JWTExpiry),
		operators: newOperatorStore(cfg.Operators),
		tls:       cfg.TLS,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		stop:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.CORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range cfg.CORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
	if cfg.RateLimit > 0 {
		s.rl = newRateLimiter(cfg.RateLimit)
	}

	s.registerRoutes(metrics)

	// Rate limits are per route, applied in registerRoutes.
	handler := corsMiddleware(cfg.CORSOrigins, s.mux)
	s.handler = handler
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Auth returns the auth service, for issuing tokens.
func (s *Server) Auth() *AuthService { return s.auth }

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) registerRoutes(metrics http.Handler) {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}

	s.mux.Handle("POST /api/v1/auth/login", rateLimit(s.rl, loginCost, http.HandlerFunc(s.handleLogin)))
	s.mux.Handle("POST /api/v1/auth/refresh", rateLimit(s.rl, 0, http.HandlerFunc(s.handleAuthRefresh)))
	s.mux.Handle("GET /ws", authMiddleware(s.auth, rateLimit(s.rl, 0, http.HandlerFunc(s.handleWebSocket))))

	s.registerRESTRoutes()
}

// Start listens until Stop. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	// Housekeeping: rate limiter buckets and closed websocket subscribers
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if s.rl != nil {
					s.rl.cleanup()
				}
				s.bus.Cleanup()
			}
		}
	}()

	var err error
	if s.tls.Enabled {
		tlsCfg, terr := setupTLS(s.tls)
		if terr != nil {
			return terr
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Printf("api: listening on %s (TLS)", s.httpSrv.Addr)
		err = s.httpSrv.ListenAndServeTLS("", "")
	} else {
		log.Printf("api: listening on %s", s.httpSrv.Addr)
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.reg.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"cells":          st.Cells,
		"confinements":   st.Confinements,
		"retrying":       st.Scheduler.Retrying,
	})
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	newToken, err := s.auth.RefreshToken(token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": newToken})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the registry's error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jaildb.ErrUnknownCell), errors.Is(err, jaildb.ErrNotConfined):
		return http.StatusNotFound
	case errors.Is(err, jaildb.ErrCellInUse), errors.Is(err, jaildb.ErrIndefiniteSentence):
		return http.StatusConflict
	case errors.Is(err, jaildb.ErrInvalidSentence), errors.Is(err, jaildb.ErrInvalidCellName):
		return http.StatusBadRequest
	case errors.Is(err, jaildb.ErrNotifyFailed):
		return http.StatusBadGateway
	case errors.Is(err, jaildb.ErrStorageUnavailable), errors.Is(err, jail.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Printf("api: WARNING: %v", err)
	}
	writeJSONError(w, status, err.Error())
}
