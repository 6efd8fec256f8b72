package api

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/csrf"
	"github.com/mailad/mailadmin/internal/accounts"
	"github.com/mailad/mailadmin/internal/antivirus"
	"github.com/mailad/mailadmin/internal/authcache"
	"github.com/mailad/mailadmin/internal/config"
	"github.com/mailad/mailadmin/internal/database"
	"github.com/mailad/mailadmin/internal/directory"
	"github.com/mailad/mailadmin/internal/postfix"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Server holds the API server dependencies
type Server struct {
	cfg *config.Config
	db  *database.DB

	dir       *directory.Client
	users     *accounts.UserRepo
	lists     *accounts.ListRepo
	aliases   *postfix.AliasRegistry
	blacklist *postfix.BlacklistRegistry
	transport *postfix.TransportRegistry
	host      *postfix.HostManager
	relay     *postfix.RelayManager
	queue     *postfix.QueueInspector
	av        *antivirus.Manager
	authCache *authcache.Cache

	globalLimiter *ipRateLimiter
	loginLimiter  *ipRateLimiter
}

// Deps carries the domain collaborators the server routes to. All fields are
// required except AuthCache, which falls back to a default instance.
type Deps struct {
	Directory *directory.Client
	Users     *accounts.UserRepo
	Lists     *accounts.ListRepo
	Aliases   *postfix.AliasRegistry
	Blacklist *postfix.BlacklistRegistry
	Transport *postfix.TransportRegistry
	Host      *postfix.HostManager
	Relay     *postfix.RelayManager
	Queue     *postfix.QueueInspector
	Antivirus *antivirus.Manager
	AuthCache *authcache.Cache
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, db *database.DB, deps Deps) *Server {
	cache := deps.AuthCache
	if cache == nil {
		cache = authcache.New()
	}
	s := &Server{
		cfg:       cfg,
		db:        db,
		dir:       deps.Directory,
		users:     deps.Users,
		lists:     deps.Lists,
		aliases:   deps.Aliases,
		blacklist: deps.Blacklist,
		transport: deps.Transport,
		host:      deps.Host,
		relay:     deps.Relay,
		queue:     deps.Queue,
		av:        deps.Antivirus,
		authCache: cache,

		// Global: 10 req/s burst 30, login: 1 req/s burst 5
		globalLimiter: newIPRateLimiter(10, 30),
		loginLimiter:  newIPRateLimiter(1, 5),
	}
	go func() {
		for {
			time.Sleep(time.Hour)
			s.globalLimiter.cleanup()
			s.loginLimiter.cleanup()
		}
	}()
	return s
}

// Router creates and configures the HTTP router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.rateLimitMiddleware)
	r.Use(s.securityHeadersMiddleware)

	// CORS - configure from environment in production
	allowedOrigins := s.getAllowedOrigins()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// CSRF Protection - derive key from AppSecret
	csrfKey := s.deriveCSRFKey()
	isSecure := os.Getenv("ENV") == "production"
	csrfMiddleware := csrf.Protect(
		csrfKey,
		csrf.Secure(isSecure),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteStrictMode),
		csrf.Path("/"),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Str("ip", r.RemoteAddr).
				Msg("CSRF token validation failed")
			http.Error(w, "CSRF token invalid or missing", http.StatusForbidden)
		})),
	)

	r.Use(s.csrfExemptMiddleware(csrfMiddleware))

	// Health endpoints (no auth)
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// CSRF token endpoint (no auth required, but CSRF protected)
		r.Get("/csrf-token", s.getCSRFToken)

		// Setup routes (no auth required, only work when no admin exists)
		r.Get("/setup/status", s.getSetupStatus)
		r.Post("/setup/complete", s.completeSetup)

		// Auth routes (no auth required)
		r.With(s.loginRateLimitMiddleware).Post("/auth/login", s.login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Auth
			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.me)
			r.Put("/auth/password", s.changePassword)

			// Status and dashboard
			r.Get("/status", s.getStatus)
			r.Get("/stats", s.requirePermission(PermViewStatus)(s.getStats))

			// Directory connectivity probe
			r.Post("/directory/test", s.adminOnly(s.testDirectory))

			// Mail accounts (directory users)
			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", s.requirePermission(PermViewAccounts)(s.listAccounts))
				r.Post("/", s.adminOnly(s.createAccount))
				r.Get("/{username}", s.requirePermission(PermViewAccounts)(s.getAccount))
				r.Put("/{username}", s.adminOnly(s.updateAccount))
				r.Delete("/{username}", s.adminOnly(s.deleteAccount))
			})

			// Mailing lists (directory groups)
			r.Route("/lists", func(r chi.Router) {
				r.Get("/", s.requirePermission(PermViewAccounts)(s.listMailingLists))
				r.Post("/", s.adminOnly(s.createMailingList))
				r.Get("/{name}", s.requirePermission(PermViewAccounts)(s.getMailingList))
				r.Delete("/{name}", s.adminOnly(s.deleteMailingList))
				r.Post("/{name}/members", s.adminOnly(s.addListMembers))
				r.Delete("/{name}/members", s.adminOnly(s.removeListMembers))
			})

			// Virtual aliases
			r.Route("/aliases", func(r chi.Router) {
				r.Get("/", s.requirePermission(PermViewMaps)(s.listAliases))
				r.Post("/", s.adminOnly(s.createAlias))
				r.Get("/{name}", s.requirePermission(PermViewMaps)(s.getAlias))
				r.Put("/{name}", s.adminOnly(s.updateAlias))
				r.Delete("/{name}", s.adminOnly(s.deleteAlias))
			})

			// Sender blacklist
			r.Route("/blacklist", func(r chi.Router) {
				r.Get("/", s.requirePermission(PermViewMaps)(s.listBlacklist))
				r.Post("/", s.adminOnly(s.createBlacklistEntry))
				r.Delete("/{email}", s.adminOnly(s.deleteBlacklistEntry))
			})

			// Transport maps (domain routing)
			r.Route("/transport", func(r chi.Router) {
				r.Get("/", s.requirePermission(PermViewMaps)(s.listTransportRules))
				r.Post("/", s.adminOnly(s.createTransportRule))
				r.Put("/{pattern}", s.adminOnly(s.updateTransportRule))
				r.Delete("/{pattern}", s.adminOnly(s.deleteTransportRule))
			})

			// Host identity
			r.Route("/host", func(r chi.Router) {
				r.Get("/", s.requirePermission(PermViewSystem)(s.getHostConfig))
				r.Put("/", s.adminOnly(s.updateHostConfig))
				r.Post("/test", s.requirePermission(PermViewSystem)(s.testHostConfig))
			})

			// Relay (smarthost) configuration
			r.Route("/relay", func(r chi.Router) {
				r.Get("/", s.requirePermission(PermViewSystem)(s.getRelayConfig))
				r.Put("/", s.adminOnly(s.updateRelayConfig))
				r.Post("/test", s.requirePermission(PermViewSystem)(s.testRelayConnection))
			})

			// Antivirus (freshclam)
			r.Route("/antivirus", func(r chi.Router) {
				r.Get("/config", s.requirePermission(PermViewSystem)(s.getAntivirusConfig))
				r.Put("/config", s.adminOnly(s.updateAntivirusConfig))
				r.Get("/status", s.requirePermission(PermViewSystem)(s.getAntivirusStatus))
				r.Post("/test", s.requirePermission(PermViewSystem)(s.testAntivirusConfig))
			})

			// Queue
			r.Route("/queue", func(r chi.Router) {
				r.Get("/", s.getQueueSummary)
				r.Get("/messages", s.getQueueMessages)
				r.Post("/flush", s.operatorOnly(s.flushQueue))
			})

			// Audit
			r.Get("/audit", s.requirePermission(PermViewAudit)(s.getAuditLog))

			// Console users (admin only)
			r.Route("/users", func(r chi.Router) {
				r.Use(s.adminOnlyMiddleware)
				r.Get("/", s.getUsers)
				r.Post("/", s.createUser)
				r.Get("/{id}", s.getUser)
				r.Put("/{id}", s.updateUser)
				r.Delete("/{id}", s.deleteUser)
				r.Post("/{id}/reset-password", s.resetPassword)
			})

			// Settings (admin only)
			r.Route("/settings", func(r chi.Router) {
				r.Use(s.adminOnlyMiddleware)
				r.Get("/system", s.getSystemSettings)
				r.Put("/system", s.updateSystemSettings)
			})
		})
	})

	// Serve static files (frontend) in production
	r.Handle("/*", http.FileServer(http.Dir("./static")))

	return r
}

// Logger middleware
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// Health check handlers
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Check database connection
	if err := s.db.Ping(); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// deriveCSRFKey derives a 32-byte CSRF key from the AppSecret
func (s *Server) deriveCSRFKey() []byte {
	hash := sha256.Sum256([]byte(s.cfg.AppSecret + "-csrf"))
	return hash[:]
}

// csrfExemptMiddleware wraps CSRF middleware and exempts certain paths
func (s *Server) csrfExemptMiddleware(csrfHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		csrfProtected := csrfHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Exempt health checks
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
				next.ServeHTTP(w, r)
				return
			}

			// Exempt static file requests
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			// Apply CSRF protection to all other requests
			csrfProtected.ServeHTTP(w, r)
		})
	}
}

// getAllowedOrigins returns CORS allowed origins from environment or defaults
func (s *Server) getAllowedOrigins() []string {
	origins := os.Getenv("CORS_ALLOWED_ORIGINS")
	if origins != "" {
		return strings.Split(origins, ",")
	}

	// Default to localhost for development
	if os.Getenv("ENV") != "production" {
		return []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// In production without CORS_ALLOWED_ORIGINS, log warning
	log.Warn().Msg("CORS_ALLOWED_ORIGINS not set in production - using restrictive default")
	return []string{}
}

// Rate limiter implementation
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newIPRateLimiter(r rate.Limit, b int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

func (l *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ip] = limiter
	}

	return limiter
}

// Cleanup old limiters periodically (called from a goroutine)
func (l *ipRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Simple cleanup: clear all limiters every hour
	// This prevents memory growth from many unique IPs
	l.limiters = make(map[string]*rate.Limiter)
}

// rateLimitMiddleware applies global rate limiting
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		// Extract IP without port if present
		if idx := strings.LastIndex(ip, ":"); idx != -1 {
			ip = ip[:idx]
		}

		limiter := s.globalLimiter.getLimiter(ip)
		if !limiter.Allow() {
			log.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Msg("Rate limit exceeded")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loginRateLimitMiddleware applies stricter rate limiting for auth endpoints
func (s *Server) loginRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if idx := strings.LastIndex(ip, ":"); idx != -1 {
			ip = ip[:idx]
		}

		limiter := s.loginLimiter.getLimiter(ip)
		if !limiter.Allow() {
			log.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Msg("Login rate limit exceeded")
			http.Error(w, "too many login attempts, please try again later", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds security headers to all responses
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// XSS protection (legacy, but still useful for older browsers)
		w.Header().Set("X-XSS-Protection", "1; mode=block")

		// Referrer policy
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Content Security Policy
		// Allow self for scripts/styles, inline for React, and connect to same origin for API
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; "+
				"script-src 'self' 'unsafe-inline' 'unsafe-eval'; "+
				"style-src 'self' 'unsafe-inline'; "+
				"img-src 'self' data: blob:; "+
				"font-src 'self' data:; "+
				"connect-src 'self'; "+
				"frame-ancestors 'none'; "+
				"form-action 'self'")

		// Permissions policy (previously Feature-Policy)
		w.Header().Set("Permissions-Policy",
			"accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()")

		// HSTS - only in production with HTTPS
		if os.Getenv("ENV") == "production" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// getCSRFToken returns the CSRF token for the current request
func (s *Server) getCSRFToken(w http.ResponseWriter, r *http.Request) {
	token := csrf.Token(r)
	w.Header().Set("X-CSRF-Token", token)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"csrfToken": token,
	})
}
