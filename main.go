package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/shellgate/shellgate/internal/assistant"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/handlers"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/middleware"
	"github.com/shellgate/shellgate/internal/profiles"
	"github.com/shellgate/shellgate/internal/ratelimit"
	"github.com/shellgate/shellgate/internal/sshconn"
	"github.com/shellgate/shellgate/internal/vault"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	v := vault.New(config.Cfg.CredentialsKey)

	manager := sshconn.NewManager(config.Cfg.SSHDialTimeout)
	handlers.Manager = manager
	handlers.Profiles = profiles.NewStore(database.DB, v)

	if assist := assistant.New(&config.Cfg, database.DB); assist != nil {
		handlers.Assist = assist
	} else {
		log.Printf("No assistant provider configured, assistant features disabled")
	}

	// Sessions left live by a previous process are marked errored on boot.
	if n, err := database.OrphanLiveSessions(time.Now()); err != nil {
		log.Printf("Orphan session sweep: %v", err)
	} else if n > 0 {
		log.Printf("Marked %d orphaned sessions as errored", n)
	}

	globalLimiter := ratelimit.New(ratelimit.Config{
		MaxRequests: config.Cfg.RateLimitMaxRequests,
		Window:      config.Cfg.RateLimitWindow(),
	})
	authLimiter := ratelimit.New(ratelimit.Config{
		MaxRequests:    config.Cfg.AuthRateLimitMax,
		Window:         config.Cfg.RateLimitWindow(),
		BlockOnExhaust: true,
		BlockDuration:  config.Cfg.RateLimitWindow(),
	})
	handlers.AuthLimiter = authLimiter

	jobs := cron.New()
	jobs.AddFunc("@every 60s", func() {
		for _, id := range manager.ReapIdle(config.Cfg.SSHIdleTimeout) {
			log.Printf("Idle sweeper closed connection %s", id)
		}
	})
	jobs.AddFunc("@every 5m", func() {
		cutoff := time.Now().Add(-config.Cfg.SSHIdleTimeout)
		if n, err := database.OrphanLiveSessions(cutoff); err != nil {
			log.Printf("Session janitor: %v", err)
		} else if n > 0 {
			log.Printf("Session janitor marked %d stale sessions as errored", n)
		}
	})
	jobs.AddFunc("@every 10m", func() {
		globalLimiter.Cleanup()
		authLimiter.Cleanup()
	})
	jobs.Start()

	r := chi.NewRouter()
	r.Use(middleware.StripTokenQuery)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(config.Cfg.CORSOrigin))

	r.Get("/health", handlers.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(globalLimiter))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(authLimiter))
			r.Post("/auth/register", handlers.Register)
			r.Post("/auth/login", handlers.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)

			r.Get("/auth/verify", handlers.Verify)
			r.Put("/auth/preferences", handlers.UpdatePreferences)

			r.Get("/profiles", handlers.ListProfiles)
			r.Post("/profiles", handlers.CreateProfile)
			r.Put("/profiles/{id}", handlers.UpdateProfile)
			r.Delete("/profiles/{id}", handlers.DeleteProfile)

			r.Get("/sessions", handlers.ListSessions)
		})

		// The stream authenticates at handshake time inside the handler so
		// it can answer with a websocket close code instead of an HTTP body.
		r.Get("/terminal", handlers.TerminalStream)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.Port),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on :%d", config.Cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	jobs.Stop()
	manager.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
