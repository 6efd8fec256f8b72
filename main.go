package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailad/mailadmin/internal/accounts"
	"github.com/mailad/mailadmin/internal/antivirus"
	"github.com/mailad/mailadmin/internal/api"
	"github.com/mailad/mailadmin/internal/authcache"
	"github.com/mailad/mailadmin/internal/config"
	"github.com/mailad/mailadmin/internal/crypto"
	"github.com/mailad/mailadmin/internal/database"
	"github.com/mailad/mailadmin/internal/directory"
	"github.com/mailad/mailadmin/internal/postfix"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Initialize logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_FORMAT") != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set log level
	level := os.Getenv("LOG_LEVEL")
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("Starting mailadmin server")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Secrets-at-rest encryption
	enc, err := crypto.NewEncryptor(cfg.DBEncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption")
	}
	secrets := database.NewSecretStore(db, enc)

	// Directory client: opened once, closed at shutdown
	dir, err := directory.Open(directory.Config{
		URL:          cfg.LDAPURL,
		BindDN:       cfg.LDAPBindDN,
		BindPassword: cfg.LDAPBindPassword,
		BaseDN:       cfg.LDAPBaseDN,
		Timeout:      cfg.LDAPTimeout,
		InsecureTLS:  cfg.LDAPInsecureTLS,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to directory")
	}
	defer dir.Close()

	// Domain collaborators
	users := accounts.NewUserRepo(dir, cfg.LDAPBaseDN, cfg.MailDomain)
	lists := accounts.NewListRepo(dir, cfg.LDAPGroupBaseDN)

	reloader := postfix.NewReloader()
	mainCf := postfix.NewMainCf(cfg.MainCfPath)

	deps := api.Deps{
		Directory: dir,
		Users:     users,
		Lists:     lists,
		Aliases:   postfix.NewAliasRegistry(cfg.AliasesPath, users, reloader),
		Blacklist: postfix.NewBlacklistRegistry(cfg.BlacklistPath, reloader),
		Transport: postfix.NewTransportRegistry(cfg.TransportPath, reloader),
		Host:      postfix.NewHostManager(mainCf, cfg.HostnamePath, cfg.HostsPath, reloader),
		Relay:     postfix.NewRelayManager(mainCf, cfg.SaslPasswdPath, reloader, secrets),
		Queue:     postfix.NewQueueInspector(),
		Antivirus: antivirus.NewManager(cfg.FreshclamConfPath, cfg.SiteConfPath),
		AuthCache: authcache.NewWithTTL(cfg.AuthCacheTTL, authcache.DefaultSweepInterval),
	}

	// Initialize API server
	server := api.NewServer(cfg, db, deps)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
