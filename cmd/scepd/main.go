package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"scepd/internal/backend/sqlite"
	"scepd/internal/config"
	"scepd/internal/dispatcher"
	"scepd/internal/envelope"
	"scepd/internal/handlers"
)

func main() {
	// Command line flags
	configFile := flag.String("config", "", "Path to config file (optional; only logged, settings come from environment variables)")
	initDB := flag.Bool("init", false, "Initialize database and exit")
	bootstrapCA := flag.String("bootstrap-ca", "", "Generate a self-signed CA with this common name at SCEPD_CA_CERT/SCEPD_CA_KEY, then exit")
	flag.Parse()

	log.Println("Starting scepd...")

	// Load configuration
	cfg := config.LoadFromEnv()
	if *configFile != "" {
		// The file is not read; only its path is logged.
		log.Printf("Config file specified: %s", *configFile)
	}

	if *bootstrapCA != "" {
		if cfg.CACertFile == "" || cfg.CAKeyFile == "" {
			log.Fatal("SCEPD_CA_CERT and SCEPD_CA_KEY must be set to bootstrap a CA")
		}
		if err := sqlite.GenerateSelfSignedCA(cfg.CACertFile, cfg.CAKeyFile, *bootstrapCA, 10); err != nil {
			log.Fatalf("Failed to generate CA: %v", err)
		}
		log.Printf("Generated self-signed CA %q at %s / %s", *bootstrapCA, cfg.CACertFile, cfg.CAKeyFile)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database
	log.Printf("Opening database: %s", cfg.DatabasePath)
	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Run migrations
	log.Println("Running database migrations...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	if *initDB {
		log.Println("Database initialized successfully")
		return
	}

	// Initialize the CA backend
	ca, err := sqlite.New(sqlite.Config{
		DB:             db,
		CACertFile:     cfg.CACertFile,
		CAKeyFile:      cfg.CAKeyFile,
		RACertFile:     cfg.RACertFile,
		RAKeyFile:      cfg.RAKeyFile,
		NextCACertFile: cfg.NextCACertFile,
		Policy: sqlite.Policy{
			ChallengePassword: cfg.ChallengePassword,
			CertValidDays:     cfg.CertValidDays,
			EnableRenewal:     cfg.EnableRenewal,
		},
	})
	if err != nil {
		log.Fatalf("Failed to construct CA backend: %v", err)
	}

	// Initialize the operation handlers
	scepHandlers := handlers.New(handlers.Config{
		CA:                         ca,
		ContentEncryptionAlgorithm: contentEncryptionAlgorithm(cfg.ContentEncryptionAlgorithm),
		RequireSigningTimeCheck:    cfg.RequireSigningTimeCheck,
	})

	// Set up HTTP routes
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, dispatcher.Route(scepHandlers))

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Create server
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: logMiddleware(mux),
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down server...")
		server.Close()
	}()

	// Start server
	log.Printf("scepd listening on %s%s", cfg.ListenAddr, cfg.Path)

	if cfg.IsTLSEnabled() {
		log.Printf("TLS enabled with cert: %s", cfg.TLSCertFile)
		if err := server.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	} else {
		log.Println("WARNING: TLS not enabled. Use HTTPS in production!")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}

	log.Println("Server stopped")
}

func contentEncryptionAlgorithm(name string) envelope.Algorithm {
	switch name {
	case "DES":
		return envelope.DESCBC
	default:
		return envelope.DES3CBC
	}
}

// logMiddleware logs all HTTP requests
func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
