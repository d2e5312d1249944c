// PaperMinder Server - coordination hub between web clients and networked
// thermal printers. Routes messages, serves firmware, and runs staged
// firmware rollouts over WebSocket sessions.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"paperminder/server/internal/config"
	"paperminder/server/logger"
	"paperminder/server/rollout"
	"paperminder/server/storage"

	"github.com/kardianos/service"
)

// Version information (set at build time via -ldflags)
var (
	Version         = "dev"     // Semantic version (e.g., "0.1.0")
	BuildTime       = "unknown" // Build timestamp
	GitCommit       = "unknown" // Git commit hash
	BuildType       = "dev"     // "dev" or "release"
	ProtocolVersion = "1"       // Client-server wire protocol version
)

var (
	serverLogger *logger.Logger
	serverStore  storage.Store
)

func main() {
	configPath := flag.String("config", "", "Config file path (default: search standard locations)")
	dbURL := flag.String("db", "", "Database URL or SQLite path (default: from config)")
	logLevel := flag.String("log-level", "", "Log level (error, warn, info, debug, trace)")
	svcFlag := flag.String("service", "", "Service control: install, uninstall, start, stop, run")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("PaperMinder Server %s (protocol v%s)\n", Version, ProtocolVersion)
		fmt.Printf("Build: %s, Commit: %s, Type: %s\n", BuildTime, GitCommit, BuildType)
		fmt.Printf("Go: %s, OS: %s, Arch: %s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	}

	if *svcFlag != "" {
		if err := handleServiceCommand(*svcFlag); err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runServer(ctx, runOptions{
		configPath: *configPath,
		dbURL:      *dbURL,
		logLevel:   *logLevel,
	}); err != nil {
		log.Fatal(err)
	}
}

// handleServiceCommand dispatches service lifecycle subcommands, including
// "run" which the service manager invokes.
func handleServiceCommand(cmd string) error {
	prg := &program{}
	svc, err := service.New(prg, getServiceConfig())
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}

	switch cmd {
	case "install":
		if err := setupServiceDirectories(); err != nil {
			return err
		}
		if err := svc.Install(); err != nil {
			return fmt.Errorf("install service: %w", err)
		}
		fmt.Println("Service installed")
		return nil
	case "uninstall":
		if err := svc.Uninstall(); err != nil {
			return fmt.Errorf("uninstall service: %w", err)
		}
		fmt.Println("Service uninstalled")
		return nil
	case "start":
		return svc.Start()
	case "stop":
		return svc.Stop()
	case "run":
		return svc.Run()
	default:
		return fmt.Errorf("unknown service command %q", cmd)
	}
}

type runOptions struct {
	configPath string
	dbURL      string
	logLevel   string
	isService  bool
}

// runServer is the real entry point: loads config, opens the store, wires
// the Server, and serves until ctx is cancelled.
func runServer(ctx context.Context, opts runOptions) error {
	cfgPath := opts.configPath
	if cfgPath == "" {
		if found, _, err := config.FindConfigFile("server.toml"); err == nil {
			cfgPath = found
		}
	}

	cfg, tracker, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.dbURL != "" {
		cfg.Database.URL = opts.dbURL
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	logDir, err := config.GetLogDirectory(opts.isService)
	if err != nil {
		logDir = "logs"
	}
	serverLogger = logger.New(logger.LevelFromString(strings.ToUpper(cfg.Logging.Level)), logDir, 1000)
	defer serverLogger.Close()

	storage.SetLogger(serverLogger)
	rollout.SetLogger(serverLogger)

	logInfo("PaperMinder Server starting",
		"version", Version, "protocol", ProtocolVersion,
		"build", BuildTime, "commit", GitCommit)
	if cfgPath != "" {
		logInfo("Configuration loaded", "path", cfgPath, "env_overrides", len(tracker.EnvKeys))
	} else {
		logInfo("No config file found, using defaults")
	}

	dbURL := cfg.Database.URL
	if dbURL == "" {
		dbURL = storage.GetDefaultDBPath()
	}
	logInfo("Opening database", "url", dbURL)

	serverStore, err = storage.NewStore(dbURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer serverStore.Close()

	srv := newServer(cfg, serverStore)
	defer srv.shutdown()

	srv.scheduler.Start()

	return serveHTTP(ctx, cfg, srv.routes())
}

// serveHTTP runs the paired HTTP and HTTPS listeners until ctx is cancelled,
// then drains both gracefully.
func serveHTTP(ctx context.Context, cfg *Config, handler http.Handler) error {
	tlsSettings := cfg.ToTLSConfig()

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	httpsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPSPort)

	httpHandler := handler
	if tlsSettings.Mode == TLSModeLetsEncrypt {
		// ACME HTTP-01 challenges arrive on port 80; everything else is
		// passed through to the API.
		if m, err := tlsSettings.GetACMEHTTPHandler(); err == nil {
			httpHandler = m.HTTPHandler(handler)
		} else {
			logWarn("ACME handler unavailable", "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           httpHandler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          log.New(logBridgeWriter{level: logger.WARN}, "", 0),
	}

	httpsServer := &http.Server{
		Addr:              httpsAddr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          log.New(logBridgeWriter{level: logger.WARN}, "", 0),
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logInfo("HTTP server listening", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	tlsCfg, err := tlsSettings.GetTLSConfig()
	if err != nil {
		logWarn("TLS unavailable, serving HTTP only", "mode", string(tlsSettings.Mode), "error", err)
	} else {
		ln, err := net.Listen("tcp", httpsAddr)
		if err != nil {
			logWarn("HTTPS listen failed, serving HTTP only", "addr", httpsAddr, "error", err)
		} else {
			// Plain HTTP hitting the TLS port gets a redirect instead of a
			// handshake error.
			tlsLn := tls.NewListener(newHTTPRedirectListener(ln, cfg.Server.HTTPSPort), tlsCfg)
			wg.Add(1)
			go func() {
				defer wg.Done()
				logInfo("HTTPS server listening", "addr", httpsAddr, "mode", string(tlsSettings.Mode))
				if err := httpsServer.Serve(tlsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("https server: %w", err)
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
		logInfo("Shutdown signal received")
	case err := <-errCh:
		logError("Server error, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logWarn("HTTP shutdown incomplete", "error", err)
	}
	if err := httpsServer.Shutdown(shutdownCtx); err != nil {
		logWarn("HTTPS shutdown incomplete", "error", err)
	}

	wg.Wait()
	logInfo("Server stopped")
	return nil
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":          Version,
		"build_time":       BuildTime,
		"git_commit":       GitCommit,
		"build_type":       BuildType,
		"protocol_version": ProtocolVersion,
		"go_version":       runtime.Version(),
		"os":               runtime.GOOS,
		"arch":             runtime.GOARCH,
	})
}
