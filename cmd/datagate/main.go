package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/akfin/datagate/pkg/api"
	"github.com/akfin/datagate/pkg/auth"
	"github.com/akfin/datagate/pkg/cache"
	"github.com/akfin/datagate/pkg/catalog"
	"github.com/akfin/datagate/pkg/config"
	"github.com/akfin/datagate/pkg/dispatch"
	"github.com/akfin/datagate/pkg/files"
	"github.com/akfin/datagate/pkg/llm"
	"github.com/akfin/datagate/pkg/observability"
	"github.com/akfin/datagate/pkg/server"
	"github.com/akfin/datagate/pkg/tools"
	"github.com/akfin/datagate/pkg/upstream"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "useradd":
		return runUserAdd(args[2:], stdout, stderr)
	case "cache-invalidate":
		return runCacheInvalidate(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(out io.Writer) {
	_, _ = fmt.Fprintln(out, `Usage: datagate <command> [options]

Commands:
  serve              Run the HTTP gateway (default)
  useradd <name>     Create a user; the password is read from stdin
  cache-invalidate   Drop cached data (--interface to scope to one)
  health             Probe a running instance
  help               Show this help`)
}

func runServe(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "datagate",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TelemetryEnabled,
		Insecure:     true,
		BatchTimeout: 5 * time.Second,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "telemetry: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	reg, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "catalog: %v\n", err)
		return 1
	}

	creds, err := auth.OpenCredentialStore(cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "credential store: %v\n", err)
		return 1
	}
	defer func() { _ = creds.Close() }()

	tokens := auth.NewTokenService([]byte(cfg.TokenSecret), cfg.TokenTTL)

	invoker := upstream.New(reg, cfg.UpstreamBaseURL, upstream.Options{
		Timeout: cfg.UpstreamTimeout,
		Retries: cfg.UpstreamRetries,
		Logger:  logger,
	})

	dataCache, err := cache.New(cfg.CacheRoot, invoker, cache.Options{
		MaxBytes:          cfg.CacheMaxBytes,
		ServeStaleOnError: cfg.ServeStaleOnErr,
		OnStaleHit:        obs.RecordStaleHit,
		Logger:            logger,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "cache: %v\n", err)
		return 1
	}

	fileStore, err := files.NewStore(cfg.FilesRoot, cfg.MaxUploadBytes, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "file store: %v\n", err)
		return 1
	}

	toolReg, err := tools.NewRegistry(dataCache, fileStore, reg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "tools: %v\n", err)
		return 1
	}

	var model llm.Client
	if cfg.LLMBaseURL != "" {
		model = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, nil)
	}
	dispatcher := dispatch.New(model, toolReg, dataCache, dispatch.Options{
		MaxTurns: cfg.LLMMaxTurns,
		Deadline: cfg.LLMDeadline,
		Logger:   logger,
	})

	srv := server.New(server.Options{
		Credentials:    creds,
		Tokens:         tokens,
		Catalog:        reg,
		Cache:          dataCache,
		Files:          fileStore,
		Dispatcher:     dispatcher,
		Observability:  obs,
		RateLimiter:    api.NewGlobalRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "server: %v\n", err)
			return 1
		}
		return 0
	}
}

func runUserAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("useradd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: datagate useradd <username>")
		return 2
	}
	username := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	password, err := readPassword(stdout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "reading password: %v\n", err)
		return 1
	}
	if len(password) < 8 {
		_, _ = fmt.Fprintln(stderr, "password must be at least 8 characters")
		return 1
	}

	creds, err := auth.OpenCredentialStore(cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "credential store: %v\n", err)
		return 1
	}
	defer func() { _ = creds.Close() }()

	if err := creds.Create(context.Background(), username, password); err != nil {
		_, _ = fmt.Fprintf(stderr, "creating user: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "user %s created\n", username)
	return 0
}

func readPassword(out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		_, _ = fmt.Fprint(out, "Password: ")
		raw, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(out)
		return string(raw), err
	}
	// Piped input for scripted provisioning.
	raw, err := io.ReadAll(io.LimitReader(os.Stdin, 1024))
	if err != nil {
		return "", err
	}
	return string(trimNewline(raw)), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func runCacheInvalidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cache-invalidate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	iface := fs.String("interface", "", "limit invalidation to one interface")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	dataCache, err := cache.New(cfg.CacheRoot, nil, cache.Options{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "cache: %v\n", err)
		return 1
	}
	if err := dataCache.Invalidate(*iface); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalidate: %v\n", err)
		return 1
	}
	if *iface == "" {
		_, _ = fmt.Fprintln(stdout, "cache cleared")
	} else {
		_, _ = fmt.Fprintf(stdout, "cache cleared for %s\n", *iface)
	}
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8000", "gateway base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/api/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "unreachable: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "unhealthy: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "ok")
	return 0
}
