package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vosiander/llm-key-requestor/pkg/approval"
	"github.com/vosiander/llm-key-requestor/pkg/config"
	"github.com/vosiander/llm-key-requestor/pkg/notify"
	"github.com/vosiander/llm-key-requestor/pkg/reconcile"
	"github.com/vosiander/llm-key-requestor/pkg/store"
)

const shutdownTimeout = 15 * time.Second

// signalContext is replaced in tests.
var signalContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig(stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen address (default :$PORT)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	logger := newLogger(cfg, stderr)
	ctx, stop := signalContext()
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close(context.Background())

	if *addr == "" {
		*addr = ":" + cfg.Server.Port
	}
	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("listen failed", "addr", *addr, "error", err)
		return 1
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The loop must outlive the signal so Stop can drain it gracefully.
	a.processor.Start(context.WithoutCancel(ctx))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("llm-key-requestor ready", "addr", ln.Addr().String(), "version", version)
	_, _ = fmt.Fprintf(stdout, "listening on %s\n", ln.Addr())

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	a.processor.Stop(shutdownCtx)
	logger.Info("shutdown complete")
	return code
}

func runReconcile(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	once := fs.Bool("once", false, "process pending requests once and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	logger := newLogger(cfg, stderr)
	ctx, stop := signalContext()
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close(context.Background())

	if *once {
		stats, err := a.processor.Tick(ctx)
		if err != nil {
			logger.Error("reconcile failed", "error", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "pending=%d processed=%d failed=%d\n", stats.Pending, stats.Processed, stats.Failed)
		if stats.Failed > 0 {
			return 1
		}
		return 0
	}

	a.processor.Start(context.WithoutCancel(ctx))
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.processor.Stop(stopCtx)
	return 0
}

// runValidateConfig checks what startup would check without opening any
// connection.
func runValidateConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	logger := newLogger(cfg, stderr)

	var problems []error
	plugins, err := approval.Build(cfg.Approval.Plugins, approval.Dependencies{
		Reviewer: notify.NewLog(logger),
		Logger:   logger,
	})
	if err != nil {
		problems = append(problems, err)
	}
	if _, err := reconcile.ParseInterval(cfg.Approval.QueueInterval); err != nil {
		problems = append(problems, fmt.Errorf("approval.queue_interval: %w", err))
	}
	if cfg.Store.EncryptionKey != "" {
		if _, err := store.NewSealerFromBase64(cfg.Store.EncryptionKey); err != nil {
			problems = append(problems, fmt.Errorf("store.encryption_key: %w", err))
		}
	}

	if len(problems) > 0 {
		for _, p := range problems {
			_, _ = fmt.Fprintf(stderr, "invalid: %v\n", p)
		}
		return 1
	}
	names := approval.NewEngine(plugins).Plugins()
	_, _ = fmt.Fprintf(stdout, "configuration OK: store=%s plugins=%d %v\n", cfg.Store.Backend, len(names), names)
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	port := os.Getenv("PORT")
	if port == "" {
		port = config.Default().Server.Port
	}
	url := fs.String("url", "http://localhost:"+port+"/health", "health endpoint")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(*url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
