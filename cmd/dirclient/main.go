package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qcom/dirsession/internal/config"
	"github.com/qcom/dirsession/internal/models"
	"github.com/qcom/dirsession/internal/observability"
	"github.com/qcom/dirsession/internal/repository"
	"github.com/qcom/dirsession/internal/service"
	"github.com/sirupsen/logrus"
)

const usage = `usage: dirclient <command> [args]

commands:
  login -u USER -p PASS   obtain tokens and load the identity
  whoami                  print the identity behind the stored session
  get PATH                GET an API resource with the session's credentials
  watch                   keep the session alive, reading activity events from stdin
  status                  print the local session state
  logout                  end the session
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	configureLogger(logger, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

func configureLogger(logger *logrus.Logger, cfg config.LogConfig) {
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, cmd string, args []string) error {
	repo, closeRepo, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, reg, logger)
	}

	manager := service.NewSessionManager(service.SessionManagerDeps{
		BaseURL:        cfg.API.BaseURL,
		Repo:           repo,
		Timeout:        cfg.API.Timeout,
		RefreshTimeout: cfg.API.RefreshTimeout,
		Metrics:        metrics,
		Logger:         logger,
	})
	defer manager.Close()

	switch cmd {
	case "login":
		return login(ctx, manager, args)
	case "logout":
		if err := manager.Store().Hydrate(ctx); err != nil {
			return err
		}
		return manager.Logout(ctx)
	case "status":
		if err := manager.Store().Hydrate(ctx); err != nil {
			return err
		}
		return printJSON(status(manager))
	}

	authenticated, err := manager.Start(ctx)
	if err != nil {
		return err
	}
	<-manager.Bootstrap().Ready()

	switch cmd {
	case "whoami":
		if !authenticated {
			return service.ErrNotAuthenticated
		}
		return printJSON(manager.Store().State().User)
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get takes exactly one path")
		}
		return get(ctx, manager, args[0])
	case "watch":
		if !authenticated {
			return service.ErrNotAuthenticated
		}
		return watch(ctx, manager, os.Stdin, logger)
	}

	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

func login(ctx context.Context, manager *service.SessionManager, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := manager.RefreshRuntimeConfig(ctx); err != nil {
		return fmt.Errorf("failed to load runtime auth config: %w", err)
	}

	user, err := manager.Login(ctx, *username, *password)
	if err != nil {
		if fields := service.FieldErrors(err); len(fields) > 0 {
			for field, msgs := range fields {
				fmt.Fprintf(os.Stderr, "%s: %s\n", field, strings.Join(msgs, " "))
			}
		}
		return err
	}
	return printJSON(user)
}

func get(ctx context.Context, manager *service.SessionManager, path string) error {
	var out json.RawMessage
	if err := manager.API().GetJSON(ctx, path, &out); err != nil {
		return err
	}
	_, err := fmt.Fprintln(os.Stdout, string(out))
	return err
}

// watch feeds one activity event per input line until the session ends or
// the input is closed.
func watch(ctx context.Context, manager *service.SessionManager, in io.Reader, logger *logrus.Logger) error {
	ended := make(chan struct{})
	unsub := manager.Store().Subscribe(func(sess models.Session) {
		if !sess.IsAuthenticated() {
			select {
			case <-ended:
			default:
				close(ended)
			}
		}
	})
	defer unsub()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	logger.Info("Watching session, type activity events (click, keydown, focus, hidden, visible)")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return errors.New("session ended")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			ev, err := service.ParseActivityKind(line)
			if err != nil {
				logger.WithError(err).Warn("Ignoring input")
				continue
			}
			manager.Bus().Emit(ev)
		}
	}
}

type sessionStatus struct {
	Authenticated bool       `json:"authenticated"`
	HasRefresh    bool       `json:"has_refresh"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IdleTimeout   string     `json:"idle_timeout"`
	RenewAt       string     `json:"renew_at"`
	Rotate        bool       `json:"rotate_refresh_tokens"`
}

func status(manager *service.SessionManager) sessionStatus {
	sess := manager.Store().State()
	st := sessionStatus{
		Authenticated: sess.IsAuthenticated(),
		HasRefresh:    sess.RefreshToken != "",
		IdleTimeout:   sess.Config.IdleTimeout.String(),
		RenewAt:       sess.Config.RenewAt.String(),
		Rotate:        sess.Config.RotateRefreshTokens,
	}
	if !sess.AccessExpiresAt.IsZero() {
		exp := sess.AccessExpiresAt
		st.ExpiresAt = &exp
	}
	return st
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	logger.WithField("addr", addr).Info("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Warn("Metrics server stopped")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
