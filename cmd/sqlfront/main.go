// sqlfront is the SQL gateway daemon. It terminates client JSON-RPC
// over HTTP, maps authenticated sessions onto pooled backend engines
// launched from a YAML template, and proxies statement execution.
//
// Configuration comes from SQLFRONT_* environment variables; a few
// flags override the environment for local runs. Production
// authentication is OIDC bearer tokens (set SQLFRONT_OIDC_ISSUER);
// --dev-token installs a static token for development only.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sqlfront/sqlfront"
	"github.com/sqlfront/sqlfront/auth"
	"github.com/sqlfront/sqlfront/auth/authtest"
	"github.com/sqlfront/sqlfront/config"
	"github.com/sqlfront/sqlfront/engines/localexec"
	"github.com/sqlfront/sqlfront/engines/rpcdial"
	"github.com/sqlfront/sqlfront/events"
	"github.com/sqlfront/sqlfront/events/filesink"
	"github.com/sqlfront/sqlfront/events/redissink"
	"github.com/sqlfront/sqlfront/internal/jwtauth"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var listenAddr string
	var templatePath string
	var devTokens []string

	flagSet := pflag.NewFlagSet("sqlfront", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddr, "listen", "", "listen address (overrides SQLFRONT_LISTEN_ADDR)")
	flagSet.StringVar(&templatePath, "template", "", "engine launch template path (overrides SQLFRONT_LAUNCH_TEMPLATE)")
	flagSet.StringArrayVar(&devTokens, "dev-token", nil, "static token=user pair for development auth (repeatable)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if templatePath != "" {
		cfg.LaunchTemplatePath = templatePath
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authn, err := buildAuthenticator(ctx, cfg, devTokens)
	if err != nil {
		return err
	}

	sink, closeSink, err := buildSink(cfg, log)
	if err != nil {
		return err
	}
	defer closeSink()

	launcher, err := localexec.NewFromFile(cfg.LaunchTemplatePath, localexec.WithLogger(log))
	if err != nil {
		return fmt.Errorf("load launch template %s: %w", cfg.LaunchTemplatePath, err)
	}
	defer launcher.Close()

	gw, err := sqlfront.NewGateway(sqlfront.GatewayConfig{
		Launcher:      launcher,
		Dialer:        rpcdial.New(),
		Template:      launcher.Template,
		Authenticator: authn,
		Sink:          sink,
		LogHandler:    log.Handler(),
		Realm:         cfg.Realm,

		DefaultSharingLevel: cfg.SharingLevel(),
		SessionIdleTimeout:  cfg.SessionIdleTimeout,
		SessionMaxLifetime:  cfg.SessionMaxLifetime,
		MaxSessions:         cfg.MaxSessions,
		MaxSessionsPerUser:  cfg.MaxSessionsPerUser,
		DispatchTimeout:     cfg.DispatchTimeout,
		OperationQueueDepth: cfg.OperationQueueDepth,

		LaunchTimeout:         cfg.LaunchTimeout,
		ProbeInterval:         cfg.ProbeInterval,
		ProbeFailureThreshold: cfg.ProbeFailureThreshold,
		EngineIdleGrace:       cfg.EngineIdleGrace,
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildAuthenticator(ctx context.Context, cfg *config.Config, devTokens []string) (auth.Authenticator, error) {
	if cfg.OIDCIssuer != "" {
		return jwtauth.NewFromDiscovery(ctx, &jwtauth.Config{
			Issuer:            cfg.OIDCIssuer,
			ExpectedAudiences: []string{cfg.OIDCAudience},
			GroupsClaim:       cfg.OIDCGroupsClaim,
		})
	}
	if len(devTokens) == 0 {
		return nil, fmt.Errorf("no authenticator configured: set SQLFRONT_OIDC_ISSUER or pass --dev-token")
	}
	tokens := make(map[string]string, len(devTokens))
	for _, pair := range devTokens {
		token, user, found := strings.Cut(pair, "=")
		if !found || token == "" || user == "" {
			return nil, fmt.Errorf("invalid --dev-token %q, want token=user", pair)
		}
		tokens[token] = user
	}
	return authtest.NewStatic(tokens), nil
}

// buildSink returns the configured event sink wrapped in the async
// fan-in, plus a close function flushing on shutdown.
func buildSink(cfg *config.Config, log *slog.Logger) (events.Sink, func(), error) {
	var base events.Sink
	switch {
	case cfg.EventDir != "":
		fs, err := filesink.New(cfg.EventDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open event dir %s: %w", cfg.EventDir, err)
		}
		base = fs
	case cfg.EventRedisAddr != "":
		rs, err := redissink.New(redissink.Config{RedisAddr: cfg.EventRedisAddr})
		if err != nil {
			return nil, nil, fmt.Errorf("connect event redis %s: %w", cfg.EventRedisAddr, err)
		}
		base = rs
	default:
		return events.Discard{}, func() {}, nil
	}

	async := events.NewAsync(base,
		events.WithQueueDepth(cfg.EventQueueDepth),
		events.WithLogger(log),
	)
	return async, func() {
		if err := async.Close(); err != nil {
			log.Warn("event sink close failed", "err", err)
		}
	}, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
