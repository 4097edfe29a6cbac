// EpiWatch is an anomaly fusion and escalation pipeline for multi-source
// epidemic early warning: hospital, social, and environmental signals are
// ingested as daily metric cells, scored by an ensemble of detectors, fused,
// validated by a staged triage pipeline, and escalated into alerts.
//
//	@title			EpiWatch API
//	@version		0.1.0
//	@description	Anomaly fusion and escalation pipeline for multi-source outbreak detection.
//	@BasePath		/api/v1
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	_ "github.com/epiwatch/epiwatch/docs"
	"github.com/epiwatch/epiwatch/internal/alert"
	"github.com/epiwatch/epiwatch/internal/auth"
	"github.com/epiwatch/epiwatch/internal/config"
	"github.com/epiwatch/epiwatch/internal/detect"
	"github.com/epiwatch/epiwatch/internal/event"
	"github.com/epiwatch/epiwatch/internal/ingest"
	"github.com/epiwatch/epiwatch/internal/llm"
	"github.com/epiwatch/epiwatch/internal/notify"
	"github.com/epiwatch/epiwatch/internal/registry"
	"github.com/epiwatch/epiwatch/internal/server"
	"github.com/epiwatch/epiwatch/internal/store"
	"github.com/epiwatch/epiwatch/internal/triage"
	"github.com/epiwatch/epiwatch/internal/version"
	"github.com/epiwatch/epiwatch/internal/ws"
	"github.com/epiwatch/epiwatch/pkg/plugin"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "epiwatch:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	v, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting epiwatch",
		zap.String("version", version.Short()),
	)

	var srvCfg server.Config
	if err := v.UnmarshalKey("server", &srvCfg); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := os.MkdirAll(srvCfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.New(v.GetString("database.dsn"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := event.NewBus(logger.Named("bus"))

	reg := registry.New(logger.Named("registry"))
	for _, p := range []plugin.Plugin{
		ingest.New(),
		detect.New(),
		triage.New(),
		alert.New(),
		notify.New(),
		llm.New(),
	} {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	if err := reg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	cfg := config.New(v)
	err = reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Bus:     bus,
			Store:   st,
			Plugins: reg,
		}
	})
	if err != nil {
		return err
	}
	reg.WireSubscriptions(bus)
	if err := reg.StartAll(ctx); err != nil {
		return err
	}

	// Auth is core infrastructure, not a plugin: the server middleware and
	// the WebSocket feed both need the token service.
	authHandler, tokens, err := setupAuth(ctx, v, st, logger)
	if err != nil {
		return err
	}

	var authRoutes server.RouteRegistrar
	if v.GetBool("auth.enabled") {
		authRoutes = authHandler
	} else {
		logger.Warn("authentication disabled; API is open")
	}

	wsHandler := ws.NewHandler(tokens, bus, logger.Named("ws"))

	ready := func(ctx context.Context) error {
		return st.DB().PingContext(ctx)
	}
	srv := server.New(srvCfg.Addr(), reg, logger.Named("http"), ready, authRoutes, srvCfg.DevMode, wsHandler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		reg.StopAll(ctx)
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

// setupAuth migrates the user tables and builds the auth service. Without a
// configured jwt_secret an ephemeral one is generated, which invalidates
// sessions on restart.
func setupAuth(ctx context.Context, v *viper.Viper, st *store.SQLiteStore, logger *zap.Logger) (*auth.Handler, *auth.TokenService, error) {
	if err := st.Migrate(ctx, "auth", auth.Migrations()); err != nil {
		return nil, nil, fmt.Errorf("auth migrations: %w", err)
	}

	secret := []byte(v.GetString("auth.jwt_secret"))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		logger.Warn("auth.jwt_secret not set; sessions will not survive restarts")
	}

	accessTTL := v.GetDuration("auth.token_ttl")
	if accessTTL == 0 {
		accessTTL = 12 * time.Hour
	}
	tokens := auth.NewTokenService(secret, accessTTL, 30*24*time.Hour)
	service := auth.NewService(auth.NewUserStore(st.DB()), tokens, logger.Named("auth"))
	return auth.NewHandler(service, logger.Named("auth")), tokens, nil
}
