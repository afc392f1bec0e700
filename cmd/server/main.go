// Package main is the entry point for the sqldojo sandbox server.
//
// The server lets learners run arbitrary SQL against disposable, isolated
// database schemas seeded with lesson fixture data, without ever touching a
// shared database. Each sandbox gets its own schema and a scoped-privilege
// credential; queries pass a pattern-based security guard and run under a
// hard timeout.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/sqldojo/sqldojo/config"
	"github.com/sqldojo/sqldojo/httpapi"
	"github.com/sqldojo/sqldojo/logger"
	"github.com/sqldojo/sqldojo/sandbox"
)

// newSandboxConfig maps the loaded application configuration onto the
// sandbox subsystem's immutable config.
func newSandboxConfig(cfg *config.Config) *sandbox.Config {
	sb := cfg.Sandbox
	return &sandbox.Config{
		Enabled:             sb.Enabled,
		Backend:             sb.Backend,
		MySQLHost:           sb.MySQLHost,
		MySQLPort:           sb.MySQLPort,
		MySQLAdminUser:      sb.MySQLAdminUser,
		MySQLAdminPassword:  sb.MySQLAdminPassword,
		MaxActiveSandboxes:  sb.MaxActiveSandboxes,
		MaxSandboxesPerUser: sb.MaxSandboxesPerUser,
		IdleTimeout:         cfg.IdleTimeout(),
		MaxLifetime:         cfg.MaxLifetime(),
		QueryTimeout:        cfg.QueryTimeout(),
		MaxResultRows:       sb.MaxResultRows,
		MaxSchemaSizeBytes:  int64(sb.MaxSchemaSizeMB) * 1024 * 1024,
		CleanupBatchSize:    sb.CleanupBatchSize,
		AllowedQueryTypes:   sb.AllowedQueryTypes,
		BlockedPatterns:     sb.BlockedPatterns,
		SchemaPrefix:        sb.SchemaPrefix,
		PolicyFile:          sb.PolicyFile,
	}
}

func newFixtureSource() sandbox.FixtureSource {
	return sandbox.NewStaticFixtureSource()
}

func newRegistry(log *zap.Logger, cfg *sandbox.Config) sandbox.Registry {
	return sandbox.NewInMemoryRegistry(log, cfg)
}

func newServer(log *zap.Logger, cfg *config.Config, orch *sandbox.Orchestrator) *httpapi.Server {
	return httpapi.New(log, orch, cfg.Server.HTTPPort)
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			newSandboxConfig,
			newFixtureSource,
			newRegistry,
			sandbox.NewBackend,
			sandbox.NewOrchestrator,
			newServer,
		),

		fx.Invoke(registerHooks),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

// registerHooks starts the HTTP server and the periodic expiry sweep, and
// stops both on shutdown.
func registerHooks(
	lc fx.Lifecycle,
	log *zap.Logger,
	cfg *config.Config,
	orch *sandbox.Orchestrator,
	server *httpapi.Server,
) {
	sweepDone := make(chan struct{})
	sweepStop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := server.Start(); err != nil {
					log.Error("http server stopped", zap.Error(err))
				}
			}()

			go func() {
				defer close(sweepDone)
				ticker := time.NewTicker(cfg.CleanupInterval())
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						orch.CleanupExpired(context.Background())
					case <-sweepStop:
						return
					}
				}
			}()

			log.Info("server started",
				zap.Int("http_port", cfg.Server.HTTPPort),
				zap.String("sandbox_backend", cfg.Sandbox.Backend),
				zap.Bool("sandbox_enabled", cfg.Sandbox.Enabled))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(sweepStop)
			<-sweepDone
			return server.Shutdown(ctx)
		},
	})
}
