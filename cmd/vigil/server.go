package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"

	"github.com/hearth-social/vigil/attest"
	"github.com/hearth-social/vigil/directory"
	"github.com/hearth-social/vigil/keys"
	"github.com/hearth-social/vigil/ledger"
	"github.com/hearth-social/vigil/moderation"
	"github.com/hearth-social/vigil/notify"
	"github.com/hearth-social/vigil/sweep"
	"github.com/hearth-social/vigil/sweep/activitystore"
	"github.com/hearth-social/vigil/util"
)

type Server struct {
	logger  *slog.Logger
	echo    *echo.Echo
	httpd   *http.Server
	ledger  *ledger.Ledger
	cases   *moderation.CaseManager
	appeals *moderation.Appeals
	engine  *sweep.Engine
	attest  *attest.Service
	dir     directory.Directory

	sweepInterval  time.Duration
	attestInterval time.Duration
}

type Config struct {
	Logger           *slog.Logger
	RedisURL         string
	SigningKey       keys.PrivateKey
	SweepDefsJSON    string
	SweepInterval    time.Duration
	AttestInterval   time.Duration
	DirectoryHost    string
	NotifyWebhookURL string
	Bind             string
}

func NewServer(db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var notifier notify.Notifier
	if config.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(config.NotifyWebhookURL, logger)
	} else {
		notifier = &notify.NullNotifier{}
	}

	lgr, err := ledger.NewLedger(db, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing audit ledger: %w", err)
	}
	cases, err := moderation.NewCaseManager(db, lgr, logger, notifier)
	if err != nil {
		return nil, fmt.Errorf("initializing case manager: %w", err)
	}
	appeals := moderation.NewAppeals(db, lgr, cases, logger, notifier)

	var activity activitystore.ActivityStore
	if config.RedisURL != "" {
		activity, err = activitystore.NewRedisActivityStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis activity store: %w", err)
		}
	} else {
		logger.Info("redis not configured, using in-memory activity counters")
		activity = activitystore.NewMemActivityStore()
	}

	engine, err := sweep.NewEngine(db, activity, cases, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing sweep engine: %w", err)
	}
	if config.SweepDefsJSON != "" {
		if err := engine.LoadDefinitionsFile(config.SweepDefsJSON); err != nil {
			return nil, fmt.Errorf("loading sweep definitions: %w", err)
		}
		logger.Info("loaded sweep definitions", "path", config.SweepDefsJSON, "count", len(engine.Definitions()))
	}

	att, err := attest.NewService(db, lgr, config.SigningKey, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing attestation service: %w", err)
	}

	var dir directory.Directory
	if config.DirectoryHost != "" {
		base := directory.NewHTTPDirectory(config.DirectoryHost, util.RobustHTTPClient())
		dir = directory.NewCacheDirectory(base, directory.DefaultCacheSize, directory.DefaultHitTTL, directory.DefaultErrTTL)
	} else {
		dir = directory.NewMemDirectory()
	}

	srv := &Server{
		logger:         logger,
		ledger:         lgr,
		cases:          cases,
		appeals:        appeals,
		engine:         engine,
		attest:         att,
		dir:            dir,
		sweepInterval:  config.SweepInterval,
		attestInterval: config.AttestInterval,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("vigil"))
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.handleHealthCheck)

	e.POST("/moderation/cases", srv.handleCreateCase)
	e.GET("/moderation/cases/:id", srv.handleGetCase)
	e.POST("/moderation/cases/:id/assign", srv.handleAssignCase)
	e.POST("/moderation/cases/:id/resolve", srv.handleResolveCase)
	e.POST("/moderation/actions", srv.handleTakeAction)

	e.POST("/appeals/:action_id", srv.handleOpenAppeal)
	e.POST("/appeals/:id/review", srv.handleReviewAppeal)
	e.POST("/appeals/:id/resolve", srv.handleResolveAppeal)

	e.GET("/audit", srv.handleAuditExport)
	e.GET("/audit/verify", srv.handleAuditVerify)
	e.POST("/audit/attest", srv.handleAttest)
	e.GET("/audit/attestations/:id/verify", srv.handleVerifyAttestation)
	e.POST("/audit/attestations/:id/verify", srv.handleVerifyAttestation)

	e.POST("/sweeps/run", srv.handleRunSweeps)
	e.GET("/sweeps/results", srv.handleSweepResults)
	e.POST("/sweeps/results/:id/false-positive", srv.handleSweepFalsePositive)

	srv.echo = e
	srv.httpd = &http.Server{
		Handler:        e,
		Addr:           config.Bind,
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Minute,
		MaxHeaderBytes: 1 * (1024 * 1024),
	}
	return srv, nil
}

func (s *Server) RunAPI(ctx context.Context) error {
	s.logger.Info("starting API server", "bind", s.httpd.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpd.Shutdown(shutCtx)
	}
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (s *Server) RunSweeps(ctx context.Context) error {
	if len(s.engine.Definitions()) == 0 {
		s.logger.Info("no sweep definitions loaded, sweep scheduler disabled")
		<-ctx.Done()
		return nil
	}
	return sweep.NewScheduler(s.engine, s.sweepInterval, s.logger).Run(ctx)
}

// Attests each elapsed interval shortly after it ends. Empty periods are
// normal (quiet deployments) and just skipped.
func (s *Server) RunAttestations(ctx context.Context) error {
	if s.attestInterval <= 0 {
		s.logger.Info("periodic attestation disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.attestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			end := now.UTC()
			start := end.Add(-s.attestInterval)
			runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			att, err := s.attest.Attest(runCtx, start, end)
			cancel()
			if errors.Is(err, attest.ErrEmptyPeriod) {
				s.logger.Info("attestation period empty, skipping")
				continue
			}
			if err != nil {
				s.logger.Error("periodic attestation failed", "err", err)
				continue
			}
			s.logger.Info("periodic attestation complete", "id", att.ID, "records", att.RecordCount)
		}
	}
}
