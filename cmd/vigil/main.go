package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearth-social/vigil/keys"
	"github.com/hearth-social/vigil/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "vigil",
		Usage:   "marketplace moderation and audit daemon",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		runCmd,
		genKeyCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/vigil/vigil.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection for activity counters; in-memory counters when empty",
			EnvVars: []string{"VIGIL_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"VIGIL_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"VIGIL_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "signing-key",
			Usage:   "multibase-encoded K-256 private key for attestations; an ephemeral key is generated when empty",
			EnvVars: []string{"VIGIL_SIGNING_KEY"},
		},
		&cli.StringFlag{
			Name:    "sweep-defs-json",
			Usage:   "path to sweep definitions JSON file",
			EnvVars: []string{"VIGIL_SWEEP_DEFS_JSON"},
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Value:   time.Hour,
			EnvVars: []string{"VIGIL_SWEEP_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "attest-interval",
			Usage:   "how often to attest the preceding period; zero disables the job",
			Value:   24 * time.Hour,
			EnvVars: []string{"VIGIL_ATTEST_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "directory-host",
			Usage:   "base URL of the account directory service",
			EnvVars: []string{"VIGIL_DIRECTORY_HOST"},
		},
		&cli.StringFlag{
			Name:    "notify-webhook-url",
			Usage:   "webhook URL for moderation notifications",
			EnvVars: []string{"VIGIL_NOTIFY_WEBHOOK_URL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				log.Fatal("failed to create trace exporter", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("vigil"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		var signer keys.PrivateKey
		if mb := cctx.String("signing-key"); mb != "" {
			signer, err = keys.ParsePrivateMultibaseK256(mb)
			if err != nil {
				return fmt.Errorf("parsing signing key: %w", err)
			}
		} else {
			logger.Warn("no signing key configured, generating ephemeral attestation key")
			signer, err = keys.GeneratePrivateKeyK256()
			if err != nil {
				return err
			}
		}

		srv, err := NewServer(db, Config{
			Logger:           logger,
			RedisURL:         cctx.String("redis-url"),
			SigningKey:       signer,
			SweepDefsJSON:    cctx.String("sweep-defs-json"),
			SweepInterval:    cctx.Duration("sweep-interval"),
			AttestInterval:   cctx.Duration("attest-interval"),
			DirectoryHost:    cctx.String("directory-host"),
			NotifyWebhookURL: cctx.String("notify-webhook-url"),
			Bind:             cctx.String("bind"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error { return srv.RunAPI(ctx) })
		eg.Go(func() error { return srv.RunSweeps(ctx) })
		eg.Go(func() error { return srv.RunAttestations(ctx) })
		return eg.Wait()
	},
}

var genKeyCmd = &cli.Command{
	Name:  "gen-key",
	Usage: "generate a new attestation signing key and print the multibase encoding",
	Action: func(cctx *cli.Context) error {
		priv, err := keys.GeneratePrivateKeyK256()
		if err != nil {
			return err
		}
		pub, err := priv.PublicKey()
		if err != nil {
			return err
		}
		fmt.Printf("private (multibase): %s\n", priv.Multibase())
		fmt.Printf("public (did:key):    %s\n", pub.DIDKey())
		return nil
	},
}
