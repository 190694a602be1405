package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/appforge/mobile/backend/pkg/build"
	"github.com/appforge/mobile/backend/pkg/command"
	"github.com/appforge/mobile/backend/pkg/config"
	"github.com/appforge/mobile/backend/pkg/fileman"
	"github.com/appforge/mobile/backend/pkg/monitor"
	"github.com/appforge/mobile/backend/pkg/scheduler"
	"github.com/appforge/mobile/backend/pkg/signing"
	"github.com/appforge/mobile/backend/pkg/telemetry"
	"github.com/appforge/mobile/backend/pkg/toolchain"
)

type app struct {
	logger         zerolog.Logger
	cfg            config.Config
	shutdownTracer func(context.Context) error
}

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	a := &app{logger: logger}

	cliApp := &cli.App{
		Name:  "buildctl",
		Usage: "Operator tooling for the mobile build pipeline",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("verbose") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.shutdownTracer = telemetry.InitTracer(ctx.Context, "buildctl", a.logger)
			return nil
		},
		After: func(ctx *cli.Context) error {
			if a.shutdownTracer != nil {
				return a.shutdownTracer(context.Background())
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "doctor",
				Usage:  "Check the build toolchain and configuration",
				Action: a.doctor,
			},
			{
				Name:   "sweep",
				Usage:  "Fail builds stuck in a running state past the stale threshold",
				Action: a.sweep,
			},
			{
				Name:   "purge",
				Usage:  "Delete old terminal builds and their artifacts",
				Action: a.purge,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Usage: "Retention window in days (default: configured retention_days)",
					},
					&cli.BoolFlag{
						Name:  "keep-successful",
						Usage: "Only purge failed and cancelled builds",
					},
				},
			},
			{
				Name:      "keystore",
				Usage:     "Create a debug keystore if one does not exist",
				ArgsUsage: "[DIR]",
				Action:    a.keystore,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logger.Fatal().Err(err).Msg("command failed")
	}
}

func (a *app) doctor(ctx *cli.Context) error {
	runner := command.NewRunner(a.logger)
	flutter := toolchain.NewFlutter(a.cfg, runner, a.logger)
	signer := signing.NewSigner(a.cfg, runner, a.logger)

	problems := a.cfg.Validate()
	for _, p := range problems {
		fmt.Printf("config:   PROBLEM  %s\n", p)
	}
	if len(problems) == 0 {
		fmt.Println("config:   ok")
	}

	if flutter.CheckSDK(ctx.Context) {
		fmt.Printf("flutter:  ok       %s\n", flutter.Version(ctx.Context))
		fmt.Printf("dart:     ok       %s\n", flutter.DartVersion(ctx.Context))
	} else {
		fmt.Println("flutter:  MISSING  flutter doctor failed; check flutter_root")
	}

	if flutter.CheckAndroidSDK(ctx.Context) {
		fmt.Println("android:  ok")
	} else {
		fmt.Println("android:  PROBLEM  android licenses not accepted or SDK missing")
	}

	if runner.CommandExists("keytool") {
		fmt.Println("keytool:  ok")
	} else {
		fmt.Println("keytool:  MISSING  required for keystore management")
	}

	if signer.IsConfigured() {
		fmt.Println("signing:  ok")
	} else {
		fmt.Println("signing:  off      keystore or credentials not configured")
	}

	free := fileman.AvailableSpace(a.cfg.TempDir)
	fmt.Printf("space:    %s free in %s\n", monitor.FormatFileSize(int64(free)), a.cfg.TempDir)
	return nil
}

func (a *app) sweep(ctx *cli.Context) error {
	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(a.cfg, store, nil, monitor.New(store), nil, a.logger)
	swept, err := sched.SweepStaleBuilds(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d stale build(s)\n", swept)
	return nil
}

func (a *app) purge(ctx *cli.Context) error {
	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(a.cfg, store, nil, monitor.New(store), nil, a.logger)
	purged, err := sched.PurgeOldBuilds(ctx.Context, ctx.Int("days"), ctx.Bool("keep-successful"))
	if err != nil {
		return err
	}
	fmt.Printf("purged %d build(s)\n", purged)
	return nil
}

func (a *app) keystore(ctx *cli.Context) error {
	dir := ctx.Args().First()
	if dir == "" {
		dir = "./keystores"
	}

	runner := command.NewRunner(a.logger)
	signer := signing.NewSigner(a.cfg, runner, a.logger)

	timeoutCtx, cancel := context.WithTimeout(ctx.Context, time.Minute)
	defer cancel()

	path, err := signer.CreateDebugKeystore(timeoutCtx, dir)
	if err != nil {
		return err
	}
	fmt.Printf("debug keystore at %s\n", path)
	return nil
}

// openStore connects to postgres; the maintenance commands operate on
// persisted builds, an in-memory store would always be empty here.
func (a *app) openStore() (build.Store, func(), error) {
	if a.cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("database_url must be configured for this command")
	}
	pg, err := build.NewPostgresStore(a.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}
