package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/urfave/cli"

	"background-fetch-service/internal/config"
	"background-fetch-service/internal/fetch-manager/api"
	"background-fetch-service/internal/fetch-manager/health"
	"background-fetch-service/internal/fetch-manager/services"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		stdlog.Fatalf("fetch-scheduler: %v", err)
	}
}

func newCLI() *cli.App {
	cfg := config.Default()
	app := cli.NewApp()
	app.Name = "fetch-scheduler"
	app.HelpName = "fetch-scheduler"
	app.Usage = "runs registered background fetch tasks when the host wakes the process"
	app.UsageText = "fetch-scheduler <command> [arguments...]"
	app.Flags = config.Flags(&cfg)
	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "serve the HTTP API and drive periodic wakes",
			Action: func(c *cli.Context) error {
				return serve(cfg)
			},
		},
		{
			Name:  "run-once",
			Usage: "boot, run a single wake cycle and print its report",
			Action: func(c *cli.Context) error {
				setupLogging(cfg)
				_, err := runOnce(context.Background(), cfg, os.Stdout)
				return err
			},
		},
	}
	return app
}

func setupLogging(cfg config.Config) {
	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(cfg.HlogLevel())
}

func serve(cfg config.Config) error {
	setupLogging(cfg)
	hlog.Info("Background fetch scheduler starting...")

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	app, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	if n, err := app.fetch.Boot(appCtx); err != nil {
		hlog.Warnf("Boot finished with storage errors, continuing on defaults: %v", err)
	} else {
		hlog.Infof("Boot rehydrated %d tasks", n)
	}

	if app.history != nil {
		app.history.StartConsuming(appCtx)
	}

	wakes, err := services.NewSchedulerService(appCtx, app.fetch, cfg.WakeInterval, cfg.CycleBudget)
	if err != nil {
		app.Close()
		return err
	}
	if err := wakes.Start(); err != nil {
		app.Close()
		return err
	}

	var healthServer *health.Server
	if cfg.GRPCAddr != "" {
		healthServer = health.NewServer(app.fetch)
		go func() {
			if err := healthServer.Serve(cfg.GRPCAddr); err != nil {
				hlog.Errorf("gRPC health server stopped: %v", err)
			}
		}()
	}

	h := server.Default(server.WithHostPorts(cfg.ServerAddr), server.WithExitWaitTime(5*time.Second))
	api.Register(h,
		api.NewTaskHandler(app.fetch, app.historyReader(), wakes),
		api.NewDeviceHandler(app.fetch, cfg.CycleBudget),
	)

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		appCancel()

		shutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpShutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		} else {
			hlog.Info("Hertz server gracefully stopped.")
		}
		if healthServer != nil {
			healthServer.Stop()
			hlog.Info("gRPC health server stopped.")
		}
	}()

	hlog.Infof("Background fetch scheduler fully initialized and starting Hertz server on %s...", cfg.ServerAddr)
	h.Spin()

	// Spin returns once the server is shut down; stop wakes and flush records last.
	wakes.Stop()
	app.Close()
	hlog.Info("Background fetch scheduler has been shut down.")
	return nil
}
