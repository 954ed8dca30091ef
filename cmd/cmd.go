package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/webitel/conn-runtime/config"
	"github.com/webitel/conn-runtime/internal/conn"
	"github.com/webitel/conn-runtime/internal/service"
)

const (
	ServiceName      = "conn-runtime"
	ServiceNamespace = "webitel"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Connection-oriented messaging runtime for Webitel platform",
		Commands: []*cli.Command{
			serverCmd(),
			clientCmd(),
		},
	}

	return app.Run(os.Args)
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "config_file",
		Usage: "Path to the configuration file",
	}
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the messaging server",
		Flags:   []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}

func clientCmd() *cli.Command {
	return &cli.Command{
		Name:    "client",
		Aliases: []string{"c"},
		Usage:   "Run the demo client against a server",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "target",
				Usage: "Override the server address",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			if target := c.String("target"); target != "" {
				cfg.Client.Target = target
			}

			logger, _ := NewLogger(cfg)
			client := service.NewClient(logger, service.ClientConfig{
				Target:           cfg.Client.Target,
				Sessions:         cfg.Client.Sessions,
				Messages:         cfg.Client.Messages,
				PayloadSize:      cfg.Client.PayloadSize,
				ConnectTimeout:   cfg.Runtime.ConnectTimeout,
				ProgressInterval: cfg.Runtime.ProgressInterval,
			}, clientEngineFactory(cfg, logger))

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := client.Run(ctx); err != nil {
				return fmt.Errorf("client: %w", err)
			}
			logger.Info("client finished", "sessions", cfg.Client.Sessions, "messages", cfg.Client.Messages)
			return nil
		},
	}
}

// clientEngineFactory builds one engine per session, each over its own
// transport worker.
func clientEngineFactory(cfg *config.Config, logger *slog.Logger) service.EngineFactory {
	return func(h conn.Handler) (*conn.Engine, func(), error) {
		w, err := NewTransportWorker(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		eng := conn.New(w, h, conn.Config{
			ConnectTimeout: cfg.Runtime.ConnectTimeout,
			IOMsgBufSize:   cfg.Runtime.IOMsgBufSize,
		}, logger)
		teardown := func() {
			eng.Close()
			for i := 0; i < 64 && eng.Stats().Conns > 0; i++ {
				eng.Progress()
				time.Sleep(cfg.Runtime.ProgressInterval)
			}
			w.Destroy()
		}
		return eng, teardown, nil
	}
}
