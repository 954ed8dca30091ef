package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/conn-runtime/config"
	"github.com/webitel/conn-runtime/infra/provider/wsnet"
	"github.com/webitel/conn-runtime/internal/adapter/pubsub"
	"github.com/webitel/conn-runtime/internal/conn"
	"github.com/webitel/conn-runtime/internal/handler"
	"github.com/webitel/conn-runtime/internal/provider"
	"github.com/webitel/conn-runtime/internal/service"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			NewLogger,
			NewTransportWorker,
			NewEngine,
			NewRouter,
		),
		pubsub.Module,
		service.Module,
		handler.Module,
		fx.Invoke(
			registerConsumers,
			runEngine,
		),
	)
}

// NewLogger builds the process logger with a hot-reloadable level.
func NewLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(cfg.Log.SlogLevel())
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	if err := config.WatchLevel(cfg.Path, lvl, logger); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}
	return logger, lvl
}

// NewTransportWorker builds the websocket transport worker.
func NewTransportWorker(cfg *config.Config, logger *slog.Logger) (provider.Worker, error) {
	pctx, err := wsnet.NewContext(provider.ContextParams{
		Features:    provider.FeatureTag | provider.FeatureStream,
		RequestInit: conn.RequestInit,
	},
		wsnet.WithLogger(logger),
		wsnet.WithUpgradePath(cfg.Server.UpgradePath),
	)
	if err != nil {
		return nil, err
	}
	return pctx.WorkerCreate()
}

func NewEngine(w provider.Worker, h conn.Handler, cfg *config.Config, logger *slog.Logger) *conn.Engine {
	return conn.New(w, h, conn.Config{
		ConnectTimeout: cfg.Runtime.ConnectTimeout,
		IOMsgBufSize:   cfg.Runtime.IOMsgBufSize,
	}, logger)
}

// NewRouter initializes the watermill router and manages its lifecycle via
// Uber Fx.
func NewRouter(lc fx.Lifecycle, logger *slog.Logger) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					logger.Error("watermill router run error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return router.Close()
		},
	})
	return router, nil
}

// registerConsumers subscribes the logging consumers to the dispatcher's
// topics.
func registerConsumers(router *message.Router, disp pubsub.Dispatcher, logger *slog.Logger) {
	consume := func(name, topic string) {
		router.AddNoPublisherHandler(name, topic, disp.Subscriber(), func(msg *message.Message) error {
			var ev pubsub.Inbound
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logger.Warn("malformed event", "topic", topic, "error", err)
				return nil
			}
			logger.Info("event consumed",
				"topic", topic,
				"conn_id", ev.ConnID,
				"remote_conn_id", ev.RemoteID,
				"sn", ev.Seq,
				"len", len(ev.Payload),
			)
			return nil
		})
	}
	consume("data_logger", pubsub.TopicData)
	consume("control_logger", pubsub.TopicControl)
}

// runEngine drives the progress loop for the server's engine.
func runEngine(lc fx.Lifecycle, eng *conn.Engine, w provider.Worker, cfg *config.Config, logger *slog.Logger) {
	stop := make(chan struct{})
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := eng.Listen(cfg.Server.ListenAddr); err != nil {
				return err
			}
			go func() {
				defer close(done)
				for {
					select {
					case <-stop:
						return
					default:
						eng.Progress()
						time.Sleep(cfg.Runtime.ProgressInterval)
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			<-done
			eng.Close()
			for i := 0; i < 128 && eng.Stats().Conns > 0; i++ {
				eng.Progress()
				time.Sleep(cfg.Runtime.ProgressInterval)
			}
			w.Destroy()
			logger.Info("engine stopped", "ticks", eng.Stats().Tick)
			return nil
		},
	})
}
