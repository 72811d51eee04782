package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/internal/engine"
	"github.com/skalibog/macross/internal/exchange"
	"github.com/skalibog/macross/internal/health"
	"github.com/skalibog/macross/internal/notify"
	"github.com/skalibog/macross/internal/position"
	"github.com/skalibog/macross/internal/state"
	"github.com/skalibog/macross/internal/storage"
	"github.com/skalibog/macross/internal/strategy"
	"github.com/skalibog/macross/pkg/logger"
	"github.com/skalibog/macross/pkg/tracing"
)

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Файл конфигурации не найден: %s\n", *configPath)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.System.LogLevel,
		File:     cfg.System.LogFile,
		JSONFile: cfg.System.LogJSONFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	app := fx.New(
		fx.Supply(cfg),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.GetLogger()}
		}),
		fx.Provide(
			newStorage,
			newNotifier,
			newExchange,
			newStrategy,
			newEngine,
			health.NewState,
		),
		statusServer(cfg),
		fx.Invoke(initTracing, runEngine),
	)
	app.Run()
}

func initTracing(lc fx.Lifecycle, cfg *config.Config) error {
	closer, err := tracing.InitTracer(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Host:        cfg.Tracing.Host,
		Port:        cfg.Tracing.Port,
	})
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		closer()
		return nil
	}})
	return nil
}

func newStorage(lc fx.Lifecycle, cfg *config.Config) (storage.Storage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации хранилища: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		store.Close()
		return nil
	}})
	return store, nil
}

func newNotifier(cfg *config.Config) notify.Notifier {
	n, err := notify.New(cfg.Notify)
	if err != nil {
		logger.Warn("Telegram недоступен, уведомления пишутся в лог", zap.Error(err))
		return notify.Log{}
	}
	return n
}

func newExchange(cfg *config.Config) (exchange.Exchange, error) {
	return exchange.New(cfg)
}

func newStrategy(cfg *config.Config) (strategy.Strategy, error) {
	return strategy.New(cfg.Strategy)
}

type engineParams struct {
	fx.In

	Config   *config.Config
	Exchange exchange.Exchange
	Strategy strategy.Strategy
	Storage  storage.Storage
	Notifier notify.Notifier
}

func newEngine(p engineParams) (*engine.Engine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return engine.New(ctx, engine.Deps{
		Config:   p.Config,
		Exchange: p.Exchange,
		Strategy: p.Strategy,
		Storage:  p.Storage,
		Notifier: p.Notifier,
		State:    state.NewStore(p.Config.System.StateFile),
	})
}

// statusServer HTTP статус поднимается только при заданном адресе
func statusServer(cfg *config.Config) fx.Option {
	if cfg.System.StatusAddr == "" {
		return fx.Options()
	}
	return fx.Options(
		fx.Supply(health.Config{Addr: cfg.System.StatusAddr, Stale: 3 * cfg.LoopInterval()}),
		fx.Provide(func(e *engine.Engine) health.Source { return e }),
		health.Module(),
	)
}

func runEngine(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, e *engine.Engine, n notify.Notifier, ready *health.State) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	mode := "торговля"
	if !cfg.Trading.Enabled {
		mode = "сухой прогон"
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := e.Setup(ctx); err != nil {
				return fmt.Errorf("ошибка подготовки биржи: %w", err)
			}
			ready.SetReady(true)

			msg := fmt.Sprintf("macross запущен: %s, %d символов, стратегия %s, %s",
				cfg.Exchange.ID, len(cfg.Trading.Symbols), cfg.Strategy.Type, mode)
			logger.Info(msg)
			if err := n.Notify(ctx, msg); err != nil {
				logger.Warn("Уведомление о старте не отправлено", zap.Error(err))
			}

			go func() {
				defer close(done)
				err := e.Run(runCtx)
				if err == nil {
					return
				}
				ready.SetReady(false)
				code := 1
				if errors.Is(err, position.ErrInvariantViolation) {
					code = 2
				}
				logger.Error("Цикл решений остановлен", zap.Error(err), zap.Int("exit_code", code))
				_ = n.Notify(context.Background(), "macross остановлен с ошибкой: "+err.Error())
				_ = sd.Shutdown(fx.ExitCode(code))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ready.SetReady(false)
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				logger.Warn("Тик не завершился до остановки")
			}
			e.Close()
			if err := n.Notify(ctx, "macross остановлен"); err != nil {
				logger.Warn("Уведомление об остановке не отправлено", zap.Error(err))
			}
			logger.Info("Завершение работы")
			return nil
		},
	})
}
