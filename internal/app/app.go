// Package app инициализирует все компоненты приложения.
// app.go — точка сборки: создаёт хранилище, сервисы, обработчики,
// маршруты и планировщик, и собирает всё в один объект App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/config"
	"serotonyl.ru/engagement/internal/db/postgres"
	"serotonyl.ru/engagement/internal/features/leaderboard"
	"serotonyl.ru/engagement/internal/features/ledger"
	"serotonyl.ru/engagement/internal/features/members"
	"serotonyl.ru/engagement/internal/features/rewards"
	"serotonyl.ru/engagement/internal/features/tiers"
	"serotonyl.ru/engagement/internal/features/webhooks"
	"serotonyl.ru/engagement/internal/jobs"
	"serotonyl.ru/engagement/internal/metrics"
	"serotonyl.ru/engagement/internal/server"
	"serotonyl.ru/engagement/internal/store"
	"serotonyl.ru/engagement/internal/telemetry"
)

// App содержит все компоненты приложения.
type App struct {
	Server    *server.Server
	Scheduler *jobs.Scheduler // nil, если проход повторов выключен
	Rules     *config.RulesProvider
	Store     store.Store
	Pipeline  *webhooks.Pipeline
	Metrics   *metrics.Metrics

	pool            *pgxpool.Pool
	tracingShutdown func(context.Context) error
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// === 1. Трейсинг ===
	shutdown, err := telemetry.Setup(ctx, cfg.OtelEndpoint, cfg.OtelServiceName, cfg.AppEnv)
	if err != nil {
		return nil, fmt.Errorf("ошибка настройки трейсинга: %w", err)
	}

	// === 2. Правила начисления ===
	rules, err := config.NewRulesProvider(cfg.RulesFile)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("ошибка загрузки правил: %w", err)
	}

	// === 3. Хранилище ===
	var (
		st     store.Store
		pool   *pgxpool.Pool
		health server.HealthFunc
	)
	switch cfg.StorageDriver {
	case config.StorageMemory:
		log.Warn("STORAGE_DRIVER=memory: данные не переживут перезапуск")
		st = store.NewMemory()
	default:
		pool, err = postgres.NewPool(ctx, cfg)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
		}
		if err := postgres.RunMigrations(ctx, pool, migrations); err != nil {
			pool.Close()
			_ = shutdown(ctx)
			return nil, fmt.Errorf("ошибка миграций: %w", err)
		}
		pgStore := postgres.New(pool, cfg.StorageTimeout)
		st = pgStore
		health = pgStore.Ping
	}

	a, err := Assemble(cfg, st, rules, common.SystemClock{}, health)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		_ = shutdown(ctx)
		return nil, err
	}
	a.pool = pool
	a.tracingShutdown = shutdown
	return a, nil
}

// Assemble собирает сервисы и маршруты вокруг готового хранилища.
// Тесты вызывают её напрямую с store.Memory и ручными часами.
func Assemble(cfg *config.Config, st store.Store, rules *config.RulesProvider, clock common.Clock, health server.HealthFunc) (*App, error) {
	m := metrics.New()

	// === Сервисы ===
	ledgerService := ledger.NewService(st, rules, clock, m, ledger.Options{
		NegativePolicy: cfg.AdjustmentNegativePolicy,
		MaxTries:       cfg.StorageMaxTries,
	})
	tierService := tiers.NewService(st, rules)
	rewardService := rewards.NewService(st, rules, clock, m, cfg.CommunityID, cfg.StorageMaxTries)
	memberService := members.NewService(st, rules, clock, cfg.StorageMaxTries)
	leaderboardService := leaderboard.NewService(st)
	pipeline := webhooks.NewPipeline(
		st,
		webhooks.NewVerifier(cfg.WebhookSecrets, cfg.WebhookTolerance, clock),
		ledgerService, memberService, rules, clock, m,
		webhooks.Options{
			MaxRetries:      cfg.WebhookMaxRetries,
			ProcessingLease: cfg.WebhookProcessingLease,
			BatchSize:       cfg.WebhookRetryBatch,
			MaxTries:        cfg.StorageMaxTries,
		},
	)

	// === Обработчики ===
	ledgerHandler := ledger.NewHandler(ledgerService)
	tierHandler := tiers.NewHandler(tierService)
	rewardHandler := rewards.NewHandler(rewardService)
	memberHandler := members.NewHandler(memberService)
	leaderboardHandler := leaderboard.NewHandler(leaderboardService)
	webhookHandler := webhooks.NewHandler(pipeline)
	gate := server.NewAdminGate(cfg.AdminKeyHash, clock)

	// === Маршруты ===
	srv := server.New(server.Options{
		Addr:              cfg.HTTPAddr,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		MaxBodyBytes:      cfg.HTTPMaxBodyBytes,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, m, health)

	srv.Route("/v1", func(r chi.Router) {
		// Вебхуки аутентифицируются подписью и не попадают под лимитер:
		// отправитель сам повторяет доставку
		if cfg.FeatureWebhooksEnabled {
			webhookHandler.Routes(r)
		}

		r.Group(func(r chi.Router) {
			r.Use(server.Identify)
			r.Use(srv.Limiter().Middleware)

			// Таблица лидеров и уровни доступны и без личности
			leaderboardHandler.Routes(r)
			tierHandler.Routes(r)

			r.Group(func(r chi.Router) {
				r.Use(server.RequireMember)
				ledgerHandler.Routes(r)
				rewardHandler.Routes(r)
				memberHandler.Routes(r)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(gate.Require)
				ledgerHandler.AdminRoutes(r)
				rewardHandler.AdminRoutes(r)
				webhookHandler.AdminRoutes(r)
			})
		})
	})

	// === Планировщик ===
	var scheduler *jobs.Scheduler
	if cfg.FeatureRetrySweepEnabled {
		var err error
		scheduler, err = jobs.NewScheduler(pipeline, cfg.WebhookRetrySchedule, cfg.AppTimezone, cfg.WebhookProcessingLease)
		if err != nil {
			return nil, fmt.Errorf("ошибка создания планировщика: %w", err)
		}
	}

	return &App{
		Server:          srv,
		Scheduler:       scheduler,
		Rules:           rules,
		Store:           st,
		Pipeline:        pipeline,
		Metrics:         m,
		tracingShutdown: func(context.Context) error { return nil },
	}, nil
}

// Handler — корневой HTTP-обработчик (для тестов).
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// ReloadRules перечитывает файл правил. При ошибке остаются старые правила.
func (a *App) ReloadRules() error {
	if err := a.Rules.Reload(); err != nil {
		return fmt.Errorf("правила не перезагружены: %w", err)
	}
	return nil
}

// Close освобождает ресурсы: пул БД и экспортёр трейсов.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.tracingShutdown != nil {
		if err := a.tracingShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("трейсинг: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
