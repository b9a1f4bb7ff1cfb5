// Package main — точка входа сервиса начисления очков.
// Загружает конфигурацию, инициализирует приложение и запускает.
// Поддерживает graceful shutdown по SIGINT/SIGTERM и перечитывание
// правил по SIGHUP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/app"
	"serotonyl.ru/engagement/internal/config"
)

// Сколько ждём завершения текущих запросов при остановке
const shutdownTimeout = 15 * time.Second

func main() {
	setupLogging()

	log.Info("=== Сервис запускается ===")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Не удалось загрузить конфигурацию")
	}

	// Устанавливаем уровень логирования из конфига
	level, err := log.ParseLevel(cfg.AppLogLevel)
	if err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Не удалось инициализировать приложение")
	}

	if application.Scheduler != nil {
		if err := application.Scheduler.Start(ctx); err != nil {
			log.WithError(err).Fatal("Не удалось запустить планировщик")
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- application.Server.Start()
	}()

	// Обрабатываем сигналы остановки (Ctrl+C, docker stop) и SIGHUP
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	log.Info("=== Сервис готов к работе ===")

wait:
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if !cfg.FeatureRulesReloadEnabled {
					log.Warn("SIGHUP проигнорирован: перезагрузка правил выключена")
					continue
				}
				if err := application.ReloadRules(); err != nil {
					log.WithError(err).Error("Ошибка перезагрузки правил")
				}
				continue
			}
			log.Infof("Получен сигнал %s, останавливаемся...", sig)
			break wait
		case err := <-serverErr:
			if err != nil {
				log.WithError(err).Error("HTTP-сервер остановился с ошибкой")
			}
			break wait
		}
	}

	// Отменяем контекст — фоновые задачи начнут завершаться
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if err := application.Server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP-сервер остановлен не чисто")
	}
	if application.Scheduler != nil {
		application.Scheduler.Stop()
	}
	if err := application.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Ошибка освобождения ресурсов")
	}

	log.Info("=== Сервис остановлен ===")
}

// setupLogging настраивает формат логов.
func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.DebugLevel)
}
