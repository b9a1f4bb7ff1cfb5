// Package server — HTTP-граница сервиса: роутер chi, общие middleware,
// проверка личности участника и администратора, JSON-ответы и
// сопоставление ошибок статусам. Маршруты фич подключает app.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/metrics"
)

// Options — параметры HTTP-сервера (заполняются из config.Config в app).
type Options struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxBodyBytes      int64
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// HealthFunc проверяет зависимости для /healthz.
type HealthFunc func(ctx context.Context) error

// Server — HTTP-сервер с общими middleware.
type Server struct {
	router  chi.Router
	http    *http.Server
	limiter *RateLimiter
}

// New собирает роутер: request id, паника, логирование, лимит тела,
// /healthz и /metrics. Маршруты API подключаются через Route.
func New(opts Options, m *metrics.Metrics, health HealthFunc) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateLimitRequests <= 0 || opts.RateLimitWindow <= 0 {
		opts.RateLimitRequests, opts.RateLimitWindow = 120, time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Recoverer)
	r.Use(RequestLogger(m))
	r.Use(BodyLimit(opts.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				log.WithError(err).Warn("Проверка здоровья не пройдена")
				RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", m.Handler())

	return &Server{
		router:  r,
		limiter: NewRateLimiter(opts.RateLimitRequests, opts.RateLimitWindow),
		http: &http.Server{
			Addr:         opts.Addr,
			Handler:      r,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
	}
}

// Route подключает группу маршрутов под префиксом.
func (s *Server) Route(pattern string, fn func(r chi.Router)) {
	s.router.Route(pattern, fn)
}

// Limiter — общий лимитер запросов для пользовательских маршрутов.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Handler нужен тестам (httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start слушает адрес до Shutdown. Возвращает nil при штатной остановке.
func (s *Server) Start() error {
	log.WithField("addr", s.http.Addr).Info("HTTP-сервер запущен")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ошибка HTTP-сервера: %w", err)
	}
	return nil
}

// Shutdown дожидается завершения текущих запросов (в пределах ctx).
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	return s.http.Shutdown(ctx)
}
