// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание прохода повторов вебхуков.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/features/webhooks"
)

// Sweeper — то, что умеет повторять упавшие доставки.
type Sweeper interface {
	RetryFailed(ctx context.Context, maxRetries int) (*webhooks.SweepResult, error)
	MaxRetries() int
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	timeout  time.Duration
}

// NewScheduler создаёт планировщик в часовом поясе timezone.
// Проход не запускается, пока не закончился предыдущий.
func NewScheduler(sweeper Sweeper, schedule, timezone string, timeout time.Duration) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("некорректное расписание %q: %w", schedule, err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.WithError(err).Warnf("Не удалось загрузить %s, используем UTC", timezone)
		loc = time.UTC
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		timeout:  timeout,
	}, nil
}

// Start запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() { s.runSweep(ctx) })
	if err != nil {
		return fmt.Errorf("ошибка регистрации прохода повторов: %w", err)
	}

	s.cron.Start()
	log.WithField("schedule", s.schedule).Info("Планировщик задач запущен")
	return nil
}

func (s *Scheduler) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log.Debug("[CRON] Проход повторов вебхуков")
	res, err := s.sweeper.RetryFailed(ctx, s.sweeper.MaxRetries())
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка прохода повторов")
		return
	}
	if res.Poisoned > 0 {
		log.WithField("poisoned", res.Poisoned).Warn("[CRON] Есть вебхуки, исчерпавшие повторы")
	}
}

// Stop останавливает планировщик и ждёт текущий проход.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}
