package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/config"
	"serotonyl.ru/engagement/internal/features/ledger"
	"serotonyl.ru/engagement/internal/features/members"
	"serotonyl.ru/engagement/internal/metrics"
	"serotonyl.ru/engagement/internal/store"
)

// Options — настройки конвейера.
type Options struct {
	// Потолок повторов: запись с retry_count > MaxRetries — poison
	MaxRetries int
	// Через сколько "processing" считается брошенной
	ProcessingLease time.Duration
	// Записей за один проход повторов
	BatchSize int
	// Попыток на операцию при временной ошибке хранилища
	MaxTries uint
}

// Pipeline — конвейер входящих вебхуков.
type Pipeline struct {
	store    store.WebhookStore
	verifier *Verifier
	ledger   *ledger.Service
	members  *members.Service
	rules    *config.RulesProvider
	clock    common.Clock
	metrics  *metrics.Metrics
	opts     Options
	handlers map[string]handlerFunc
}

// NewPipeline создаёт конвейер.
func NewPipeline(
	st store.WebhookStore,
	verifier *Verifier,
	ledgerSvc *ledger.Service,
	membersSvc *members.Service,
	rules *config.RulesProvider,
	clock common.Clock,
	m *metrics.Metrics,
	opts Options,
) *Pipeline {
	if opts.ProcessingLease <= 0 {
		opts.ProcessingLease = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	p := &Pipeline{
		store:    st,
		verifier: verifier,
		ledger:   ledgerSvc,
		members:  membersSvc,
		rules:    rules,
		clock:    clock,
		metrics:  m,
		opts:     opts,
	}
	p.registerHandlers()
	return p
}

// MaxRetries — потолок повторов по умолчанию.
func (p *Pipeline) MaxRetries() int {
	return p.opts.MaxRetries
}

type claim struct {
	existing *store.WebhookEvent
	claimed  bool
}

// Ingest принимает доставку: подпись → дедупликация → обработка → итог.
//
// Ошибка возвращается только при неверной подписи (ничего не сохраняется)
// и при недоступном хранилище на этапе захвата. Ошибка обработчика
// сохраняется в записи (failed, retry_count+1) и отдаётся в Result.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte, signatureHeader, timestampHeader string) (*Result, error) {
	if err := p.verifier.Verify(raw, signatureHeader, timestampHeader); err != nil {
		p.metrics.WebhookProcessed("", "signature_invalid")
		log.WithError(err).Warn("Вебхук отклонён: подпись")
		return nil, err
	}

	// Ошибку разбора здесь не возвращаем: запись всё равно сохраняется,
	// а обработчик пометит её failed
	env, _ := parseEnvelope(raw)
	kind := ""
	if env != nil {
		kind = env.Type
	}

	now := p.clock.Now()
	rec := &store.WebhookEvent{
		DeliveryID: deliveryKey(env, raw),
		EventKind:  kind,
		Payload:    raw,
		Status:     store.WebhookProcessing,
		ReceivedAt: now,
		UpdatedAt:  now,
	}

	c, err := common.RetryTransient(ctx, p.opts.MaxTries, func() (claim, error) {
		existing, claimed, err := p.store.ClaimWebhook(ctx, rec)
		return claim{existing, claimed}, err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка записи доставки %s: %w", rec.DeliveryID, err)
	}
	if c.claimed {
		return p.process(ctx, c.existing), nil
	}

	existing := c.existing
	if existing.Status == store.WebhookSucceeded {
		p.metrics.WebhookProcessed(existing.EventKind, "duplicate")
		return storedResult(existing), nil
	}

	// failed или зависшая processing: повторная доставка считается попыткой
	staleBefore := now.Add(-p.opts.ProcessingLease)
	reclaimed, ok, err := p.store.ReclaimWebhook(ctx, existing.DeliveryID, p.opts.MaxRetries, staleBefore, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата доставки %s: %w", existing.DeliveryID, err)
	}
	if !ok {
		p.metrics.WebhookProcessed(existing.EventKind, "duplicate")
		return stateResult(existing, p.opts.MaxRetries), nil
	}
	return p.process(ctx, reclaimed), nil
}

// process обрабатывает захваченную запись и сохраняет исход.
func (p *Pipeline) process(ctx context.Context, rec *store.WebhookEvent) *Result {
	res := &Result{DeliveryID: rec.DeliveryID, Kind: rec.EventKind}
	fields := log.Fields{
		"delivery_id": rec.DeliveryID,
		"kind":        rec.EventKind,
	}

	eventIDs, ignored, err := p.dispatch(ctx, rec)

	// Исход пишем даже если запрос уже отменён, иначе запись повиснет в processing
	outcomeCtx := context.WithoutCancel(ctx)
	now := p.clock.Now()

	if err != nil {
		res.Status = store.WebhookFailed
		res.Error = err.Error()

		failed, ferr := common.RetryTransient(outcomeCtx, p.opts.MaxTries, func() (*store.WebhookEvent, error) {
			return p.store.FailWebhook(outcomeCtx, rec.DeliveryID, err.Error(), now)
		})
		if ferr != nil {
			// Запись останется processing и будет подобрана после lease
			log.WithFields(fields).WithError(ferr).Error("Не удалось сохранить ошибку вебхука")
			return res
		}

		res.RetryCount = failed.RetryCount
		p.metrics.WebhookProcessed(rec.EventKind, "failed")
		if failed.RetryCount > p.opts.MaxRetries {
			res.Poison = true
			p.metrics.WebhookPoisoned()
			log.WithFields(fields).WithField("retry_count", failed.RetryCount).
				WithError(fmt.Errorf("%w: %v", common.ErrPoisonEvent, err)).
				Error("Вебхук исчерпал лимит повторов, нужен ручной разбор")
		} else {
			log.WithFields(fields).WithField("retry_count", failed.RetryCount).
				WithError(err).Warn("Ошибка обработки вебхука, будет повтор")
		}
		return res
	}

	res.Status = store.WebhookSucceeded
	res.Ignored = ignored
	res.EventIDs = eventIDs

	body, _ := json.Marshal(res)
	if cerr := p.completeWithRetry(outcomeCtx, rec.DeliveryID, body, now); cerr != nil {
		// События журнала идемпотентны по ID: повторная обработка ничего не задвоит
		log.WithFields(fields).WithError(cerr).Error("Не удалось сохранить успех вебхука")
	}

	outcome := "succeeded"
	if ignored {
		outcome = "ignored"
	}
	p.metrics.WebhookProcessed(rec.EventKind, outcome)
	log.WithFields(fields).WithField("events", len(eventIDs)).Info("Вебхук обработан")
	return res
}

func (p *Pipeline) completeWithRetry(ctx context.Context, deliveryID string, body []byte, now time.Time) error {
	_, err := common.RetryTransient(ctx, p.opts.MaxTries, func() (struct{}, error) {
		return struct{}{}, p.store.CompleteWebhook(ctx, deliveryID, body, now)
	})
	return err
}

// dispatch разбирает конверт и вызывает обработчик типа.
// Неизвестный тип — не ошибка: запись помечается успешной с ignored.
func (p *Pipeline) dispatch(ctx context.Context, rec *store.WebhookEvent) (eventIDs []string, ignored bool, err error) {
	env, err := parseEnvelope(rec.Payload)
	if err != nil {
		return nil, false, err
	}
	h, ok := p.handlers[env.Type]
	if !ok {
		log.WithFields(log.Fields{
			"delivery_id": rec.DeliveryID,
			"kind":        env.Type,
		}).Debug("Неизвестный тип вебхука, пропускаем")
		return nil, true, nil
	}
	ids, err := h(ctx, rec.DeliveryID, env, p.rules.Current().Webhooks)
	return ids, false, err
}

// RetryFailed — проход повторов: failed с retry_count <= maxRetries и
// зависшие processing. Каждая запись захватывается атомарно, поэтому
// параллельные проходы не обрабатывают одну доставку дважды.
func (p *Pipeline) RetryFailed(ctx context.Context, maxRetries int) (*SweepResult, error) {
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries не может быть отрицательным", common.ErrValidation)
	}

	now := p.clock.Now()
	staleBefore := now.Add(-p.opts.ProcessingLease)
	rows, err := p.store.ListRetryableWebhooks(ctx, maxRetries, staleBefore, p.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки вебхуков для повтора: %w", err)
	}

	res := &SweepResult{}
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		rec, ok, err := p.store.ReclaimWebhook(ctx, row.DeliveryID, maxRetries, staleBefore, p.clock.Now())
		if err != nil {
			log.WithField("delivery_id", row.DeliveryID).WithError(err).Warn("Не удалось захватить вебхук для повтора")
			continue
		}
		if !ok {
			continue
		}

		r := p.processWithCeiling(ctx, rec, maxRetries)
		res.Retried++
		if r.Status == store.WebhookSucceeded {
			res.Succeeded++
		} else {
			res.Failed++
		}
		if r.Poison {
			res.Poisoned++
		}
	}

	if res.Retried > 0 {
		log.WithFields(log.Fields{
			"retried":   res.Retried,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"poisoned":  res.Poisoned,
		}).Info("Проход повторов вебхуков завершён")
	}
	return res, nil
}

// processWithCeiling — process с потолком, заданным вызывающим проходом.
func (p *Pipeline) processWithCeiling(ctx context.Context, rec *store.WebhookEvent, maxRetries int) *Result {
	if maxRetries == p.opts.MaxRetries {
		return p.process(ctx, rec)
	}
	cp := *p
	cp.opts.MaxRetries = maxRetries
	return cp.process(ctx, rec)
}

// ListPoison — доставки, превысившие потолок повторов.
func (p *Pipeline) ListPoison(ctx context.Context, limit int) ([]PoisonEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.store.ListPoisonWebhooks(ctx, p.opts.MaxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки poison-вебхуков: %w", err)
	}
	out := make([]PoisonEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, PoisonEntry{
			DeliveryID: r.DeliveryID,
			EventKind:  r.EventKind,
			RetryCount: r.RetryCount,
			LastError:  r.LastError,
			Payload:    string(r.Payload),
			ReceivedAt: r.ReceivedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return out, nil
}

// storedResult — сохранённый итог успешной доставки, помеченный как повтор.
func storedResult(rec *store.WebhookEvent) *Result {
	res := &Result{}
	if len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, res); err != nil {
			log.WithField("delivery_id", rec.DeliveryID).WithError(err).Warn("Повреждён сохранённый результат вебхука")
		}
	}
	res.DeliveryID = rec.DeliveryID
	res.Kind = rec.EventKind
	res.Status = store.WebhookSucceeded
	res.Duplicate = true
	return res
}

// stateResult — ответ на повтор доставки, которую сейчас нельзя обработать
// (идёт обработка или исчерпан потолок).
func stateResult(rec *store.WebhookEvent, maxRetries int) *Result {
	return &Result{
		DeliveryID: rec.DeliveryID,
		Kind:       rec.EventKind,
		Status:     rec.Status,
		Duplicate:  true,
		RetryCount: rec.RetryCount,
		Poison:     rec.Status == store.WebhookFailed && rec.RetryCount > maxRetries,
		Error:      rec.LastError,
	}
}
