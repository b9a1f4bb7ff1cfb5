package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/config"
	"serotonyl.ru/engagement/internal/features/rewards"
	"serotonyl.ru/engagement/internal/features/tiers"
	"serotonyl.ru/engagement/internal/metrics"
	"serotonyl.ru/engagement/internal/store"
)

// Лимиты выдачи журнала
const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

// Options — настройки журнала.
type Options struct {
	// config.AdjustmentFloor или config.AdjustmentReject
	NegativePolicy string
	// Попыток на операцию при временной ошибке хранилища
	MaxTries uint
}

// Service — журнал очков.
type Service struct {
	store   store.Store
	rules   *config.RulesProvider
	clock   common.Clock
	metrics *metrics.Metrics
	opts    Options
}

// NewService создаёт сервис журнала.
func NewService(st store.Store, rules *config.RulesProvider, clock common.Clock, m *metrics.Metrics, opts Options) *Service {
	if opts.NegativePolicy == "" {
		opts.NegativePolicy = config.AdjustmentFloor
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	return &Service{store: st, rules: rules, clock: clock, metrics: m, opts: opts}
}

// AppendEvent записывает событие активности и начисляет очки.
//
// Одной транзакцией участника: событие, новая сумма, время активности,
// смена уровня, выдача наград. Участник создаётся при первом событии.
// Повтор event_id ничего не меняет и возвращает текущее состояние.
//
// Превышение лимита частоты: событие сохраняется со статусом rate_limited
// и нулевой дельтой, сумма не меняется, возвращается Outcome вместе с ErrRateLimited.
func (s *Service) AppendEvent(ctx context.Context, act Activity) (*Outcome, error) {
	rules := s.rules.Current()

	points, err := scorePoints(rules, act)
	if err != nil {
		return nil, err
	}
	if act.EventID == "" {
		act.EventID = uuid.NewString()
	}

	var limited bool
	out, err := common.RetryTransient(ctx, s.opts.MaxTries, func() (*Outcome, error) {
		var o *Outcome
		var err error
		o, limited, err = s.appendOnce(ctx, rules, act, points)
		return o, err
	})
	if err != nil {
		log.WithFields(log.Fields{
			"member_id": act.MemberID,
			"kind":      act.Kind,
			"event_id":  act.EventID,
		}).WithError(err).Warn("Событие не записано")
		return nil, err
	}

	s.observe(rules.Tiers, out)
	if limited {
		return out, fmt.Errorf("%w: %s для участника %s", common.ErrRateLimited, act.Kind, act.MemberID)
	}
	return out, nil
}

func (s *Service) appendOnce(ctx context.Context, rules *config.Rules, act Activity, points int64) (*Outcome, bool, error) {
	now := s.clock.Now()
	policy := rules.Activities[act.Kind]
	seed := &store.MemberSeed{DisplayName: act.DisplayName, Tier: rules.Tiers.Lowest(), Now: now}

	var out *Outcome
	var limited bool
	err := s.store.InMemberTx(ctx, act.MemberID, seed, func(tx store.MemberTx) error {
		m := tx.Member()
		out = &Outcome{Member: m}

		if policy.MaxPerWindow > 0 {
			n, err := tx.CountScoredEvents(ctx, act.Kind, now.Add(-policy.Window))
			if err != nil {
				return fmt.Errorf("ошибка подсчёта событий: %w", err)
			}
			limited = n >= policy.MaxPerWindow
		}

		ev := &store.Event{
			EventID:         act.EventID,
			MemberID:        act.MemberID,
			ActivityKind:    act.Kind,
			RequestedPoints: points,
			Points:          points,
			Status:          store.EventScored,
			Metadata:        maps.Clone(act.Metadata),
			CreatedAt:       now,
		}
		if limited {
			ev.Points = 0
			ev.Status = store.EventRateLimited
		}

		inserted, err := tx.InsertEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("ошибка записи события: %w", err)
		}
		if !inserted {
			out.Duplicate = true
			limited = false
			return nil
		}
		out.Event = ev

		if act.DisplayName != "" && act.DisplayName != m.DisplayName {
			m.DisplayName = act.DisplayName
		}
		if !limited {
			m.TotalPoints += ev.Points
			m.LastActivityAt = &now
			if err := s.settle(ctx, tx, rules.Tiers, m, now, out); err != nil {
				return err
			}
		}
		m.UpdatedAt = now
		return tx.SaveMember(ctx, m)
	})
	return out, limited, err
}

// settle пересчитывает уровень и выдаёт награды в транзакции участника.
func (s *Service) settle(ctx context.Context, tx store.MemberTx, def tiers.Definition, m *store.Member, now time.Time, out *Outcome) error {
	res, err := tiers.Apply(ctx, tx, def, m, now)
	if err != nil {
		return err
	}
	if res.Transitioned {
		out.Transition = res.Entry
	}

	unlocked, err := rewards.Evaluate(ctx, tx, def, m, now)
	if err != nil {
		return err
	}
	out.Unlocked = unlocked
	return nil
}

// observe пишет метрики и лог по итогам успешной операции.
func (s *Service) observe(def tiers.Definition, out *Outcome) {
	if out.Duplicate || out.Event == nil {
		return
	}
	s.metrics.EventRecorded(out.Event.ActivityKind, out.Event.Status, out.Event.Points)
	if out.Transition != nil {
		s.metrics.TierChanged(out.Transition.NewTier, def.Compare(out.Transition.NewTier, out.Transition.PreviousTier) > 0)
	}
	s.metrics.RewardsUnlocked(len(out.Unlocked))

	log.WithFields(log.Fields{
		"member_id": out.Member.MemberID,
		"kind":      out.Event.ActivityKind,
		"status":    out.Event.Status,
		"points":    out.Event.Points,
		"total":     out.Member.TotalPoints,
		"tier":      out.Member.CurrentTier,
	}).Debug("Событие записано")
}

// Recompute приводит уровень и награды участника к текущим правилам
// (например, после смены порогов). Сумма очков не меняется.
func (s *Service) Recompute(ctx context.Context, memberID string) (*Outcome, error) {
	def := s.rules.Current().Tiers

	out, err := common.RetryTransient(ctx, s.opts.MaxTries, func() (*Outcome, error) {
		var out *Outcome
		err := s.store.InMemberTx(ctx, memberID, nil, func(tx store.MemberTx) error {
			now := s.clock.Now()
			m := tx.Member()
			out = &Outcome{Member: m}
			if err := s.settle(ctx, tx, def, m, now, out); err != nil {
				return err
			}
			if out.Transition == nil {
				return nil
			}
			m.UpdatedAt = now
			return tx.SaveMember(ctx, m)
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	if out.Transition != nil {
		s.metrics.TierChanged(out.Transition.NewTier, def.Compare(out.Transition.NewTier, out.Transition.PreviousTier) > 0)
	}
	s.metrics.RewardsUnlocked(len(out.Unlocked))
	return out, nil
}

// ListEvents возвращает журнал участника, новые сверху.
func (s *Service) ListEvents(ctx context.Context, memberID string, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	limit = min(limit, maxEventsLimit)

	if _, err := s.store.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, memberID, limit)
}

// Reconcile сверяет сохранённую сумму участника с суммой дельт в журнале.
// Расхождение логируется как ошибка: его не должно быть никогда.
func (s *Service) Reconcile(ctx context.Context, memberID string) (*ReconcileReport, error) {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	sum, err := s.store.SumEventPoints(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта журнала: %w", err)
	}

	rep := &ReconcileReport{
		MemberID:    memberID,
		StoredTotal: m.TotalPoints,
		LedgerTotal: sum,
		Consistent:  m.TotalPoints == sum,
	}
	if !rep.Consistent {
		log.WithFields(log.Fields{
			"member_id": memberID,
			"stored":    m.TotalPoints,
			"ledger":    sum,
		}).Error("Сумма участника расходится с журналом")
	}
	return rep, nil
}

// IsRateLimited — удобная проверка для вызывающих, которым лимит не ошибка.
func IsRateLimited(err error) bool {
	return errors.Is(err, common.ErrRateLimited)
}
