package rewards

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/features/tiers"
	"serotonyl.ru/engagement/internal/metrics"
	"serotonyl.ru/engagement/internal/store"
)

// Service управляет наградами.
type Service struct {
	store       store.Store
	source      tiers.Source
	clock       common.Clock
	metrics     *metrics.Metrics
	communityID string
	maxTries    uint
}

// NewService создаёт сервис наград.
func NewService(st store.Store, source tiers.Source, clock common.Clock, m *metrics.Metrics, communityID string, maxTries uint) *Service {
	return &Service{
		store:       st,
		source:      source,
		clock:       clock,
		metrics:     m,
		communityID: communityID,
		maxTries:    maxTries,
	}
}

// Evaluate выдаёт участнику m все положенные по уровню награды, которых у него ещё нет.
// Работает внутри транзакции участника: вызывается из начисления очков
// и корректировок. Выдача — вставка "если нет", поэтому повторные и
// параллельные вызовы дают не больше одной записи на пару.
func Evaluate(ctx context.Context, tx store.MemberTx, def tiers.Definition, m *store.Member, now time.Time) ([]store.RewardUnlock, error) {
	configs, err := tx.ActiveRewardConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения наград: %w", err)
	}

	var unlocked []store.RewardUnlock
	for _, c := range configs {
		// Награда за неизвестный (удалённый из правил) уровень не выдаётся
		if !def.Has(c.TierName) || def.Compare(c.TierName, m.CurrentTier) > 0 {
			continue
		}

		u := store.RewardUnlock{MemberID: m.MemberID, RewardConfigID: c.ID, UnlockedAt: now}
		inserted, err := tx.InsertUnlockIfAbsent(ctx, &u)
		if err != nil {
			return nil, fmt.Errorf("ошибка выдачи награды %s: %w", c.ID, err)
		}
		if inserted {
			unlocked = append(unlocked, u)
			log.WithFields(log.Fields{
				"member_id": m.MemberID,
				"reward_id": c.ID,
				"tier":      c.TierName,
			}).Info("Награда выдана")
		}
	}
	return unlocked, nil
}

// EvaluateUnlocks проверяет и выдаёт положенные награды отдельной транзакцией.
// Возвращает только новые выдачи; повторный вызов вернёт пустой список.
func (s *Service) EvaluateUnlocks(ctx context.Context, memberID string) ([]store.RewardUnlock, error) {
	def := s.source.TierDefinition()

	unlocked, err := common.RetryTransient(ctx, s.maxTries, func() ([]store.RewardUnlock, error) {
		var out []store.RewardUnlock
		err := s.store.InMemberTx(ctx, memberID, nil, func(tx store.MemberTx) error {
			var err error
			out, err = Evaluate(ctx, tx, def, tx.Member(), s.clock.Now())
			return err
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RewardsUnlocked(len(unlocked))
	if unlocked == nil {
		unlocked = []store.RewardUnlock{}
	}
	return unlocked, nil
}

// UseReward отмечает использование выданной награды.
//
// Одноразовую награду можно использовать один раз, второй вызов — ErrAlreadyUsed.
// Многоразовая при первом использовании получает used/used_at, дальше растёт use_count.
// Нет выдачи или настройка удалена — ErrNotFound.
func (s *Service) UseReward(ctx context.Context, memberID, rewardConfigID string) (*store.RewardUnlock, error) {
	cfg, err := s.store.GetRewardConfig(ctx, rewardConfigID)
	if err != nil {
		return nil, err
	}

	used, err := common.RetryTransient(ctx, s.maxTries, func() (*store.RewardUnlock, error) {
		var out *store.RewardUnlock
		err := s.store.InMemberTx(ctx, memberID, nil, func(tx store.MemberTx) error {
			u, err := tx.GetUnlock(ctx, rewardConfigID)
			if err != nil {
				return err
			}
			if cfg.OneTimeUse && u.Used {
				return fmt.Errorf("%w: награда %s", common.ErrAlreadyUsed, rewardConfigID)
			}

			now := s.clock.Now()
			if !u.Used {
				u.Used = true
				u.UsedAt = &now
			}
			u.UseCount++
			if err := tx.SaveUnlock(ctx, u); err != nil {
				return fmt.Errorf("ошибка сохранения использования награды: %w", err)
			}
			out = u
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RewardUsed()
	log.WithFields(log.Fields{
		"member_id": memberID,
		"reward_id": rewardConfigID,
		"use_count": used.UseCount,
	}).Info("Награда использована")
	return used, nil
}

// ListForMember возвращает выданные и ещё доступные награды участника.
func (s *Service) ListForMember(ctx context.Context, memberID string) (*MemberRewards, error) {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	configs, err := s.store.ListRewardConfigs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения наград: %w", err)
	}
	unlocks, err := s.store.ListUnlocks(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения выданных наград: %w", err)
	}

	byID := make(map[string]store.RewardConfig, len(configs))
	for _, c := range configs {
		byID[c.ID] = c
	}

	def := s.source.TierDefinition()
	res := &MemberRewards{
		MemberID:  memberID,
		Tier:      m.CurrentTier,
		Unlocked:  []UnlockedReward{},
		Available: []AvailableReward{},
	}
	have := make(map[string]bool, len(unlocks))
	for _, u := range unlocks {
		// Удалённые настройки не показываем, но выдача остаётся в базе
		c, ok := byID[u.RewardConfigID]
		if !ok {
			continue
		}
		have[u.RewardConfigID] = true
		res.Unlocked = append(res.Unlocked, UnlockedReward{Config: c, Unlock: u})
	}
	for _, c := range configs {
		if have[c.ID] || !c.Active {
			continue
		}
		res.Available = append(res.Available, AvailableReward{
			Config:   c,
			Eligible: def.Has(c.TierName) && def.Compare(c.TierName, m.CurrentTier) <= 0,
		})
	}
	return res, nil
}

// ============================================================================
// Администрирование настроек
// ============================================================================

// CreateConfig создаёт настройку награды.
func (s *Service) CreateConfig(ctx context.Context, in ConfigInput) (*store.RewardConfig, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	cfg := &store.RewardConfig{
		ID:        uuid.NewString(),
		CreatedAt: now,
	}
	s.fill(cfg, in, now)

	if err := s.store.CreateRewardConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ошибка создания награды: %w", err)
	}

	log.WithFields(log.Fields{
		"reward_id": cfg.ID,
		"tier":      cfg.TierName,
		"kind":      cfg.Kind,
	}).Info("Создана награда")
	return cfg, nil
}

// UpdateConfig заменяет настройку награды целиком.
// Уже выданные награды не трогаются.
func (s *Service) UpdateConfig(ctx context.Context, id string, in ConfigInput) (*store.RewardConfig, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}
	cfg, err := s.store.GetRewardConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(cfg, in, s.clock.Now())

	if err := s.store.UpdateRewardConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("ошибка обновления награды: %w", err)
	}
	return cfg, nil
}

// DeleteConfig мягко удаляет настройку (deleted_at). Использовать её
// больше нельзя, но записи о выдаче сохраняются для аудита.
func (s *Service) DeleteConfig(ctx context.Context, id string) error {
	if err := s.store.DeleteRewardConfig(ctx, id, s.clock.Now()); err != nil {
		return err
	}
	log.WithField("reward_id", id).Info("Награда удалена")
	return nil
}

// ListConfigs — все неудалённые настройки.
func (s *Service) ListConfigs(ctx context.Context, includeInactive bool) ([]store.RewardConfig, error) {
	return s.store.ListRewardConfigs(ctx, includeInactive)
}

func (s *Service) validate(in ConfigInput) error {
	if !s.source.TierDefinition().Has(in.TierName) {
		return fmt.Errorf("%w: неизвестный уровень %q", common.ErrValidation, in.TierName)
	}
	if !slices.Contains(store.RewardKinds, in.Kind) {
		return fmt.Errorf("%w: неизвестный вид награды %q", common.ErrValidation, in.Kind)
	}
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: название награды обязательно", common.ErrValidation)
	}
	return nil
}

func (s *Service) fill(cfg *store.RewardConfig, in ConfigInput, now time.Time) {
	cfg.CommunityID = in.CommunityID
	if cfg.CommunityID == "" {
		cfg.CommunityID = s.communityID
	}
	cfg.TierName = in.TierName
	cfg.Kind = in.Kind
	cfg.Title = strings.TrimSpace(in.Title)
	cfg.Active = in.Active == nil || *in.Active
	cfg.Payload = in.Payload
	cfg.OneTimeUse = in.OneTimeUse
	cfg.UpdatedAt = now
}
