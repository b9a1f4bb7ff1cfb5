package tiers

import (
	"context"
	"fmt"

	"serotonyl.ru/engagement/internal/store"
)

// Сколько записей истории отдаём максимум
const historyLimit = 100

// Service — чтение уровня участника.
type Service struct {
	store  store.Store
	source Source
}

// NewService создаёт сервис уровней.
func NewService(st store.Store, source Source) *Service {
	return &Service{store: st, source: source}
}

// Info возвращает текущий уровень участника, следующий уровень и,
// по запросу, историю переходов (новые сверху).
func (s *Service) Info(ctx context.Context, memberID string, includeHistory bool) (*Info, error) {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения участника %s: %w", memberID, err)
	}

	def := s.source.TierDefinition()
	info := &Info{
		MemberID:      m.MemberID,
		DisplayName:   m.DisplayName,
		TotalPoints:   m.TotalPoints,
		Tier:          m.CurrentTier,
		TierEnteredAt: m.TierEnteredAt,
		Tiers:         def.Tiers(),
	}
	if next, ok := def.Next(m.CurrentTier); ok {
		info.NextTier = next.Name
		info.PointsToNext = max(next.MinPoints-m.TotalPoints, 0)
	}

	if includeHistory {
		info.History, err = s.store.ListTierHistory(ctx, memberID, historyLimit)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения истории уровней: %w", err)
		}
	}
	return info, nil
}
