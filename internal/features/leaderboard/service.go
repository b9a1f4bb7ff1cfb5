// Package leaderboard — таблица лидеров по накопленным очкам.
//
// Порядок: очки по убыванию, затем кто раньше вошёл в текущий уровень,
// затем member_id. Участники с отменённым членством в таблицу не входят.
// Чтение ничего не блокирует: запрос, идущий параллельно с начислением,
// видит состояние до или после него, но всегда целиком.
package leaderboard

import (
	"context"
	"fmt"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/store"
)

// Лимиты страницы
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Position — место участника в таблице.
type Position struct {
	Rank   int           `json:"rank"`
	Member *store.Member `json:"member"`
}

// Service — чтение таблицы лидеров.
type Service struct {
	store store.Store
}

// NewService создаёт сервис таблицы лидеров.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// GetLeaderboard возвращает страницу таблицы. limit 0 — значение по умолчанию,
// больше MaxLimit — обрезается.
func (s *Service) GetLeaderboard(ctx context.Context, limit, offset int) ([]store.RankedMember, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit и offset не могут быть отрицательными", common.ErrValidation)
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	rows, err := s.store.Leaderboard(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения таблицы лидеров: %w", err)
	}
	return rows, nil
}

// GetUserRank — место участника (с 1). Нет участника или он неактивен — ErrNotFound.
func (s *Service) GetUserRank(ctx context.Context, memberID string) (int, error) {
	return s.store.Rank(ctx, memberID)
}

// GetPosition — место вместе с записью участника.
func (s *Service) GetPosition(ctx context.Context, memberID string) (*Position, error) {
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	rank, err := s.store.Rank(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return &Position{Rank: rank, Member: m}, nil
}
