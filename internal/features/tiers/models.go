// Package tiers — уровни участников: чистый расчёт уровня по сумме очков
// и запись переходов в историю в транзакции начисления.
package tiers

import (
	"time"

	"serotonyl.ru/engagement/internal/store"
)

// Tier — уровень и его порог.
type Tier struct {
	Name      string `yaml:"name" json:"name"`
	MinPoints int64  `yaml:"min_points" json:"min_points"`
}

// Source отдаёт актуальное определение уровней.
// Реализуется снимком правил (config.RulesProvider).
type Source interface {
	TierDefinition() Definition
}

// Resolution — итог пересчёта уровня.
type Resolution struct {
	Member       *store.Member
	Transitioned bool
	Entry        *store.TierHistoryEntry
}

// Info — ответ GET /v1/tier-info.
type Info struct {
	MemberID      string                   `json:"member_id"`
	DisplayName   string                   `json:"display_name"`
	TotalPoints   int64                    `json:"total_points"`
	Tier          string                   `json:"tier"`
	TierEnteredAt time.Time                `json:"tier_entered_at"`
	NextTier      string                   `json:"next_tier,omitempty"`
	PointsToNext  int64                    `json:"points_to_next,omitempty"`
	Tiers         []Tier                   `json:"tiers"`
	History       []store.TierHistoryEntry `json:"history,omitempty"`
}
