// Package rewards — награды за уровни: настройка администратором,
// выдача (разблокировка) при достижении уровня и использование участником.
//
// Награды накопительные: достигнув Gold, участник сохраняет награды
// Bronze и Silver. Понижение уровня ничего не отзывает.
package rewards

import "serotonyl.ru/engagement/internal/store"

// ConfigInput — данные для создания/замены настройки награды.
type ConfigInput struct {
	CommunityID string         `json:"community_id"`
	TierName    string         `json:"tier_name"`
	Kind        string         `json:"reward_kind"`
	Title       string         `json:"title"`
	Active      *bool          `json:"active"`
	Payload     map[string]any `json:"payload"`
	OneTimeUse  bool           `json:"one_time_use"`
}

// UnlockedReward — выданная награда вместе с её настройкой.
type UnlockedReward struct {
	Config store.RewardConfig `json:"config"`
	Unlock store.RewardUnlock `json:"unlock"`
}

// AvailableReward — ещё не выданная награда.
// Eligible — уровень участника уже позволяет её получить (будет выдана при check).
type AvailableReward struct {
	Config   store.RewardConfig `json:"config"`
	Eligible bool               `json:"eligible"`
}

// MemberRewards — ответ GET /v1/rewards.
type MemberRewards struct {
	MemberID  string            `json:"member_id"`
	Tier      string            `json:"tier"`
	Unlocked  []UnlockedReward  `json:"unlocked"`
	Available []AvailableReward `json:"available"`
}
