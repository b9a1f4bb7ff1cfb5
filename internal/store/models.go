// Package store описывает постоянное состояние движка: участников, журнал
// событий, историю уровней, награды и входящие вебхуки.
// Здесь только модели и интерфейсы; реализации — Memory (тот же пакет)
// и Postgres (internal/db/postgres).
package store

import (
	"encoding/json"
	"time"
)

// Типы активности. Набор закрытый: всё, что не в списке, отклоняется.
const (
	KindChatMessage      = "chat-message"
	KindForumPost        = "forum-post"
	KindForumReply       = "forum-reply"
	KindCourseProgress   = "course-progress"
	KindCourseCompletion = "course-completion"
	KindWebhookDerived   = "external-webhook-derived"
	KindManualAdjustment = "manual-adjustment"
)

// ActivityKinds — типы, которые можно присылать через API и правила.
// Ручная корректировка сюда не входит: у неё свой путь.
var ActivityKinds = []string{
	KindChatMessage,
	KindForumPost,
	KindForumReply,
	KindCourseProgress,
	KindCourseCompletion,
	KindWebhookDerived,
}

// Статусы события в журнале
const (
	// EventScored — событие принято, очки начислены
	EventScored = "scored"
	// EventRateLimited — событие сохранено для аудита, дельта 0
	EventRateLimited = "rate_limited"
	// EventAdjustment — ручная корректировка администратора
	EventAdjustment = "adjustment"
)

// Статусы участника
const (
	MembershipActive    = "active"
	MembershipCancelled = "cancelled"
)

// Member — накопительная запись участника.
// TotalPoints всегда равна сумме Points его событий.
type Member struct {
	MemberID         string     `json:"member_id"`
	DisplayName      string     `json:"display_name"`
	TotalPoints      int64      `json:"total_points"`
	CurrentTier      string     `json:"current_tier"`
	TierEnteredAt    time.Time  `json:"tier_entered_at"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	MembershipStatus string     `json:"membership_status"`
	// Время события, последним сменившего статус членства и имя
	// (вебхуки вне порядка не откатывают их назад)
	MembershipChangedAt *time.Time `json:"membership_changed_at,omitempty"`
	ProfileChangedAt    *time.Time `json:"profile_changed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// MemberSeed — начальные значения для участника, которого ещё нет.
type MemberSeed struct {
	DisplayName string
	Tier        string
	Now         time.Time
}

// Event — одна запись журнала. После записи не меняется.
type Event struct {
	EventID         string         `json:"event_id"`
	MemberID        string         `json:"member_id"`
	ActivityKind    string         `json:"activity_kind"`
	RequestedPoints int64          `json:"requested_points"`
	Points          int64          `json:"points"`
	Status          string         `json:"status"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	// Только для manual-adjustment
	AdminID       string `json:"admin_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	PreviousTotal *int64 `json:"previous_total,omitempty"`
	NewTotal      *int64 `json:"new_total,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TierHistoryEntry — запись о переходе между уровнями.
type TierHistoryEntry struct {
	ID           int64     `json:"id"`
	MemberID     string    `json:"member_id"`
	PreviousTier string    `json:"previous_tier"`
	NewTier      string    `json:"new_tier"`
	Points       int64     `json:"points"`
	CreatedAt    time.Time `json:"created_at"`
}

// Виды наград
const (
	RewardDiscount = "discount"
	RewardAccess   = "access"
	RewardContent  = "content"
	RewardSupport  = "support"
	RewardCustom   = "custom"
)

// RewardKinds — допустимые виды наград.
var RewardKinds = []string{RewardDiscount, RewardAccess, RewardContent, RewardSupport, RewardCustom}

// RewardConfig — настройка награды, привязанной к уровню.
type RewardConfig struct {
	ID          string         `json:"id"`
	CommunityID string         `json:"community_id"`
	TierName    string         `json:"tier_name"`
	Kind        string         `json:"reward_kind"`
	Title       string         `json:"title"`
	Active      bool           `json:"active"`
	Payload     map[string]any `json:"payload,omitempty"`
	OneTimeUse  bool           `json:"one_time_use"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
}

// RewardUnlock — выданная участнику награда. Одна на пару (участник, награда).
type RewardUnlock struct {
	MemberID       string     `json:"member_id"`
	RewardConfigID string     `json:"reward_config_id"`
	UnlockedAt     time.Time  `json:"unlocked_at"`
	Used           bool       `json:"used"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	UseCount       int        `json:"use_count"`
}

// Статусы обработки вебхука
const (
	WebhookProcessing = "processing"
	WebhookSucceeded  = "succeeded"
	WebhookFailed     = "failed"
)

// WebhookEvent — запись о входящей доставке.
// RetryCount — число неудачных попыток обработки.
type WebhookEvent struct {
	DeliveryID  string          `json:"delivery_id"`
	EventKind   string          `json:"event_kind"`
	Payload     []byte          `json:"-"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RankedMember — строка таблицы лидеров.
type RankedMember struct {
	Member
	Rank int `json:"rank"`
}

// RankLess — порядок таблицы лидеров: очки по убыванию, затем кто раньше
// вошёл в уровень, затем member_id (побайтово).
func RankLess(a, b *Member) bool {
	if a.TotalPoints != b.TotalPoints {
		return a.TotalPoints > b.TotalPoints
	}
	if !a.TierEnteredAt.Equal(b.TierEnteredAt) {
		return a.TierEnteredAt.Before(b.TierEnteredAt)
	}
	return a.MemberID < b.MemberID
}
