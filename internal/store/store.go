package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"serotonyl.ru/engagement/internal/common"
)

// Store — постоянное хранилище движка.
//
// Все изменения состояния участника идут через InMemberTx: внутри неё
// участник заблокирован эксклюзивно, а все записи фиксируются разом
// или не фиксируются вовсе. Чтения вне транзакции не блокируют никого.
type Store interface {
	// InMemberTx выполняет fn под эксклюзивной блокировкой участника.
	// seed != nil — участник создаётся, если его нет; seed == nil — ErrNotFound.
	// Ошибка fn или отмена ctx откатывают все записи.
	InMemberTx(ctx context.Context, memberID string, seed *MemberSeed, fn func(tx MemberTx) error) error

	GetMember(ctx context.Context, memberID string) (*Member, error)
	ListEvents(ctx context.Context, memberID string, limit int) ([]Event, error)
	SumEventPoints(ctx context.Context, memberID string) (int64, error)
	ListTierHistory(ctx context.Context, memberID string, limit int) ([]TierHistoryEntry, error)

	// Leaderboard и Rank видят только активных участников.
	// Rank считается одним запросом, на одном снимке данных.
	Leaderboard(ctx context.Context, limit, offset int) ([]RankedMember, error)
	Rank(ctx context.Context, memberID string) (int, error)

	CreateRewardConfig(ctx context.Context, cfg *RewardConfig) error
	UpdateRewardConfig(ctx context.Context, cfg *RewardConfig) error
	DeleteRewardConfig(ctx context.Context, id string, at time.Time) error
	GetRewardConfig(ctx context.Context, id string) (*RewardConfig, error)
	ListRewardConfigs(ctx context.Context, includeInactive bool) ([]RewardConfig, error)
	ListUnlocks(ctx context.Context, memberID string) ([]RewardUnlock, error)

	WebhookStore
}

// WebhookStore — журнал входящих доставок.
type WebhookStore interface {
	// ClaimWebhook вставляет запись, если ключа ещё нет.
	// claimed=false — ключ уже занят, existing — текущее состояние записи.
	ClaimWebhook(ctx context.Context, ev *WebhookEvent) (existing *WebhookEvent, claimed bool, err error)
	// ReclaimWebhook атомарно переводит запись в processing, если она
	// failed с retry_count <= maxRetries или зависла в processing дольше staleBefore.
	ReclaimWebhook(ctx context.Context, deliveryID string, maxRetries int, staleBefore, now time.Time) (*WebhookEvent, bool, error)
	CompleteWebhook(ctx context.Context, deliveryID string, result json.RawMessage, now time.Time) error
	// FailWebhook помечает запись failed и увеличивает retry_count.
	FailWebhook(ctx context.Context, deliveryID, lastError string, now time.Time) (*WebhookEvent, error)
	GetWebhook(ctx context.Context, deliveryID string) (*WebhookEvent, error)
	ListRetryableWebhooks(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]WebhookEvent, error)
	ListPoisonWebhooks(ctx context.Context, maxRetries, limit int) ([]WebhookEvent, error)
}

// MemberTx — операции внутри транзакции участника.
type MemberTx interface {
	// Member возвращает копию заблокированной записи.
	Member() *Member
	SaveMember(ctx context.Context, m *Member) error

	// InsertEvent пишет событие. false — событие с таким ID у этого участника уже есть.
	// ID, занятый другим участником, — ошибка EventIDTaken, а не повтор.
	InsertEvent(ctx context.Context, ev *Event) (bool, error)
	CountScoredEvents(ctx context.Context, kind string, since time.Time) (int, error)
	InsertTierHistory(ctx context.Context, h *TierHistoryEntry) error

	ActiveRewardConfigs(ctx context.Context) ([]RewardConfig, error)
	// InsertUnlockIfAbsent — false, если пара уже разблокирована.
	InsertUnlockIfAbsent(ctx context.Context, u *RewardUnlock) (bool, error)
	GetUnlock(ctx context.Context, rewardConfigID string) (*RewardUnlock, error)
	SaveUnlock(ctx context.Context, u *RewardUnlock) error
}

// EventIDTaken — ошибка для event_id, уже записанного за другим участником.
func EventIDTaken(eventID string) error {
	return fmt.Errorf("%w: event_id %s принадлежит другому участнику", common.ErrValidation, eventID)
}
