// Package ledger — журнал очков: приём событий активности, накопительная
// сумма участника и ручные корректировки администратора.
//
// Каждое изменение суммы идёт одной транзакцией участника вместе с записью
// события, пересчётом уровня и выдачей наград, поэтому читатели никогда не
// видят сумму без соответствующего уровня.
package ledger

import "serotonyl.ru/engagement/internal/store"

// Activity — входящее событие активности.
//
// EventID необязателен: пусто — сгенерируем UUID. Points == nil — очки
// по умолчанию для типа. External ставит только конвейер вебхуков: лишь
// такие события могут иметь тип external-webhook-derived и ID с префиксом
// ExternalEventPrefix.
type Activity struct {
	EventID     string         `json:"event_id,omitempty"`
	MemberID    string         `json:"member_id"`
	DisplayName string         `json:"-"`
	Kind        string         `json:"activity_kind"`
	Points      *int64         `json:"points,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	External    bool           `json:"-"`
}

// ExternalEventPrefix — пространство ID событий, производных от вебхуков.
const ExternalEventPrefix = "wh:"

// Adjustment — ручная корректировка суммы администратором.
type Adjustment struct {
	EventID  string `json:"event_id,omitempty"`
	MemberID string `json:"member_id"`
	Delta    int64  `json:"delta"`
	Reason   string `json:"reason"`
	AdminID  string `json:"-"`
}

// Outcome — результат записи события или корректировки.
type Outcome struct {
	Member *store.Member `json:"updated_record"`
	Event  *store.Event  `json:"event,omitempty"`
	// Событие с таким event_id уже было; ничего не изменилось
	Duplicate  bool                    `json:"duplicate,omitempty"`
	Transition *store.TierHistoryEntry `json:"tier_transition,omitempty"`
	Unlocked   []store.RewardUnlock    `json:"unlocked_rewards,omitempty"`
}

// ReconcileReport — сверка сохранённой суммы с суммой по журналу.
type ReconcileReport struct {
	MemberID    string `json:"member_id"`
	StoredTotal int64  `json:"stored_total"`
	LedgerTotal int64  `json:"ledger_total"`
	Consistent  bool   `json:"consistent"`
}
