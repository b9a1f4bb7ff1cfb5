// Package webhooks — приём событий внешней платформы: проверка подписи,
// дедупликация по ключу доставки, разбор по типу события и повтор
// неудачных доставок отдельным проходом (sweep).
//
// Доставка, однажды обработанная успешно, больше никогда не меняет
// состояние: повторы получают сохранённый результат.
package webhooks

import (
	"encoding/json"
	"time"
)

// Типы событий внешней платформы
const (
	KindMemberJoined        = "member.joined"
	KindMemberUpdated       = "member.updated"
	KindMembershipCancelled = "membership.cancelled"
	KindCourseCompleted     = "course.completed"
	KindPurchaseCompleted   = "purchase.completed"
)

// Envelope — общий конверт события.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

type memberData struct {
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name"`
}

type courseData struct {
	MemberID   string `json:"member_id"`
	CourseID   string `json:"course_id"`
	CourseName string `json:"course_name"`
}

type purchaseData struct {
	MemberID   string `json:"member_id"`
	PurchaseID string `json:"purchase_id"`
	// Сумма в минимальных единицах (копейках, центах)
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Result — итог обработки доставки. Успешный сохраняется в webhook_events.result.
type Result struct {
	DeliveryID string   `json:"delivery_id"`
	Kind       string   `json:"event_kind"`
	Status     string   `json:"status"`
	Duplicate  bool     `json:"duplicate,omitempty"`
	Ignored    bool     `json:"ignored,omitempty"`
	EventIDs   []string `json:"event_ids,omitempty"`
	RetryCount int      `json:"retry_count,omitempty"`
	Poison     bool     `json:"poison,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// SweepResult — итог прохода повторов.
type SweepResult struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Poisoned  int `json:"poisoned"`
}

// PoisonEntry — доставка, ждущая ручного разбора.
type PoisonEntry struct {
	DeliveryID string    `json:"delivery_id"`
	EventKind  string    `json:"event_kind"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
