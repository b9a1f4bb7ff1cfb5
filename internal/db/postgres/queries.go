// queries.go содержит общие утилиты для выполнения запросов:
// миграции, списки колонок и сканирование строк в модели store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/engagement/internal/store"
)

// ExecMigrationSQL выполняет один SQL-запрос миграции в транзакции.
// Если запрос упадёт — транзакция откатится автоматически.
// applied=false — версия уже была применена раньше.
func ExecMigrationSQL(ctx context.Context, pool *pgxpool.Pool, version int, sql string) (applied bool, err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	// Два экземпляра, стартующие одновременно, не должны применять миграцию дважды
	if _, err := tx.Exec(ctx, "LOCK TABLE schema_migrations IN EXCLUSIVE MODE"); err != nil {
		return false, fmt.Errorf("ошибка блокировки таблицы миграций: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки миграции: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		return false, fmt.Errorf("ошибка выполнения миграции %d: %w", version, err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)", version,
	); err != nil {
		return false, fmt.Errorf("ошибка записи версии миграции: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("ошибка фиксации миграции %d: %w", version, err)
	}
	return true, nil
}

// querier — общее у пула и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const memberColumns = `member_id, display_name, total_points, current_tier, tier_entered_at,
	last_activity_at, membership_status, membership_changed_at, profile_changed_at,
	created_at, updated_at`

// memberDest — приёмники Scan в порядке memberColumns.
func memberDest(m *store.Member) []any {
	return []any{
		&m.MemberID, &m.DisplayName, &m.TotalPoints, &m.CurrentTier, &m.TierEnteredAt,
		&m.LastActivityAt, &m.MembershipStatus, &m.MembershipChangedAt, &m.ProfileChangedAt,
		&m.CreatedAt, &m.UpdatedAt,
	}
}

func normalizeMember(m *store.Member) {
	m.TierEnteredAt = m.TierEnteredAt.UTC()
	m.LastActivityAt = utcPtr(m.LastActivityAt)
	m.MembershipChangedAt = utcPtr(m.MembershipChangedAt)
	m.ProfileChangedAt = utcPtr(m.ProfileChangedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
}

func scanMember(row pgx.Row) (store.Member, error) {
	var m store.Member
	if err := row.Scan(memberDest(&m)...); err != nil {
		return m, err
	}
	normalizeMember(&m)
	return m, nil
}

const eventColumns = `event_id, member_id, activity_kind, requested_points, points, status,
	metadata, admin_id, reason, previous_total, new_total, created_at`

func scanEvent(row pgx.Row) (store.Event, error) {
	var (
		ev      store.Event
		md      []byte
		adminID *string
		reason  *string
	)
	err := row.Scan(
		&ev.EventID, &ev.MemberID, &ev.ActivityKind, &ev.RequestedPoints, &ev.Points, &ev.Status,
		&md, &adminID, &reason, &ev.PreviousTotal, &ev.NewTotal, &ev.CreatedAt,
	)
	if err != nil {
		return ev, err
	}
	if len(md) > 0 {
		if err := json.Unmarshal(md, &ev.Metadata); err != nil {
			return ev, fmt.Errorf("повреждены metadata события %s: %w", ev.EventID, err)
		}
	}
	if adminID != nil {
		ev.AdminID = *adminID
	}
	if reason != nil {
		ev.Reason = *reason
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

const historyColumns = `id, member_id, previous_tier, new_tier, points, created_at`

func scanHistory(row pgx.Row) (store.TierHistoryEntry, error) {
	var h store.TierHistoryEntry
	err := row.Scan(&h.ID, &h.MemberID, &h.PreviousTier, &h.NewTier, &h.Points, &h.CreatedAt)
	h.CreatedAt = h.CreatedAt.UTC()
	return h, err
}

const configColumns = `id::text, community_id, tier_name, reward_kind, title, active, payload,
	one_time_use, created_at, updated_at, deleted_at`

func scanConfig(row pgx.Row) (store.RewardConfig, error) {
	var (
		c       store.RewardConfig
		payload []byte
	)
	err := row.Scan(
		&c.ID, &c.CommunityID, &c.TierName, &c.Kind, &c.Title, &c.Active, &payload,
		&c.OneTimeUse, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)
	if err != nil {
		return c, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &c.Payload); err != nil {
			return c, fmt.Errorf("повреждён payload награды %s: %w", c.ID, err)
		}
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.DeletedAt = utcPtr(c.DeletedAt)
	return c, nil
}

const unlockColumns = `member_id, reward_config_id::text, unlocked_at, used, used_at, use_count`

func scanUnlock(row pgx.Row) (store.RewardUnlock, error) {
	var u store.RewardUnlock
	err := row.Scan(&u.MemberID, &u.RewardConfigID, &u.UnlockedAt, &u.Used, &u.UsedAt, &u.UseCount)
	u.UnlockedAt = u.UnlockedAt.UTC()
	u.UsedAt = utcPtr(u.UsedAt)
	return u, err
}

const webhookColumns = `delivery_id, event_kind, payload, status, retry_count, last_error,
	result, received_at, processed_at, updated_at`

func scanWebhook(row pgx.Row) (store.WebhookEvent, error) {
	var (
		w      store.WebhookEvent
		result []byte
	)
	err := row.Scan(
		&w.DeliveryID, &w.EventKind, &w.Payload, &w.Status, &w.RetryCount, &w.LastError,
		&result, &w.ReceivedAt, &w.ProcessedAt, &w.UpdatedAt,
	)
	if err != nil {
		return w, err
	}
	if len(result) > 0 {
		w.Result = json.RawMessage(result)
	}
	w.ReceivedAt = w.ReceivedAt.UTC()
	w.ProcessedAt = utcPtr(w.ProcessedAt)
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

// collect читает все строки через scan.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (T, error) {
		return scan(r)
	})
}

// jsonOrNil — nil для пустой карты, иначе JSON.
func jsonOrNil(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
