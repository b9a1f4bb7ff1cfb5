package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/store"
)

// Store — реализация store.Store поверх pgxpool.
//
// Блокировка участника — SELECT ... FOR UPDATE по строке member_engagement
// внутри транзакции. Каждая операция ограничена timeout.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	tracer  trace.Tracer
}

var _ store.Store = (*Store)(nil)

// New создаёт хранилище. timeout — предел на одну операцию (STORAGE_TIMEOUT).
func New(pool *pgxpool.Pool, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		pool:    pool,
		timeout: timeout,
		tracer:  otel.Tracer("serotonyl.ru/engagement/store"),
	}
}

// Ping проверяет доступность базы (для /healthz).
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapErr(s.pool.Ping(ctx), "ping")
}

// start открывает span и ограничивает ctx таймаутом операции.
// Возвращённую функцию нужно вызвать с итоговой ошибкой.
func (s *Store) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
	}
}

// ============================================================================
// Транзакция участника
// ============================================================================

// InMemberTx — см. store.Store.
func (s *Store) InMemberTx(ctx context.Context, memberID string, seed *store.MemberSeed, fn func(tx store.MemberTx) error) (err error) {
	ctx, end := s.start(ctx, "store.member_tx", attribute.String("member.id", memberID))
	defer func() { end(err) }()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(err, "начало транзакции")
	}
	defer func() {
		// После Commit вернёт ErrTxClosed — это нормально
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if seed != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO member_engagement
				(member_id, display_name, total_points, current_tier, tier_entered_at,
				 membership_status, created_at, updated_at)
			VALUES ($1, $2, 0, $3, $4, 'active', $4, $4)
			ON CONFLICT (member_id) DO NOTHING
		`, memberID, seed.DisplayName, seed.Tier, seed.Now); err != nil {
			return mapErr(err, "создание участника")
		}
	}

	m, err := scanMember(tx.QueryRow(ctx,
		"SELECT "+memberColumns+" FROM member_engagement WHERE member_id = $1 FOR UPDATE", memberID))
	if err != nil {
		return mapErr(err, "участник "+memberID)
	}

	if err := fn(&memberTx{tx: tx, member: m}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err, "фиксация транзакции")
	}
	return nil
}

// ============================================================================
// Чтения
// ============================================================================

func (s *Store) GetMember(ctx context.Context, memberID string) (_ *store.Member, err error) {
	ctx, end := s.start(ctx, "store.get_member", attribute.String("member.id", memberID))
	defer func() { end(err) }()

	m, err := scanMember(s.pool.QueryRow(ctx,
		"SELECT "+memberColumns+" FROM member_engagement WHERE member_id = $1", memberID))
	if err != nil {
		return nil, mapErr(err, "участник "+memberID)
	}
	return &m, nil
}

func (s *Store) ListEvents(ctx context.Context, memberID string, limit int) (_ []store.Event, err error) {
	ctx, end := s.start(ctx, "store.list_events", attribute.String("member.id", memberID))
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM engagement_events
		WHERE member_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, memberID, limit)
	if err != nil {
		return nil, mapErr(err, "события участника")
	}
	out, err := collect(rows, scanEvent)
	return out, mapErr(err, "события участника")
}

func (s *Store) SumEventPoints(ctx context.Context, memberID string) (_ int64, err error) {
	ctx, end := s.start(ctx, "store.sum_events", attribute.String("member.id", memberID))
	defer func() { end(err) }()

	var sum int64
	err = s.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(points), 0)::BIGINT FROM engagement_events WHERE member_id = $1", memberID,
	).Scan(&sum)
	return sum, mapErr(err, "сумма событий")
}

func (s *Store) ListTierHistory(ctx context.Context, memberID string, limit int) (_ []store.TierHistoryEntry, err error) {
	ctx, end := s.start(ctx, "store.list_tier_history", attribute.String("member.id", memberID))
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+historyColumns+` FROM tier_history
		WHERE member_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, memberID, limit)
	if err != nil {
		return nil, mapErr(err, "история уровней")
	}
	out, err := collect(rows, scanHistory)
	return out, mapErr(err, "история уровней")
}

// Порядок таблицы лидеров. COLLATE "C" — побайтовое сравнение member_id,
// как в store.RankLess.
const rankOrder = `total_points DESC, tier_entered_at ASC, member_id COLLATE "C" ASC`

func (s *Store) Leaderboard(ctx context.Context, limit, offset int) (_ []store.RankedMember, err error) {
	ctx, end := s.start(ctx, "store.leaderboard",
		attribute.Int("limit", limit), attribute.Int("offset", offset))
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+memberColumns+`, ROW_NUMBER() OVER (ORDER BY `+rankOrder+`) AS rank
		FROM member_engagement
		WHERE membership_status = 'active'
		ORDER BY `+rankOrder+`
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, mapErr(err, "таблица лидеров")
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (store.RankedMember, error) {
		var rm store.RankedMember
		m := &rm.Member
		if err := r.Scan(append(memberDest(m), &rm.Rank)...); err != nil {
			return rm, err
		}
		normalizeMember(m)
		return rm, nil
	})
	if err != nil {
		return nil, mapErr(err, "таблица лидеров")
	}
	if out == nil {
		out = []store.RankedMember{}
	}
	return out, nil
}

// Rank считает позицию одним запросом: 1 + число активных участников впереди.
func (s *Store) Rank(ctx context.Context, memberID string) (_ int, err error) {
	ctx, end := s.start(ctx, "store.rank", attribute.String("member.id", memberID))
	defer func() { end(err) }()

	var rank int
	err = s.pool.QueryRow(ctx, `
		WITH me AS (
			SELECT total_points, tier_entered_at, member_id
			FROM member_engagement
			WHERE member_id = $1 AND membership_status = 'active'
		)
		SELECT 1 + (
			SELECT COUNT(*) FROM member_engagement o
			WHERE o.membership_status = 'active'
			  AND (-o.total_points, o.tier_entered_at, o.member_id COLLATE "C")
			    < (-me.total_points, me.tier_entered_at, me.member_id COLLATE "C")
		)::INT
		FROM me
	`, memberID).Scan(&rank)
	if err != nil {
		return 0, mapErr(err, "участник "+memberID+" не участвует в рейтинге")
	}
	return rank, nil
}

// ============================================================================
// Награды
// ============================================================================

func (s *Store) CreateRewardConfig(ctx context.Context, cfg *store.RewardConfig) (err error) {
	ctx, end := s.start(ctx, "store.create_reward_config", attribute.String("reward.id", cfg.ID))
	defer func() { end(err) }()

	payload, err := jsonOrNil(cfg.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", common.ErrValidation, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reward_configurations
			(id, community_id, tier_name, reward_kind, title, active, payload, one_time_use, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, cfg.ID, cfg.CommunityID, cfg.TierName, cfg.Kind, cfg.Title, cfg.Active, payload,
		cfg.OneTimeUse, cfg.CreatedAt, cfg.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: награда %s уже существует", common.ErrValidation, cfg.ID)
	}
	return mapErr(err, "создание награды")
}

func (s *Store) UpdateRewardConfig(ctx context.Context, cfg *store.RewardConfig) (err error) {
	ctx, end := s.start(ctx, "store.update_reward_config", attribute.String("reward.id", cfg.ID))
	defer func() { end(err) }()

	payload, err := jsonOrNil(cfg.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", common.ErrValidation, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE reward_configurations
		SET community_id = $2, tier_name = $3, reward_kind = $4, title = $5, active = $6,
		    payload = $7, one_time_use = $8, updated_at = $9
		WHERE id = $1 AND deleted_at IS NULL
	`, cfg.ID, cfg.CommunityID, cfg.TierName, cfg.Kind, cfg.Title, cfg.Active, payload,
		cfg.OneTimeUse, cfg.UpdatedAt)
	if err != nil {
		return mapErr(err, "награда "+cfg.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: награда %s", common.ErrNotFound, cfg.ID)
	}
	return nil
}

func (s *Store) DeleteRewardConfig(ctx context.Context, id string, at time.Time) (err error) {
	ctx, end := s.start(ctx, "store.delete_reward_config", attribute.String("reward.id", id))
	defer func() { end(err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE reward_configurations
		SET deleted_at = $2, active = FALSE, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return mapErr(err, "награда "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: награда %s", common.ErrNotFound, id)
	}
	return nil
}

func (s *Store) GetRewardConfig(ctx context.Context, id string) (_ *store.RewardConfig, err error) {
	ctx, end := s.start(ctx, "store.get_reward_config", attribute.String("reward.id", id))
	defer func() { end(err) }()

	c, err := scanConfig(s.pool.QueryRow(ctx,
		"SELECT "+configColumns+" FROM reward_configurations WHERE id = $1 AND deleted_at IS NULL", id))
	if err != nil {
		return nil, mapErr(err, "награда "+id)
	}
	return &c, nil
}

func (s *Store) ListRewardConfigs(ctx context.Context, includeInactive bool) (_ []store.RewardConfig, err error) {
	ctx, end := s.start(ctx, "store.list_reward_configs")
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+configColumns+` FROM reward_configurations
		WHERE deleted_at IS NULL AND (active OR $1)
		ORDER BY created_at, id
	`, includeInactive)
	if err != nil {
		return nil, mapErr(err, "список наград")
	}
	out, err := collect(rows, scanConfig)
	if err != nil {
		return nil, mapErr(err, "список наград")
	}
	if out == nil {
		out = []store.RewardConfig{}
	}
	return out, nil
}

func (s *Store) ListUnlocks(ctx context.Context, memberID string) (_ []store.RewardUnlock, err error) {
	ctx, end := s.start(ctx, "store.list_unlocks", attribute.String("member.id", memberID))
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+unlockColumns+` FROM reward_unlocks
		WHERE member_id = $1
		ORDER BY unlocked_at, reward_config_id
	`, memberID)
	if err != nil {
		return nil, mapErr(err, "разблокировки")
	}
	out, err := collect(rows, scanUnlock)
	return out, mapErr(err, "разблокировки")
}

// ============================================================================
// Вебхуки
// ============================================================================

func (s *Store) ClaimWebhook(ctx context.Context, ev *store.WebhookEvent) (_ *store.WebhookEvent, _ bool, err error) {
	ctx, end := s.start(ctx, "store.claim_webhook", attribute.String("delivery.id", ev.DeliveryID))
	defer func() { end(err) }()

	w, err := scanWebhook(s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events
			(delivery_id, event_kind, payload, status, retry_count, last_error, received_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, '', $5, $6)
		ON CONFLICT (delivery_id) DO NOTHING
		RETURNING `+webhookColumns,
		ev.DeliveryID, ev.EventKind, ev.Payload, ev.Status, ev.ReceivedAt, ev.UpdatedAt))
	if err == nil {
		return &w, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapErr(err, "запись доставки")
	}

	existing, err := s.getWebhook(ctx, s.pool, ev.DeliveryID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) ReclaimWebhook(ctx context.Context, deliveryID string, maxRetries int, staleBefore, now time.Time) (_ *store.WebhookEvent, _ bool, err error) {
	ctx, end := s.start(ctx, "store.reclaim_webhook", attribute.String("delivery.id", deliveryID))
	defer func() { end(err) }()

	w, err := scanWebhook(s.pool.QueryRow(ctx, `
		UPDATE webhook_events
		SET status = 'processing', updated_at = $4
		WHERE delivery_id = $1
		  AND ((status = 'failed' AND retry_count <= $2)
		    OR (status = 'processing' AND updated_at < $3))
		RETURNING `+webhookColumns,
		deliveryID, maxRetries, staleBefore, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err, "захват доставки")
	}
	return &w, true, nil
}

func (s *Store) CompleteWebhook(ctx context.Context, deliveryID string, result json.RawMessage, now time.Time) (err error) {
	ctx, end := s.start(ctx, "store.complete_webhook", attribute.String("delivery.id", deliveryID))
	defer func() { end(err) }()

	var res []byte
	if len(result) > 0 {
		res = result
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'succeeded', result = $2, last_error = '', processed_at = $3, updated_at = $3
		WHERE delivery_id = $1
	`, deliveryID, res, now)
	if err != nil {
		return mapErr(err, "итог доставки")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: доставка %s", common.ErrNotFound, deliveryID)
	}
	return nil
}

func (s *Store) FailWebhook(ctx context.Context, deliveryID, lastError string, now time.Time) (_ *store.WebhookEvent, err error) {
	ctx, end := s.start(ctx, "store.fail_webhook", attribute.String("delivery.id", deliveryID))
	defer func() { end(err) }()

	w, err := scanWebhook(s.pool.QueryRow(ctx, `
		UPDATE webhook_events
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2,
		    processed_at = $3, updated_at = $3
		WHERE delivery_id = $1
		RETURNING `+webhookColumns,
		deliveryID, common.Truncate(lastError, 2000), now))
	if err != nil {
		return nil, mapErr(err, "доставка "+deliveryID)
	}
	return &w, nil
}

func (s *Store) GetWebhook(ctx context.Context, deliveryID string) (_ *store.WebhookEvent, err error) {
	ctx, end := s.start(ctx, "store.get_webhook", attribute.String("delivery.id", deliveryID))
	defer func() { end(err) }()
	return s.getWebhook(ctx, s.pool, deliveryID)
}

func (s *Store) getWebhook(ctx context.Context, q querier, deliveryID string) (*store.WebhookEvent, error) {
	w, err := scanWebhook(q.QueryRow(ctx,
		"SELECT "+webhookColumns+" FROM webhook_events WHERE delivery_id = $1", deliveryID))
	if err != nil {
		return nil, mapErr(err, "доставка "+deliveryID)
	}
	return &w, nil
}

func (s *Store) ListRetryableWebhooks(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) (_ []store.WebhookEvent, err error) {
	ctx, end := s.start(ctx, "store.list_retryable_webhooks", attribute.Int("max_retries", maxRetries))
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE (status = 'failed' AND retry_count <= $1)
		   OR (status = 'processing' AND updated_at < $2)
		ORDER BY received_at, delivery_id
		LIMIT $3
	`, maxRetries, staleBefore, limit)
	if err != nil {
		return nil, mapErr(err, "вебхуки для повтора")
	}
	out, err := collect(rows, scanWebhook)
	return out, mapErr(err, "вебхуки для повтора")
}

func (s *Store) ListPoisonWebhooks(ctx context.Context, maxRetries, limit int) (_ []store.WebhookEvent, err error) {
	ctx, end := s.start(ctx, "store.list_poison_webhooks", attribute.Int("max_retries", maxRetries))
	defer func() { end(err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE status = 'failed' AND retry_count > $1
		ORDER BY received_at, delivery_id
		LIMIT $2
	`, maxRetries, limit)
	if err != nil {
		return nil, mapErr(err, "poison-вебхуки")
	}
	out, err := collect(rows, scanWebhook)
	return out, mapErr(err, "poison-вебхуки")
}
