package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/store"
)

// memberTx — store.MemberTx поверх pgx.Tx. Строка участника уже
// заблокирована FOR UPDATE, поэтому его события, история и награды
// меняются только здесь.
type memberTx struct {
	tx     pgx.Tx
	member store.Member
}

func (t *memberTx) Member() *store.Member {
	m := t.member
	return &m
}

func (t *memberTx) SaveMember(ctx context.Context, m *store.Member) error {
	if m.MemberID != t.member.MemberID {
		return fmt.Errorf("попытка сохранить чужого участника %s в транзакции %s", m.MemberID, t.member.MemberID)
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE member_engagement
		SET display_name = $2, total_points = $3, current_tier = $4, tier_entered_at = $5,
		    last_activity_at = $6, membership_status = $7, membership_changed_at = $8,
		    profile_changed_at = $9, updated_at = $10
		WHERE member_id = $1
	`, m.MemberID, m.DisplayName, m.TotalPoints, m.CurrentTier, m.TierEnteredAt,
		m.LastActivityAt, m.MembershipStatus, m.MembershipChangedAt, m.ProfileChangedAt, m.UpdatedAt)
	if err != nil {
		return mapErr(err, "сохранение участника")
	}
	t.member = *m
	return nil
}

func (t *memberTx) InsertEvent(ctx context.Context, ev *store.Event) (bool, error) {
	md, err := jsonOrNil(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("%w: metadata: %v", common.ErrValidation, err)
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO engagement_events
			(event_id, member_id, activity_kind, requested_points, points, status,
			 metadata, admin_id, reason, previous_total, new_total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, t.member.MemberID, ev.ActivityKind, ev.RequestedPoints, ev.Points, ev.Status,
		md, nullString(ev.AdminID), nullString(ev.Reason), ev.PreviousTotal, ev.NewTotal, ev.CreatedAt)
	if err != nil {
		return false, mapErr(err, "запись события")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var owner string
	if err := t.tx.QueryRow(ctx, `SELECT member_id FROM engagement_events WHERE event_id = $1`, ev.EventID).Scan(&owner); err != nil {
		return false, mapErr(err, "владелец события")
	}
	if owner != t.member.MemberID {
		return false, store.EventIDTaken(ev.EventID)
	}
	return false, nil
}

func (t *memberTx) CountScoredEvents(ctx context.Context, kind string, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*)::INT FROM engagement_events
		WHERE member_id = $1 AND activity_kind = $2 AND status = 'scored' AND created_at >= $3
	`, t.member.MemberID, kind, since).Scan(&n)
	return n, mapErr(err, "подсчёт событий")
}

func (t *memberTx) InsertTierHistory(ctx context.Context, h *store.TierHistoryEntry) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO tier_history (member_id, previous_tier, new_tier, points, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, t.member.MemberID, h.PreviousTier, h.NewTier, h.Points, h.CreatedAt).Scan(&h.ID)
	return mapErr(err, "история уровней")
}

func (t *memberTx) ActiveRewardConfigs(ctx context.Context) ([]store.RewardConfig, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+configColumns+` FROM reward_configurations
		WHERE active AND deleted_at IS NULL
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, mapErr(err, "активные награды")
	}
	out, err := collect(rows, scanConfig)
	return out, mapErr(err, "активные награды")
}

// InsertUnlockIfAbsent — единственная вставка с ON CONFLICT DO NOTHING:
// пара (участник, награда) не может разблокироваться дважды.
func (t *memberTx) InsertUnlockIfAbsent(ctx context.Context, u *store.RewardUnlock) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO reward_unlocks (member_id, reward_config_id, unlocked_at, used, used_at, use_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (member_id, reward_config_id) DO NOTHING
	`, t.member.MemberID, u.RewardConfigID, u.UnlockedAt, u.Used, u.UsedAt, u.UseCount)
	if err != nil {
		return false, mapErr(err, "разблокировка награды")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *memberTx) GetUnlock(ctx context.Context, rewardConfigID string) (*store.RewardUnlock, error) {
	u, err := scanUnlock(t.tx.QueryRow(ctx, `
		SELECT `+unlockColumns+` FROM reward_unlocks
		WHERE member_id = $1 AND reward_config_id = $2
	`, t.member.MemberID, rewardConfigID))
	if err != nil {
		return nil, mapErr(err, "награда "+rewardConfigID+" не разблокирована")
	}
	return &u, nil
}

func (t *memberTx) SaveUnlock(ctx context.Context, u *store.RewardUnlock) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reward_unlocks SET used = $3, used_at = $4, use_count = $5
		WHERE member_id = $1 AND reward_config_id = $2
	`, t.member.MemberID, u.RewardConfigID, u.Used, u.UsedAt, u.UseCount)
	if err != nil {
		return mapErr(err, "сохранение разблокировки")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: награда %s не разблокирована", common.ErrNotFound, u.RewardConfigID)
	}
	return nil
}
