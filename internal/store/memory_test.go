package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/engagement/internal/common"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seed() *MemberSeed {
	return &MemberSeed{DisplayName: "Аня", Tier: "Bronze", Now: t0}
}

func TestInMemberTxCreatesMemberFromSeed(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	err := s.InMemberTx(ctx, "m1", seed(), func(tx MemberTx) error {
		m := tx.Member()
		assert.Equal(t, "Bronze", m.CurrentTier)
		assert.Equal(t, MembershipActive, m.MembershipStatus)
		return nil
	})
	require.NoError(t, err)

	m, err := s.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Аня", m.DisplayName)
	assert.Zero(t, m.TotalPoints)
}

func TestInMemberTxWithoutSeedRequiresMember(t *testing.T) {
	s := NewMemory()
	err := s.InMemberTx(context.Background(), "ghost", nil, func(MemberTx) error {
		t.Fatal("fn не должна вызываться")
		return nil
	})
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestInMemberTxRollsBackOnError(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	boom := errors.New("сбой")

	err := s.InMemberTx(ctx, "m1", seed(), func(tx MemberTx) error {
		m := tx.Member()
		m.TotalPoints = 10
		require.NoError(t, tx.SaveMember(ctx, m))
		_, err := tx.InsertEvent(ctx, &Event{EventID: "e1", MemberID: "m1", Points: 10, Status: EventScored, CreatedAt: t0})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetMember(ctx, "m1")
	require.ErrorIs(t, err, common.ErrNotFound)
	sum, err := s.SumEventPoints(ctx, "m1")
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestInMemberTxCancelledContextLeavesNoTrace(t *testing.T) {
	s := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.InMemberTx(ctx, "m1", seed(), func(tx MemberTx) error {
		_, err := tx.InsertEvent(ctx, &Event{EventID: "e1", MemberID: "m1", Points: 5, Status: EventScored, CreatedAt: t0})
		cancel()
		return err
	})
	require.ErrorIs(t, err, context.Canceled)

	evs, err := s.ListEvents(context.Background(), "m1", 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestInsertEventIsIdempotentByID(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	ev := &Event{EventID: "e1", MemberID: "m1", Points: 5, Status: EventScored, CreatedAt: t0}

	for i, want := range []bool{true, false} {
		err := s.InMemberTx(ctx, "m1", seed(), func(tx MemberTx) error {
			inserted, err := tx.InsertEvent(ctx, ev)
			assert.Equal(t, want, inserted, "попытка %d", i)
			return err
		})
		require.NoError(t, err)
	}

	evs, err := s.ListEvents(ctx, "m1", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestInsertEventRejectsIDOfAnotherMember(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	err := s.InMemberTx(ctx, "m1", seed(), func(tx MemberTx) error {
		_, err := tx.InsertEvent(ctx, &Event{EventID: "e1", MemberID: "m1", Points: 5, Status: EventScored, CreatedAt: t0})
		return err
	})
	require.NoError(t, err)

	err = s.InMemberTx(ctx, "m2", seed(), func(tx MemberTx) error {
		inserted, err := tx.InsertEvent(ctx, &Event{EventID: "e1", MemberID: "m2", Points: 5, Status: EventScored, CreatedAt: t0})
		assert.False(t, inserted)
		return err
	})
	require.ErrorIs(t, err, common.ErrValidation)

	_, err = s.GetMember(ctx, "m2")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestCountScoredEventsWindow(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	err := s.InMemberTx(ctx, "m1", seed(), func(tx MemberTx) error {
		evs := []Event{
			{EventID: "old", ActivityKind: KindForumPost, Status: EventScored, CreatedAt: t0.Add(-2 * time.Hour)},
			{EventID: "new", ActivityKind: KindForumPost, Status: EventScored, CreatedAt: t0},
			{EventID: "limited", ActivityKind: KindForumPost, Status: EventRateLimited, CreatedAt: t0},
			{EventID: "other", ActivityKind: KindForumReply, Status: EventScored, CreatedAt: t0},
		}
		for i := range evs {
			evs[i].MemberID = "m1"
			if _, err := tx.InsertEvent(ctx, &evs[i]); err != nil {
				return err
			}
		}
		n, err := tx.CountScoredEvents(ctx, KindForumPost, t0.Add(-time.Hour))
		assert.Equal(t, 1, n)
		return err
	})
	require.NoError(t, err)
}

func TestConcurrentTransactionsSerializePerMember(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InMemberTx(ctx, "m1", seed(), func(tx MemberTx) error {
				m := tx.Member()
				m.TotalPoints++
				if _, err := tx.InsertEvent(ctx, &Event{
					EventID: fmt.Sprintf("e%d", i), MemberID: "m1", Points: 1, Status: EventScored, CreatedAt: t0,
				}); err != nil {
					return err
				}
				return tx.SaveMember(ctx, m)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	m, err := s.GetMember(ctx, "m1")
	require.NoError(t, err)
	sum, err := s.SumEventPoints(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, workers, m.TotalPoints)
	assert.Equal(t, m.TotalPoints, sum)
}

func TestLeaderboardOrderAndCancelledMembers(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	put := func(id string, points int64, entered time.Time, status string) {
		err := s.InMemberTx(ctx, id, &MemberSeed{Tier: "Bronze", Now: entered}, func(tx MemberTx) error {
			m := tx.Member()
			m.TotalPoints = points
			m.MembershipStatus = status
			return tx.SaveMember(ctx, m)
		})
		require.NoError(t, err)
	}
	put("b", 100, t0.Add(time.Minute), MembershipActive)
	put("a", 100, t0.Add(time.Minute), MembershipActive)
	put("c", 100, t0, MembershipActive)
	put("d", 500, t0.Add(time.Hour), MembershipActive)
	put("gone", 9000, t0, MembershipCancelled)

	rows, err := s.Leaderboard(ctx, 10, 0)
	require.NoError(t, err)
	var ids []string
	for i, r := range rows {
		ids = append(ids, r.MemberID)
		assert.Equal(t, i+1, r.Rank)
	}
	assert.Equal(t, []string{"d", "c", "a", "b"}, ids)

	rank, err := s.Rank(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, rank)

	_, err = s.Rank(ctx, "gone")
	require.ErrorIs(t, err, common.ErrNotFound)

	page, err := s.Leaderboard(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].MemberID)
	assert.Equal(t, 4, page[0].Rank)
}

func TestUnlockInsertedOncePerPair(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateRewardConfig(ctx, &RewardConfig{ID: "r1", TierName: "Bronze", Kind: RewardAccess, Title: "Чат", Active: true}))

	for i, want := range []bool{true, false} {
		err := s.InMemberTx(ctx, "m1", seed(), func(tx MemberTx) error {
			inserted, err := tx.InsertUnlockIfAbsent(ctx, &RewardUnlock{RewardConfigID: "r1", UnlockedAt: t0})
			assert.Equal(t, want, inserted, "попытка %d", i)
			return err
		})
		require.NoError(t, err)
	}

	unlocks, err := s.ListUnlocks(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, unlocks, 1)
	assert.Equal(t, "m1", unlocks[0].MemberID)
}

func TestDeletedRewardConfigIsHidden(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateRewardConfig(ctx, &RewardConfig{ID: "r1", TierName: "Bronze", Kind: RewardAccess, Title: "Чат", Active: true}))
	require.NoError(t, s.DeleteRewardConfig(ctx, "r1", t0))

	_, err := s.GetRewardConfig(ctx, "r1")
	require.ErrorIs(t, err, common.ErrNotFound)
	cfgs, err := s.ListRewardConfigs(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, cfgs)
	require.ErrorIs(t, s.DeleteRewardConfig(ctx, "r1", t0), common.ErrNotFound)
}

func TestWebhookLifecycle(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	ev := &WebhookEvent{DeliveryID: "d1", EventKind: "member.joined", Payload: []byte(`{}`), Status: WebhookProcessing, ReceivedAt: t0, UpdatedAt: t0}

	_, claimed, err := s.ClaimWebhook(ctx, ev)
	require.NoError(t, err)
	require.True(t, claimed)

	existing, claimed, err := s.ClaimWebhook(ctx, ev)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, WebhookProcessing, existing.Status)

	// Свежая processing не захватывается повторно
	_, ok, err := s.ReclaimWebhook(ctx, "d1", 3, t0.Add(-time.Minute), t0)
	require.NoError(t, err)
	assert.False(t, ok)

	failed, err := s.FailWebhook(ctx, "d1", "сбой", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.RetryCount)

	retryable, err := s.ListRetryableWebhooks(ctx, 3, t0, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)

	rec, ok, err := s.ReclaimWebhook(ctx, "d1", 3, t0, t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, WebhookProcessing, rec.Status)

	require.NoError(t, s.CompleteWebhook(ctx, "d1", []byte(`{"status":"succeeded"}`), t0))
	got, err := s.GetWebhook(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, WebhookSucceeded, got.Status)
	assert.Empty(t, got.LastError)

	// Успешную запись больше не трогаем
	_, ok, err = s.ReclaimWebhook(ctx, "d1", 3, t0.Add(time.Hour), t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPoisonWebhooksAboveCeiling(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_, _, err := s.ClaimWebhook(ctx, &WebhookEvent{DeliveryID: "d1", Status: WebhookProcessing, ReceivedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)

	for range 2 {
		_, err := s.FailWebhook(ctx, "d1", "сбой", t0)
		require.NoError(t, err)
	}

	poison, err := s.ListPoisonWebhooks(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, poison, 1)

	retryable, err := s.ListRetryableWebhooks(ctx, 1, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	poison, err = s.ListPoisonWebhooks(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, poison)
}

func TestRankLess(t *testing.T) {
	a := &Member{MemberID: "a", TotalPoints: 10, TierEnteredAt: t0}
	b := &Member{MemberID: "b", TotalPoints: 10, TierEnteredAt: t0}
	c := &Member{MemberID: "c", TotalPoints: 10, TierEnteredAt: t0.Add(-time.Second)}
	d := &Member{MemberID: "d", TotalPoints: 11, TierEnteredAt: t0}

	assert.True(t, RankLess(a, b))
	assert.False(t, RankLess(b, a))
	assert.True(t, RankLess(c, a))
	assert.True(t, RankLess(d, c))
	assert.False(t, RankLess(a, a))
}
