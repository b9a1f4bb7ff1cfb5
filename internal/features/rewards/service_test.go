package rewards

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/config"
	"serotonyl.ru/engagement/internal/features/tiers"
	"serotonyl.ru/engagement/internal/metrics"
	"serotonyl.ru/engagement/internal/store"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	store *store.Memory
	rules *config.RulesProvider
	clock *common.ManualClock
}

func newFixture() *fixture {
	st := store.NewMemory()
	rules := config.StaticRules(config.DefaultRules())
	clock := common.NewManualClock(t0)
	return &fixture{
		svc:   NewService(st, rules, clock, metrics.New(), "community", 3),
		store: st,
		rules: rules,
		clock: clock,
	}
}

// setPoints выставляет сумму участника и пересчитывает уровень, не выдавая наград.
func (f *fixture) setPoints(t *testing.T, memberID string, total int64) {
	t.Helper()
	ctx := context.Background()
	def := f.rules.TierDefinition()
	err := f.store.InMemberTx(ctx, memberID, &store.MemberSeed{Tier: def.Lowest(), Now: f.clock.Now()}, func(tx store.MemberTx) error {
		m := tx.Member()
		m.TotalPoints = total
		if _, err := tiers.Apply(ctx, tx, def, m, f.clock.Now()); err != nil {
			return err
		}
		return tx.SaveMember(ctx, m)
	})
	require.NoError(t, err)
}

func (f *fixture) create(t *testing.T, tier string, oneTime bool) *store.RewardConfig {
	t.Helper()
	cfg, err := f.svc.CreateConfig(context.Background(), ConfigInput{
		TierName:   tier,
		Kind:       store.RewardDiscount,
		Title:      "Скидка " + tier,
		Payload:    map[string]any{"percent": 10},
		OneTimeUse: oneTime,
	})
	require.NoError(t, err)
	return cfg
}

func TestEvaluateUnlocksOnceThenNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bronze := f.create(t, "Bronze", true)
	silver := f.create(t, "Silver", true)
	f.create(t, "Gold", true)
	f.setPoints(t, "m1", 150)

	unlocked, err := f.svc.EvaluateUnlocks(ctx, "m1")
	require.NoError(t, err)
	var ids []string
	for _, u := range unlocked {
		ids = append(ids, u.RewardConfigID)
		assert.Equal(t, "m1", u.MemberID)
		assert.Equal(t, t0, u.UnlockedAt)
	}
	assert.ElementsMatch(t, []string{bronze.ID, silver.ID}, ids)

	unlocked, err = f.svc.EvaluateUnlocks(ctx, "m1")
	require.NoError(t, err)
	assert.NotNil(t, unlocked)
	assert.Empty(t, unlocked)
}

func TestEvaluateUnlocksConcurrent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.create(t, "Bronze", true)
	f.create(t, "Silver", false)
	f.setPoints(t, "m1", 100)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlocked, err := f.svc.EvaluateUnlocks(ctx, "m1")
			assert.NoError(t, err)
			mu.Lock()
			total += len(unlocked)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, total)
	unlocks, err := f.store.ListUnlocks(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, unlocks, 2)
}

func TestEvaluateUnlocksUnknownMember(t *testing.T) {
	f := newFixture()
	_, err := f.svc.EvaluateUnlocks(context.Background(), "ghost")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestInactiveRewardNotUnlocked(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	off := false
	_, err := f.svc.CreateConfig(ctx, ConfigInput{TierName: "Bronze", Kind: store.RewardContent, Title: "Архив", Active: &off})
	require.NoError(t, err)
	f.setPoints(t, "m1", 0)

	unlocked, err := f.svc.EvaluateUnlocks(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, unlocked)
}

func TestUseOneTimeReward(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cfg := f.create(t, "Bronze", true)
	f.setPoints(t, "m1", 10)

	_, err := f.svc.UseReward(ctx, "m1", cfg.ID)
	require.ErrorIs(t, err, common.ErrNotFound, "ещё не выдана")

	_, err = f.svc.EvaluateUnlocks(ctx, "m1")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	u, err := f.svc.UseReward(ctx, "m1", cfg.ID)
	require.NoError(t, err)
	assert.True(t, u.Used)
	require.NotNil(t, u.UsedAt)
	assert.Equal(t, t0.Add(time.Hour), *u.UsedAt)
	assert.Equal(t, 1, u.UseCount)

	_, err = f.svc.UseReward(ctx, "m1", cfg.ID)
	require.ErrorIs(t, err, common.ErrAlreadyUsed)
}

func TestUseReusableReward(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cfg := f.create(t, "Bronze", false)
	f.setPoints(t, "m1", 10)
	_, err := f.svc.EvaluateUnlocks(ctx, "m1")
	require.NoError(t, err)

	first, err := f.svc.UseReward(ctx, "m1", cfg.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	second, err := f.svc.UseReward(ctx, "m1", cfg.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, second.UseCount)
	assert.Equal(t, *first.UsedAt, *second.UsedAt)
}

func TestUseDeletedReward(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cfg := f.create(t, "Bronze", true)
	f.setPoints(t, "m1", 10)
	_, err := f.svc.EvaluateUnlocks(ctx, "m1")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteConfig(ctx, cfg.ID))
	_, err = f.svc.UseReward(ctx, "m1", cfg.ID)
	require.ErrorIs(t, err, common.ErrNotFound)

	// Запись о выдаче остаётся
	unlocks, err := f.store.ListUnlocks(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, unlocks, 1)
}

func TestDemotionKeepsRewards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	silver := f.create(t, "Silver", true)
	f.setPoints(t, "m1", 120)
	_, err := f.svc.EvaluateUnlocks(ctx, "m1")
	require.NoError(t, err)

	f.setPoints(t, "m1", 20)
	list, err := f.svc.ListForMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Bronze", list.Tier)
	require.Len(t, list.Unlocked, 1)
	assert.Equal(t, silver.ID, list.Unlocked[0].Config.ID)

	_, err = f.svc.UseReward(ctx, "m1", silver.ID)
	require.NoError(t, err)
}

func TestListForMember(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bronze := f.create(t, "Bronze", true)
	gold := f.create(t, "Gold", true)
	silver := f.create(t, "Silver", true)
	f.setPoints(t, "m1", 150)
	_, err := f.svc.EvaluateUnlocks(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteConfig(ctx, bronze.ID))

	list, err := f.svc.ListForMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Silver", list.Tier)

	require.Len(t, list.Unlocked, 1)
	assert.Equal(t, silver.ID, list.Unlocked[0].Config.ID)
	require.Len(t, list.Available, 1)
	assert.Equal(t, gold.ID, list.Available[0].Config.ID)
	assert.False(t, list.Available[0].Eligible)

	_, err = f.svc.ListForMember(ctx, "ghost")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestConfigValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cases := map[string]ConfigInput{
		"неизвестный уровень": {TierName: "Mythic", Kind: store.RewardAccess, Title: "x"},
		"неизвестный вид":     {TierName: "Gold", Kind: "nft", Title: "x"},
		"без названия":        {TierName: "Gold", Kind: store.RewardAccess, Title: "  "},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateConfig(ctx, in)
			require.ErrorIs(t, err, common.ErrValidation)
		})
	}
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cfg := f.create(t, "Bronze", true)
	assert.Equal(t, "community", cfg.CommunityID)
	assert.True(t, cfg.Active)

	off := false
	f.clock.Advance(time.Minute)
	updated, err := f.svc.UpdateConfig(ctx, cfg.ID, ConfigInput{TierName: "Gold", Kind: store.RewardSupport, Title: "Поддержка", Active: &off})
	require.NoError(t, err)
	assert.Equal(t, "Gold", updated.TierName)
	assert.False(t, updated.Active)
	assert.Equal(t, t0.Add(time.Minute), updated.UpdatedAt)

	active, err := f.svc.ListConfigs(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := f.svc.ListConfigs(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.svc.UpdateConfig(ctx, "missing", ConfigInput{TierName: "Gold", Kind: store.RewardSupport, Title: "x"})
	require.ErrorIs(t, err, common.ErrNotFound)
}
