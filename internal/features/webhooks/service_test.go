package webhooks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/config"
	"serotonyl.ru/engagement/internal/features/ledger"
	"serotonyl.ru/engagement/internal/features/members"
	"serotonyl.ru/engagement/internal/metrics"
	"serotonyl.ru/engagement/internal/store"
)

const secret = "whsec_test"

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	pipeline *Pipeline
	store    *store.Memory
	ledger   *ledger.Service
	clock    *common.ManualClock
}

func newFixture(rules *config.RulesProvider) *fixture {
	st := store.NewMemory()
	clock := common.NewManualClock(t0)
	m := metrics.New()
	ledgerSvc := ledger.NewService(st, rules, clock, m, ledger.Options{})
	membersSvc := members.NewService(st, rules, clock, 3)
	p := NewPipeline(st, NewVerifier([]string{secret}, 5*time.Minute, clock), ledgerSvc, membersSvc, rules, clock, m, Options{
		MaxRetries:      3,
		ProcessingLease: 10 * time.Minute,
	})
	return &fixture{pipeline: p, store: st, ledger: ledgerSvc, clock: clock}
}

func defaultFixture() *fixture {
	return newFixture(config.StaticRules(config.DefaultRules()))
}

func envelope(t *testing.T, id, kind string, created time.Time, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"id": id, "type": kind, "created_at": created, "data": data})
	require.NoError(t, err)
	return raw
}

func (f *fixture) ingest(t *testing.T, body []byte) *Result {
	t.Helper()
	sig, ts := Sign(body, secret, f.clock.Now())
	res, err := f.pipeline.Ingest(context.Background(), body, sig, ts)
	require.NoError(t, err)
	return res
}

func (f *fixture) total(t *testing.T, memberID string) int64 {
	t.Helper()
	m, err := f.store.GetMember(context.Background(), memberID)
	require.NoError(t, err)
	return m.TotalPoints
}

func TestMemberJoinedAwardsPointsOnce(t *testing.T) {
	f := defaultFixture()
	body := envelope(t, "evt_1", KindMemberJoined, t0, map[string]any{"member_id": "m1", "display_name": "Аня"})

	res := f.ingest(t, body)
	assert.Equal(t, store.WebhookSucceeded, res.Status)
	assert.False(t, res.Duplicate)
	assert.Equal(t, []string{"wh:join:m1"}, res.EventIDs)

	m, err := f.store.GetMember(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "Аня", m.DisplayName)
	assert.Equal(t, store.MembershipActive, m.MembershipStatus)
	assert.EqualValues(t, 10, m.TotalPoints)

	// Повтор той же доставки: сохранённый результат, без изменений
	again := f.ingest(t, body)
	assert.True(t, again.Duplicate)
	assert.Equal(t, store.WebhookSucceeded, again.Status)
	assert.Equal(t, res.EventIDs, again.EventIDs)

	// Повторное вступление другой доставкой бонус не даёт
	f.ingest(t, envelope(t, "evt_2", KindMemberJoined, t0.Add(time.Hour), map[string]any{"member_id": "m1"}))
	assert.EqualValues(t, 10, f.total(t, "m1"))

	events, err := f.ledger.ListEvents(context.Background(), "m1", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, store.KindWebhookDerived, events[0].ActivityKind)
}

func TestCourseCompletedCountedOncePerCourse(t *testing.T) {
	f := defaultFixture()
	data := map[string]any{"member_id": "m1", "course_id": "go-101", "course_name": "Go с нуля"}

	res := f.ingest(t, envelope(t, "evt_1", KindCourseCompleted, t0, data))
	assert.Equal(t, []string{"wh:course:m1:go-101"}, res.EventIDs)
	f.ingest(t, envelope(t, "evt_2", KindCourseCompleted, t0, data))

	assert.EqualValues(t, 50, f.total(t, "m1"))
}

func TestPurchasePoints(t *testing.T) {
	cases := []struct {
		name   string
		amount int64
		want   int64
	}{
		{"обычная", 12345, 123},
		{"выше лимита", 99_999_999, 500},
		{"меньше единицы", 50, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := defaultFixture()
			f.ingest(t, envelope(t, "evt_j", KindMemberJoined, t0, map[string]any{"member_id": "m1"}))

			res := f.ingest(t, envelope(t, "evt_p", KindPurchaseCompleted, t0, map[string]any{
				"member_id": "m1", "purchase_id": "ord-7", "amount": tc.amount, "currency": "RUB",
			}))
			assert.Equal(t, store.WebhookSucceeded, res.Status)
			assert.EqualValues(t, 10+tc.want, f.total(t, "m1"))
			if tc.want == 0 {
				assert.Empty(t, res.EventIDs)
			} else {
				assert.Equal(t, []string{"wh:purchase:ord-7"}, res.EventIDs)
			}
		})
	}
}

func TestUnknownKindIgnored(t *testing.T) {
	f := defaultFixture()
	res := f.ingest(t, envelope(t, "evt_1", "subscription.paused", t0, map[string]any{"member_id": "m1"}))

	assert.Equal(t, store.WebhookSucceeded, res.Status)
	assert.True(t, res.Ignored)

	rec, err := f.store.GetWebhook(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, store.WebhookSucceeded, rec.Status)
	_, err = f.store.GetMember(context.Background(), "m1")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestBadSignatureNotStored(t *testing.T) {
	f := defaultFixture()
	body := envelope(t, "evt_1", KindMemberJoined, t0, map[string]any{"member_id": "m1"})
	sig, ts := Sign(body, "wrong", t0)

	_, err := f.pipeline.Ingest(context.Background(), body, sig, ts)
	require.ErrorIs(t, err, common.ErrSignatureInvalid)

	_, err = f.store.GetWebhook(context.Background(), "evt_1")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestInvalidJSONStoredAsFailed(t *testing.T) {
	f := defaultFixture()
	res := f.ingest(t, []byte(`{"id": "evt_1", "type": `))

	assert.Equal(t, store.WebhookFailed, res.Status)
	assert.True(t, strings.HasPrefix(res.DeliveryID, "sha256:"))
	assert.Equal(t, 1, res.RetryCount)
	assert.NotEmpty(t, res.Error)

	rec, err := f.store.GetWebhook(context.Background(), res.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, store.WebhookFailed, rec.Status)
}

func TestPoisonAfterRetriesExhausted(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	// Без course_id обработчик падает всегда
	body := envelope(t, "evt_bad", KindCourseCompleted, t0, map[string]any{"member_id": "m1"})

	res := f.ingest(t, body)
	assert.Equal(t, store.WebhookFailed, res.Status)
	assert.Equal(t, 1, res.RetryCount)
	assert.False(t, res.Poison)

	for sweep := 1; sweep <= 3; sweep++ {
		f.clock.Advance(time.Minute)
		sr, err := f.pipeline.RetryFailed(ctx, f.pipeline.MaxRetries())
		require.NoError(t, err)
		assert.Equal(t, 1, sr.Retried, "проход %d", sweep)
		assert.Equal(t, 1, sr.Failed, "проход %d", sweep)
		assert.Equal(t, sweep == 3, sr.Poisoned == 1, "проход %d", sweep)
	}

	sr, err := f.pipeline.RetryFailed(ctx, f.pipeline.MaxRetries())
	require.NoError(t, err)
	assert.Zero(t, sr.Retried)

	poison, err := f.pipeline.ListPoison(ctx, 0)
	require.NoError(t, err)
	require.Len(t, poison, 1)
	assert.Equal(t, "evt_bad", poison[0].DeliveryID)
	assert.Equal(t, 4, poison[0].RetryCount)
	assert.JSONEq(t, string(body), poison[0].Payload)

	// Повторная доставка poison-записи её не обрабатывает
	again := f.ingest(t, body)
	assert.True(t, again.Duplicate)
	assert.True(t, again.Poison)
	assert.Equal(t, 4, again.RetryCount)
}

func TestRedeliveryRetriesFailed(t *testing.T) {
	f := defaultFixture()
	body := envelope(t, "evt_bad", KindPurchaseCompleted, t0, map[string]any{"member_id": "m1", "amount": 0})

	first := f.ingest(t, body)
	assert.Equal(t, 1, first.RetryCount)

	second := f.ingest(t, body)
	assert.False(t, second.Duplicate)
	assert.Equal(t, store.WebhookFailed, second.Status)
	assert.Equal(t, 2, second.RetryCount)
}

func TestSweepSucceedsAfterRulesFixed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules := func(enabled bool) {
		doc := `
tiers:
  - {name: Bronze, min_points: 0}
  - {name: Silver, min_points: 100}
activities:
  external-webhook-derived: {enabled: ` + strconv.FormatBool(enabled) + `, max_points: 1000}
webhooks:
  course_completed_points: 120
`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	}
	writeRules(false)
	rules, err := config.NewRulesProvider(path)
	require.NoError(t, err)
	f := newFixture(rules)
	ctx := context.Background()

	res := f.ingest(t, envelope(t, "evt_1", KindCourseCompleted, t0, map[string]any{"member_id": "m1", "course_id": "c1"}))
	require.Equal(t, store.WebhookFailed, res.Status)

	writeRules(true)
	require.NoError(t, rules.Reload())

	sr, err := f.pipeline.RetryFailed(ctx, f.pipeline.MaxRetries())
	require.NoError(t, err)
	assert.Equal(t, 1, sr.Retried)
	assert.Equal(t, 1, sr.Succeeded)

	m, err := f.store.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 120, m.TotalPoints)
	assert.Equal(t, "Silver", m.CurrentTier)

	rec, err := f.store.GetWebhook(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, store.WebhookSucceeded, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestSweepRecoversStaleProcessing(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()
	body := envelope(t, "evt_1", KindMemberJoined, t0, map[string]any{"member_id": "m1"})

	// Процесс упал посреди обработки: запись осталась processing
	_, claimed, err := f.store.ClaimWebhook(ctx, &store.WebhookEvent{
		DeliveryID: "evt_1", EventKind: KindMemberJoined, Payload: body,
		Status: store.WebhookProcessing, ReceivedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	sr, err := f.pipeline.RetryFailed(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, sr.Retried, "lease ещё не истёк")

	f.clock.Advance(11 * time.Minute)
	sr, err = f.pipeline.RetryFailed(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, sr.Succeeded)
	assert.EqualValues(t, 10, f.total(t, "m1"))
}

func TestRetryFailedRejectsNegativeCeiling(t *testing.T) {
	f := defaultFixture()
	_, err := f.pipeline.RetryFailed(context.Background(), -1)
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestMembershipEventsOutOfOrder(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()

	f.ingest(t, envelope(t, "evt_j1", KindMemberJoined, t0, map[string]any{"member_id": "m1"}))
	f.ingest(t, envelope(t, "evt_c", KindMembershipCancelled, t0.Add(2*time.Hour), map[string]any{"member_id": "m1"}))
	// Запоздавшее вступление старше отмены
	f.ingest(t, envelope(t, "evt_j0", KindMemberJoined, t0.Add(time.Hour), map[string]any{"member_id": "m1"}))

	m, err := f.store.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, store.MembershipCancelled, m.MembershipStatus)
	assert.EqualValues(t, 10, m.TotalPoints, "очки при отмене сохраняются")

	f.ingest(t, envelope(t, "evt_u", KindMemberUpdated, t0.Add(3*time.Hour), map[string]any{"member_id": "m1", "display_name": "Анна"}))
	f.ingest(t, envelope(t, "evt_j2", KindMemberJoined, t0.Add(4*time.Hour), map[string]any{"member_id": "m1"}))

	m, err = f.store.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, store.MembershipActive, m.MembershipStatus)
	assert.Equal(t, "Анна", m.DisplayName)

	// Запоздавшие имена старше уже применённого не откатывают его
	f.ingest(t, envelope(t, "evt_u2", KindMemberUpdated, t0.Add(6*time.Hour), map[string]any{"member_id": "m1", "display_name": "Новое"}))
	f.ingest(t, envelope(t, "evt_u1", KindMemberUpdated, t0.Add(5*time.Hour), map[string]any{"member_id": "m1", "display_name": "Старое"}))
	f.ingest(t, envelope(t, "evt_j3", KindMemberJoined, t0.Add(5*time.Hour), map[string]any{"member_id": "m1", "display_name": "Совсем старое"}))

	m, err = f.store.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Новое", m.DisplayName)
	assert.Equal(t, store.MembershipActive, m.MembershipStatus)
}

func TestForeignEventIDCannotPreemptAward(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()

	stolen := ledger.Activity{
		EventID:  "wh:course:victim:go-101",
		MemberID: "attacker",
		Kind:     store.KindForumPost,
		Metadata: map[string]any{"post_id": "p1"},
	}
	_, err := f.ledger.AppendEvent(ctx, stolen)
	require.ErrorIs(t, err, common.ErrValidation)

	// Без префикса ID чужой, но свой для атакующего: начисление жертве не задето
	stolen.EventID = "course:victim:go-101"
	_, err = f.ledger.AppendEvent(ctx, stolen)
	require.NoError(t, err)

	res := f.ingest(t, envelope(t, "evt_c1", KindCourseCompleted, t0, map[string]any{"member_id": "victim", "course_id": "go-101"}))
	require.Equal(t, store.WebhookSucceeded, res.Status)
	assert.Equal(t, []string{"wh:course:victim:go-101"}, res.EventIDs)
	assert.EqualValues(t, 50, f.total(t, "victim"))
	assert.EqualValues(t, 10, f.total(t, "attacker"))
}

func TestAwardCollidingWithAnotherMemberFails(t *testing.T) {
	f := defaultFixture()
	ctx := context.Background()

	// Покупка без purchase_id получает ID из ключа доставки
	one := int64(1)
	_, err := f.ledger.AppendEvent(ctx, ledger.Activity{
		EventID:  "wh:evt_p:0",
		MemberID: "other",
		Kind:     store.KindWebhookDerived,
		Points:   &one,
		External: true,
	})
	require.NoError(t, err)

	res := f.ingest(t, envelope(t, "evt_p", KindPurchaseCompleted, t0, map[string]any{"member_id": "m1", "amount": 10000}))
	assert.Equal(t, store.WebhookFailed, res.Status)
	assert.Equal(t, 1, res.RetryCount)
	assert.False(t, res.Duplicate)
}

func TestZeroCourseAwardWritesNoEvent(t *testing.T) {
	rules := config.DefaultRules()
	rules.Webhooks.CourseCompletedPoints = 0
	f := newFixture(config.StaticRules(rules))

	res := f.ingest(t, envelope(t, "evt_c0", KindCourseCompleted, t0, map[string]any{"member_id": "m1", "course_id": "go-101"}))
	assert.Equal(t, store.WebhookSucceeded, res.Status)
	assert.Empty(t, res.EventIDs)

	_, err := f.store.GetMember(context.Background(), "m1")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeliveryKeyWithoutID(t *testing.T) {
	f := defaultFixture()
	body := envelope(t, "", KindMemberJoined, t0, map[string]any{"member_id": "m1"})

	first := f.ingest(t, body)
	assert.True(t, strings.HasPrefix(first.DeliveryID, "sha256:"))
	second := f.ingest(t, body)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DeliveryID, second.DeliveryID)
}
