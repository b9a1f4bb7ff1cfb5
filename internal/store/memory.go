package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/engagement/internal/common"
)

type unlockKey struct {
	memberID string
	configID string
}

// Memory — хранилище в памяти процесса.
// Используется в тестах и при STORAGE_DRIVER=memory.
//
// Блокировка участника — отдельный мьютекс на каждого member_id,
// записи транзакции копятся в memTx и применяются разом при коммите.
type Memory struct {
	mu            sync.RWMutex
	members       map[string]*Member
	events        map[string][]Event
	eventIDs      map[string]string // event_id → member_id
	history       map[string][]TierHistoryEntry
	nextHistoryID int64
	configs       map[string]*RewardConfig
	unlocks       map[unlockKey]*RewardUnlock
	webhooks      map[string]*WebhookEvent

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		members:  make(map[string]*Member),
		events:   make(map[string][]Event),
		eventIDs: make(map[string]string),
		history:  make(map[string][]TierHistoryEntry),
		configs:  make(map[string]*RewardConfig),
		unlocks:  make(map[unlockKey]*RewardUnlock),
		webhooks: make(map[string]*WebhookEvent),
		locks:    make(map[string]*sync.Mutex),
	}
}

var _ Store = (*Memory)(nil)

func (s *Memory) memberLock(memberID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[memberID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[memberID] = l
	}
	return l
}

// InMemberTx — см. Store.InMemberTx.
func (s *Memory) InMemberTx(ctx context.Context, memberID string, seed *MemberSeed, fn func(tx MemberTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.memberLock(memberID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.members[memberID]
	var m Member
	if ok {
		m = cloneMember(cur)
	}
	s.mu.RUnlock()

	tx := &memTx{s: s, unlockUpdates: make(map[string]RewardUnlock)}
	if !ok {
		if seed == nil {
			return fmt.Errorf("%w: участник %s", common.ErrNotFound, memberID)
		}
		m = Member{
			MemberID:         memberID,
			DisplayName:      seed.DisplayName,
			CurrentTier:      seed.Tier,
			TierEnteredAt:    seed.Now,
			MembershipStatus: MembershipActive,
			CreatedAt:        seed.Now,
			UpdatedAt:        seed.Now,
		}
		tx.dirty = true
	}
	tx.member = m

	if err := fn(tx); err != nil {
		return err
	}
	// Отменённый до коммита вызов не оставляет следов
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Memory) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range tx.events {
		if _, dup := s.eventIDs[ev.EventID]; dup {
			// Параллельная транзакция другого участника успела записать тот же ID
			return fmt.Errorf("%w: событие %s уже записано", common.ErrStorageUnavailable, ev.EventID)
		}
	}

	id := tx.member.MemberID
	if tx.dirty {
		m := cloneMember(&tx.member)
		s.members[id] = &m
	}
	for _, ev := range tx.events {
		s.eventIDs[ev.EventID] = id
		s.events[id] = append(s.events[id], ev)
	}
	for _, h := range tx.history {
		s.nextHistoryID++
		h.ID = s.nextHistoryID
		s.history[id] = append(s.history[id], h)
	}
	for _, u := range tx.unlockInserts {
		s.unlocks[unlockKey{id, u.RewardConfigID}] = &u
	}
	for cfgID, u := range tx.unlockUpdates {
		s.unlocks[unlockKey{id, cfgID}] = &u
	}
	return nil
}

type memTx struct {
	s      *Memory
	member Member
	dirty  bool

	events        []Event
	history       []TierHistoryEntry
	unlockInserts []RewardUnlock
	unlockUpdates map[string]RewardUnlock
}

func (tx *memTx) Member() *Member {
	m := cloneMember(&tx.member)
	return &m
}

func (tx *memTx) SaveMember(_ context.Context, m *Member) error {
	if m.MemberID != tx.member.MemberID {
		return fmt.Errorf("попытка сохранить чужого участника %s в транзакции %s", m.MemberID, tx.member.MemberID)
	}
	tx.member = cloneMember(m)
	tx.dirty = true
	return nil
}

func (tx *memTx) InsertEvent(_ context.Context, ev *Event) (bool, error) {
	for _, staged := range tx.events {
		if staged.EventID == ev.EventID {
			return false, nil
		}
	}
	tx.s.mu.RLock()
	owner, exists := tx.s.eventIDs[ev.EventID]
	tx.s.mu.RUnlock()
	if exists {
		if owner != tx.member.MemberID {
			return false, EventIDTaken(ev.EventID)
		}
		return false, nil
	}
	tx.events = append(tx.events, cloneEvent(ev))
	return true, nil
}

func (tx *memTx) CountScoredEvents(_ context.Context, kind string, since time.Time) (int, error) {
	count := func(evs []Event) int {
		n := 0
		for _, ev := range evs {
			if ev.ActivityKind == kind && ev.Status == EventScored && !ev.CreatedAt.Before(since) {
				n++
			}
		}
		return n
	}

	tx.s.mu.RLock()
	n := count(tx.s.events[tx.member.MemberID])
	tx.s.mu.RUnlock()
	return n + count(tx.events), nil
}

func (tx *memTx) InsertTierHistory(_ context.Context, h *TierHistoryEntry) error {
	tx.history = append(tx.history, *h)
	return nil
}

func (tx *memTx) ActiveRewardConfigs(_ context.Context) ([]RewardConfig, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	var out []RewardConfig
	for _, c := range tx.s.configs {
		if c.Active && c.DeletedAt == nil {
			out = append(out, cloneConfig(c))
		}
	}
	sortConfigs(out)
	return out, nil
}

func (tx *memTx) InsertUnlockIfAbsent(_ context.Context, u *RewardUnlock) (bool, error) {
	for _, staged := range tx.unlockInserts {
		if staged.RewardConfigID == u.RewardConfigID {
			return false, nil
		}
	}
	tx.s.mu.RLock()
	_, exists := tx.s.unlocks[unlockKey{tx.member.MemberID, u.RewardConfigID}]
	tx.s.mu.RUnlock()
	if exists {
		return false, nil
	}
	cp := *u
	cp.MemberID = tx.member.MemberID
	tx.unlockInserts = append(tx.unlockInserts, cp)
	return true, nil
}

func (tx *memTx) GetUnlock(_ context.Context, rewardConfigID string) (*RewardUnlock, error) {
	if u, ok := tx.unlockUpdates[rewardConfigID]; ok {
		return cloneUnlock(&u), nil
	}
	for _, u := range tx.unlockInserts {
		if u.RewardConfigID == rewardConfigID {
			return cloneUnlock(&u), nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	u, ok := tx.s.unlocks[unlockKey{tx.member.MemberID, rewardConfigID}]
	if !ok {
		return nil, fmt.Errorf("%w: награда %s не разблокирована", common.ErrNotFound, rewardConfigID)
	}
	return cloneUnlock(u), nil
}

func (tx *memTx) SaveUnlock(_ context.Context, u *RewardUnlock) error {
	for i := range tx.unlockInserts {
		if tx.unlockInserts[i].RewardConfigID == u.RewardConfigID {
			tx.unlockInserts[i] = *cloneUnlock(u)
			return nil
		}
	}
	cp := *cloneUnlock(u)
	cp.MemberID = tx.member.MemberID
	tx.unlockUpdates[u.RewardConfigID] = cp
	return nil
}

// ============================================================================
// Чтения
// ============================================================================

func (s *Memory) GetMember(_ context.Context, memberID string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberID]
	if !ok {
		return nil, fmt.Errorf("%w: участник %s", common.ErrNotFound, memberID)
	}
	cp := cloneMember(m)
	return &cp, nil
}

func (s *Memory) ListEvents(_ context.Context, memberID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[memberID]
	out := make([]Event, 0, min(len(evs), max(limit, 0)))
	for i := len(evs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneEvent(&evs[i]))
	}
	return out, nil
}

func (s *Memory) SumEventPoints(_ context.Context, memberID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, ev := range s.events[memberID] {
		sum += ev.Points
	}
	return sum, nil
}

func (s *Memory) ListTierHistory(_ context.Context, memberID string, limit int) ([]TierHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs := s.history[memberID]
	out := make([]TierHistoryEntry, 0, min(len(hs), max(limit, 0)))
	for i := len(hs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, hs[i])
	}
	return out, nil
}

func (s *Memory) rankedLocked() []*Member {
	active := make([]*Member, 0, len(s.members))
	for _, m := range s.members {
		if m.MembershipStatus == MembershipActive {
			active = append(active, m)
		}
	}
	sort.Slice(active, func(i, j int) bool { return RankLess(active[i], active[j]) })
	return active
}

func (s *Memory) Leaderboard(_ context.Context, limit, offset int) ([]RankedMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ranked := s.rankedLocked()
	if offset >= len(ranked) {
		return []RankedMember{}, nil
	}
	end := min(offset+limit, len(ranked))
	out := make([]RankedMember, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, RankedMember{Member: cloneMember(ranked[i]), Rank: i + 1})
	}
	return out, nil
}

func (s *Memory) Rank(_ context.Context, memberID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	me, ok := s.members[memberID]
	if !ok || me.MembershipStatus != MembershipActive {
		return 0, fmt.Errorf("%w: участник %s не участвует в рейтинге", common.ErrNotFound, memberID)
	}
	ahead := 0
	for _, m := range s.members {
		if m.MembershipStatus == MembershipActive && RankLess(m, me) {
			ahead++
		}
	}
	return ahead + 1, nil
}

// ============================================================================
// Награды
// ============================================================================

func (s *Memory) CreateRewardConfig(_ context.Context, cfg *RewardConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[cfg.ID]; ok {
		return fmt.Errorf("%w: награда %s уже существует", common.ErrValidation, cfg.ID)
	}
	cp := cloneConfig(cfg)
	s.configs[cfg.ID] = &cp
	return nil
}

func (s *Memory) UpdateRewardConfig(_ context.Context, cfg *RewardConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.configs[cfg.ID]
	if !ok || cur.DeletedAt != nil {
		return fmt.Errorf("%w: награда %s", common.ErrNotFound, cfg.ID)
	}
	cp := cloneConfig(cfg)
	cp.CreatedAt = cur.CreatedAt
	s.configs[cfg.ID] = &cp
	return nil
}

func (s *Memory) DeleteRewardConfig(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.configs[id]
	if !ok || cur.DeletedAt != nil {
		return fmt.Errorf("%w: награда %s", common.ErrNotFound, id)
	}
	cur.DeletedAt = &at
	cur.Active = false
	cur.UpdatedAt = at
	return nil
}

func (s *Memory) GetRewardConfig(_ context.Context, id string) (*RewardConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.configs[id]
	if !ok || cur.DeletedAt != nil {
		return nil, fmt.Errorf("%w: награда %s", common.ErrNotFound, id)
	}
	cp := cloneConfig(cur)
	return &cp, nil
}

func (s *Memory) ListRewardConfigs(_ context.Context, includeInactive bool) ([]RewardConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RewardConfig, 0, len(s.configs))
	for _, c := range s.configs {
		if c.DeletedAt != nil || (!includeInactive && !c.Active) {
			continue
		}
		out = append(out, cloneConfig(c))
	}
	sortConfigs(out)
	return out, nil
}

func (s *Memory) ListUnlocks(_ context.Context, memberID string) ([]RewardUnlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RewardUnlock
	for k, u := range s.unlocks {
		if k.memberID == memberID {
			out = append(out, *cloneUnlock(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnlockedAt.Equal(out[j].UnlockedAt) {
			return out[i].UnlockedAt.Before(out[j].UnlockedAt)
		}
		return out[i].RewardConfigID < out[j].RewardConfigID
	})
	return out, nil
}

// ============================================================================
// Вебхуки
// ============================================================================

func (s *Memory) ClaimWebhook(_ context.Context, ev *WebhookEvent) (*WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.webhooks[ev.DeliveryID]; ok {
		return cloneWebhook(cur), false, nil
	}
	s.webhooks[ev.DeliveryID] = cloneWebhook(ev)
	return cloneWebhook(ev), true, nil
}

func (s *Memory) ReclaimWebhook(_ context.Context, deliveryID string, maxRetries int, staleBefore, now time.Time) (*WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.webhooks[deliveryID]
	if !ok || !retryable(cur, maxRetries, staleBefore) {
		return nil, false, nil
	}
	cur.Status = WebhookProcessing
	cur.UpdatedAt = now
	return cloneWebhook(cur), true, nil
}

func (s *Memory) CompleteWebhook(_ context.Context, deliveryID string, result json.RawMessage, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.webhooks[deliveryID]
	if !ok {
		return fmt.Errorf("%w: доставка %s", common.ErrNotFound, deliveryID)
	}
	cur.Status = WebhookSucceeded
	cur.Result = slices.Clone(result)
	cur.LastError = ""
	cur.ProcessedAt = &now
	cur.UpdatedAt = now
	return nil
}

func (s *Memory) FailWebhook(_ context.Context, deliveryID, lastError string, now time.Time) (*WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.webhooks[deliveryID]
	if !ok {
		return nil, fmt.Errorf("%w: доставка %s", common.ErrNotFound, deliveryID)
	}
	cur.Status = WebhookFailed
	cur.RetryCount++
	cur.LastError = lastError
	cur.ProcessedAt = &now
	cur.UpdatedAt = now
	return cloneWebhook(cur), nil
}

func (s *Memory) GetWebhook(_ context.Context, deliveryID string) (*WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.webhooks[deliveryID]
	if !ok {
		return nil, fmt.Errorf("%w: доставка %s", common.ErrNotFound, deliveryID)
	}
	return cloneWebhook(cur), nil
}

func (s *Memory) ListRetryableWebhooks(_ context.Context, maxRetries int, staleBefore time.Time, limit int) ([]WebhookEvent, error) {
	return s.listWebhooks(limit, func(w *WebhookEvent) bool {
		return retryable(w, maxRetries, staleBefore)
	}), nil
}

func (s *Memory) ListPoisonWebhooks(_ context.Context, maxRetries, limit int) ([]WebhookEvent, error) {
	return s.listWebhooks(limit, func(w *WebhookEvent) bool {
		return w.Status == WebhookFailed && w.RetryCount > maxRetries
	}), nil
}

func (s *Memory) listWebhooks(limit int, keep func(*WebhookEvent) bool) []WebhookEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []WebhookEvent
	for _, w := range s.webhooks {
		if keep(w) {
			out = append(out, *cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].DeliveryID < out[j].DeliveryID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func retryable(w *WebhookEvent, maxRetries int, staleBefore time.Time) bool {
	switch w.Status {
	case WebhookFailed:
		return w.RetryCount <= maxRetries
	case WebhookProcessing:
		return w.UpdatedAt.Before(staleBefore)
	}
	return false
}

// ============================================================================
// Копирование (наружу никогда не отдаём указатели на внутреннее состояние)
// ============================================================================

func cloneMember(m *Member) Member {
	cp := *m
	if m.LastActivityAt != nil {
		t := *m.LastActivityAt
		cp.LastActivityAt = &t
	}
	if m.MembershipChangedAt != nil {
		t := *m.MembershipChangedAt
		cp.MembershipChangedAt = &t
	}
	if m.ProfileChangedAt != nil {
		t := *m.ProfileChangedAt
		cp.ProfileChangedAt = &t
	}
	return cp
}

func cloneEvent(ev *Event) Event {
	cp := *ev
	cp.Metadata = maps.Clone(ev.Metadata)
	if ev.PreviousTotal != nil {
		v := *ev.PreviousTotal
		cp.PreviousTotal = &v
	}
	if ev.NewTotal != nil {
		v := *ev.NewTotal
		cp.NewTotal = &v
	}
	return cp
}

func cloneConfig(c *RewardConfig) RewardConfig {
	cp := *c
	cp.Payload = maps.Clone(c.Payload)
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		cp.DeletedAt = &t
	}
	return cp
}

func cloneUnlock(u *RewardUnlock) *RewardUnlock {
	cp := *u
	if u.UsedAt != nil {
		t := *u.UsedAt
		cp.UsedAt = &t
	}
	return &cp
}

func cloneWebhook(w *WebhookEvent) *WebhookEvent {
	cp := *w
	cp.Payload = slices.Clone(w.Payload)
	cp.Result = slices.Clone(w.Result)
	if w.ProcessedAt != nil {
		t := *w.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

func sortConfigs(cs []RewardConfig) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
