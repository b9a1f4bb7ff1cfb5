package tiers

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/store"
)

// Definition — упорядоченный по порогу список уровней.
// Первый порог всегда 0, пороги строго растут, имена уникальны.
// Значение неизменяемое, его можно свободно копировать между горутинами.
type Definition struct {
	tiers []Tier
	index map[string]int
}

// NewDefinition проверяет и собирает определение уровней.
func NewDefinition(ts []Tier) (Definition, error) {
	if len(ts) == 0 {
		return Definition{}, fmt.Errorf("%w: список уровней пуст", common.ErrValidation)
	}
	if ts[0].MinPoints != 0 {
		return Definition{}, fmt.Errorf("%w: порог первого уровня %q должен быть 0, получено %d",
			common.ErrValidation, ts[0].Name, ts[0].MinPoints)
	}

	index := make(map[string]int, len(ts))
	for i, t := range ts {
		if t.Name == "" {
			return Definition{}, fmt.Errorf("%w: уровень #%d без имени", common.ErrValidation, i+1)
		}
		if _, dup := index[t.Name]; dup {
			return Definition{}, fmt.Errorf("%w: уровень %q объявлен дважды", common.ErrValidation, t.Name)
		}
		if i > 0 && t.MinPoints <= ts[i-1].MinPoints {
			return Definition{}, fmt.Errorf("%w: порог %q (%d) должен быть больше порога %q (%d)",
				common.ErrValidation, t.Name, t.MinPoints, ts[i-1].Name, ts[i-1].MinPoints)
		}
		index[t.Name] = i
	}

	return Definition{tiers: append([]Tier(nil), ts...), index: index}, nil
}

// MustDefinition — NewDefinition для заведомо корректных данных (тесты, встроенные правила).
func MustDefinition(ts []Tier) Definition {
	d, err := NewDefinition(ts)
	if err != nil {
		panic(err)
	}
	return d
}

// Resolve возвращает самый высокий уровень, порог которого ≤ total.
// Отрицательная сумма даёт нижний уровень.
func (d Definition) Resolve(total int64) string {
	// Первый уровень с порогом > total; нужный — перед ним
	i := sort.Search(len(d.tiers), func(i int) bool { return d.tiers[i].MinPoints > total })
	if i == 0 {
		return d.tiers[0].Name
	}
	return d.tiers[i-1].Name
}

// Position возвращает порядковый номер уровня (0 — нижний) или -1.
func (d Definition) Position(name string) int {
	if i, ok := d.index[name]; ok {
		return i
	}
	return -1
}

// Has сообщает, объявлен ли уровень.
func (d Definition) Has(name string) bool {
	_, ok := d.index[name]
	return ok
}

// Compare сравнивает уровни по порядку: -1, 0, 1.
// Неизвестный уровень считается ниже любого объявленного.
func (d Definition) Compare(a, b string) int {
	pa, pb := d.Position(a), d.Position(b)
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	}
	return 0
}

// Lowest — нижний уровень (с порогом 0).
func (d Definition) Lowest() string {
	return d.tiers[0].Name
}

// Next возвращает уровень, следующий за name.
func (d Definition) Next(name string) (Tier, bool) {
	i := d.Position(name)
	if i < 0 || i+1 >= len(d.tiers) {
		return Tier{}, false
	}
	return d.tiers[i+1], true
}

// Tiers возвращает копию списка уровней.
func (d Definition) Tiers() []Tier {
	return append([]Tier(nil), d.tiers...)
}

// Apply пересчитывает уровень участника m по его текущей сумме.
//
// Если уровень изменился (вверх или вниз), в той же транзакции пишется
// запись истории, а m получает новый уровень и время входа в него.
// Сам участник не сохраняется: это делает вызывающий вместе с остальными
// изменениями, чтобы сумма и уровень стали видны читателям одновременно.
func Apply(ctx context.Context, tx store.MemberTx, def Definition, m *store.Member, now time.Time) (Resolution, error) {
	resolved := def.Resolve(m.TotalPoints)
	if resolved == m.CurrentTier {
		return Resolution{Member: m}, nil
	}

	entry := &store.TierHistoryEntry{
		MemberID:     m.MemberID,
		PreviousTier: m.CurrentTier,
		NewTier:      resolved,
		Points:       m.TotalPoints,
		CreatedAt:    now,
	}
	if err := tx.InsertTierHistory(ctx, entry); err != nil {
		return Resolution{}, fmt.Errorf("ошибка записи истории уровня: %w", err)
	}

	log.WithFields(log.Fields{
		"member_id": m.MemberID,
		"from":      m.CurrentTier,
		"to":        resolved,
		"points":    m.TotalPoints,
	}).Info("Смена уровня участника")

	m.CurrentTier = resolved
	m.TierEnteredAt = now
	return Resolution{Member: m, Transitioned: true, Entry: entry}, nil
}
