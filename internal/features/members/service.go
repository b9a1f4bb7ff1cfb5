// Package members — service.go содержит бизнес-логику управления участниками.
// Сервис создаёт участника при первом упоминании, обновляет имя и
// переключает статус членства (active/cancelled) с защитой от доставки
// событий вне порядка.
package members

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/features/tiers"
	"serotonyl.ru/engagement/internal/store"
)

// Service управляет участниками.
type Service struct {
	store    store.Store
	source   tiers.Source
	clock    common.Clock
	maxTries uint
}

// NewService создаёт новый сервис участников.
func NewService(st store.Store, source tiers.Source, clock common.Clock, maxTries uint) *Service {
	return &Service{store: st, source: source, clock: clock, maxTries: maxTries}
}

// Get возвращает запись участника.
func (s *Service) Get(ctx context.Context, memberID string) (*store.Member, error) {
	return s.store.GetMember(ctx, memberID)
}

// HandleJoined обрабатывает вступление участника.
// Новый участник создаётся с нижним уровнем и нулём очков; вернувшийся
// снова становится активным, если вступление новее последней отмены.
func (s *Service) HandleJoined(ctx context.Context, ch Change) (*store.Member, error) {
	m, err := s.apply(ctx, ch, store.MembershipActive)
	if err != nil {
		return nil, fmt.Errorf("ошибка регистрации участника: %w", err)
	}
	log.WithFields(log.Fields{
		"member_id": m.MemberID,
		"status":    m.MembershipStatus,
	}).Info("Участник вступил")
	return m, nil
}

// HandleCancelled отмечает отмену членства. Участник пропадает из таблицы
// лидеров, но его очки, история и награды сохраняются.
func (s *Service) HandleCancelled(ctx context.Context, ch Change) (*store.Member, error) {
	m, err := s.apply(ctx, ch, store.MembershipCancelled)
	if err != nil {
		return nil, fmt.Errorf("ошибка отмены членства: %w", err)
	}
	log.WithFields(log.Fields{
		"member_id": m.MemberID,
		"status":    m.MembershipStatus,
	}).Info("Членство отменено")
	return m, nil
}

// UpdateProfile обновляет отображаемое имя.
func (s *Service) UpdateProfile(ctx context.Context, ch Change) (*store.Member, error) {
	m, err := s.apply(ctx, ch, "")
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления профиля: %w", err)
	}
	return m, nil
}

// apply создаёт участника при необходимости, обновляет имя и, если status
// не пуст, меняет статус членства.
func (s *Service) apply(ctx context.Context, ch Change, status string) (*store.Member, error) {
	if strings.TrimSpace(ch.MemberID) == "" {
		return nil, fmt.Errorf("%w: не указан member_id", common.ErrValidation)
	}

	return common.RetryTransient(ctx, s.maxTries, func() (*store.Member, error) {
		now := s.clock.Now()
		at := ch.At
		if at.IsZero() {
			at = now
		}
		seed := &store.MemberSeed{
			DisplayName: ch.DisplayName,
			Tier:        s.source.TierDefinition().Lowest(),
			Now:         now,
		}

		var out *store.Member
		err := s.store.InMemberTx(ctx, ch.MemberID, seed, func(tx store.MemberTx) error {
			m := tx.Member()
			if name := strings.TrimSpace(ch.DisplayName); name != "" && notBefore(at, m.ProfileChangedAt) {
				m.DisplayName = name
				m.ProfileChangedAt = &at
			}
			if status != "" && notBefore(at, m.MembershipChangedAt) {
				m.MembershipStatus = status
				m.MembershipChangedAt = &at
			}
			m.UpdatedAt = now
			out = m
			return tx.SaveMember(ctx, m)
		})
		return out, err
	})
}

// notBefore — событие в момент at не старше последнего применённого.
func notBefore(at time.Time, last *time.Time) bool {
	return last == nil || !at.Before(*last)
}
