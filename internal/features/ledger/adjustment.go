package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/config"
	"serotonyl.ru/engagement/internal/store"
)

// ApplyAdjustment применяет ручную корректировку суммы участника.
//
// Событие пишется с типом manual-adjustment, админом, причиной и суммами
// до/после. Уровень и награды пересчитываются в той же транзакции.
//
// Итог никогда не уходит в минус: при политике floor он обрезается до нуля
// (запрошенная дельта сохраняется в requested_points), при reject такая
// корректировка отклоняется с ErrValidation.
func (s *Service) ApplyAdjustment(ctx context.Context, adj Adjustment) (*Outcome, error) {
	adj.Reason = strings.TrimSpace(adj.Reason)
	switch {
	case strings.TrimSpace(adj.MemberID) == "":
		return nil, fmt.Errorf("%w: не указан member_id", common.ErrValidation)
	case strings.TrimSpace(adj.AdminID) == "":
		return nil, fmt.Errorf("%w: не указан администратор", common.ErrAuthentication)
	case adj.Reason == "":
		return nil, fmt.Errorf("%w: причина корректировки обязательна", common.ErrValidation)
	case adj.Delta == 0:
		return nil, fmt.Errorf("%w: нулевая корректировка", common.ErrValidation)
	case strings.HasPrefix(adj.EventID, ExternalEventPrefix):
		return nil, fmt.Errorf("%w: префикс %q в event_id зарезервирован", common.ErrValidation, ExternalEventPrefix)
	}
	if adj.EventID == "" {
		adj.EventID = uuid.NewString()
	}

	def := s.rules.Current().Tiers
	out, err := common.RetryTransient(ctx, s.opts.MaxTries, func() (*Outcome, error) {
		var out *Outcome
		err := s.store.InMemberTx(ctx, adj.MemberID, nil, func(tx store.MemberTx) error {
			now := s.clock.Now()
			m := tx.Member()
			out = &Outcome{Member: m}

			prev := m.TotalPoints
			next := prev + adj.Delta
			if next < 0 {
				if s.opts.NegativePolicy == config.AdjustmentReject {
					return fmt.Errorf("%w: корректировка %d уводит сумму %d в минус", common.ErrValidation, adj.Delta, prev)
				}
				next = 0
			}

			ev := &store.Event{
				EventID:         adj.EventID,
				MemberID:        adj.MemberID,
				ActivityKind:    store.KindManualAdjustment,
				RequestedPoints: adj.Delta,
				Points:          next - prev,
				Status:          store.EventAdjustment,
				AdminID:         adj.AdminID,
				Reason:          adj.Reason,
				PreviousTotal:   &prev,
				NewTotal:        &next,
				CreatedAt:       now,
			}
			inserted, err := tx.InsertEvent(ctx, ev)
			if err != nil {
				return fmt.Errorf("ошибка записи корректировки: %w", err)
			}
			if !inserted {
				out.Duplicate = true
				return nil
			}
			out.Event = ev

			m.TotalPoints = next
			if err := s.settle(ctx, tx, def, m, now, out); err != nil {
				return err
			}
			m.UpdatedAt = now
			return tx.SaveMember(ctx, m)
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	s.observe(def, out)
	if !out.Duplicate {
		log.WithFields(log.Fields{
			"member_id": adj.MemberID,
			"admin_id":  adj.AdminID,
			"requested": adj.Delta,
			"applied":   out.Event.Points,
			"total":     out.Member.TotalPoints,
			"reason":    common.Truncate(adj.Reason, 100),
		}).Warn("Ручная корректировка очков")
	}
	return out, nil
}
