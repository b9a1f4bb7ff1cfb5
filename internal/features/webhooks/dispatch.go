package webhooks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/config"
	"serotonyl.ru/engagement/internal/features/ledger"
	"serotonyl.ru/engagement/internal/features/members"
	"serotonyl.ru/engagement/internal/store"
)

// handlerFunc переводит событие платформы в события журнала и изменения членства.
// Возвращает ID записанных событий журнала.
type handlerFunc func(ctx context.Context, deliveryID string, env *Envelope, rules config.WebhookRules) ([]string, error)

func (p *Pipeline) registerHandlers() {
	p.handlers = map[string]handlerFunc{
		KindMemberJoined:        p.handleMemberJoined,
		KindMemberUpdated:       p.handleMemberUpdated,
		KindMembershipCancelled: p.handleMembershipCancelled,
		KindCourseCompleted:     p.handleCourseCompleted,
		KindPurchaseCompleted:   p.handlePurchaseCompleted,
	}
}

func parseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: некорректный JSON конверта: %v", common.ErrValidation, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: в конверте нет type", common.ErrValidation)
	}
	return &env, nil
}

// deliveryKey — ID события отправителя, иначе SHA-256 тела.
func deliveryKey(env *Envelope, raw []byte) string {
	if env != nil && strings.TrimSpace(env.ID) != "" {
		return strings.TrimSpace(env.ID)
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func decodeData(env *Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: в событии %s нет data", common.ErrValidation, env.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: некорректные data события %s: %v", common.ErrValidation, env.Type, err)
	}
	return nil
}

func requireMember(kind, memberID string) error {
	if strings.TrimSpace(memberID) == "" {
		return fmt.Errorf("%w: в событии %s нет member_id", common.ErrValidation, kind)
	}
	return nil
}

// award начисляет очки событием external-webhook-derived.
// eventID детерминирован, поэтому повторная обработка той же доставки
// не начисляет второй раз. Лимит частоты — не ошибка доставки.
func (p *Pipeline) award(ctx context.Context, eventID, memberID string, points int64, md map[string]any) (string, error) {
	_, err := p.ledger.AppendEvent(ctx, ledger.Activity{
		EventID:  eventID,
		MemberID: memberID,
		Kind:     store.KindWebhookDerived,
		Points:   &points,
		Metadata: md,
		External: true,
	})
	if err != nil && !ledger.IsRateLimited(err) {
		return "", err
	}
	return eventID, nil
}

func (p *Pipeline) handleMemberJoined(ctx context.Context, deliveryID string, env *Envelope, rules config.WebhookRules) ([]string, error) {
	var d memberData
	if err := decodeData(env, &d); err != nil {
		return nil, err
	}
	if err := requireMember(env.Type, d.MemberID); err != nil {
		return nil, err
	}

	if _, err := p.members.HandleJoined(ctx, members.Change{
		MemberID:    d.MemberID,
		DisplayName: d.DisplayName,
		At:          env.CreatedAt,
	}); err != nil {
		return nil, err
	}

	if rules.MemberJoinedPoints == 0 {
		return nil, nil
	}
	// Бонус за вступление — один на участника, даже если он вступал повторно
	id, err := p.award(ctx, ledger.ExternalEventPrefix+"join:"+d.MemberID, d.MemberID, rules.MemberJoinedPoints, map[string]any{
		"source_event": env.Type,
		"delivery_id":  deliveryID,
	})
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

func (p *Pipeline) handleMemberUpdated(ctx context.Context, _ string, env *Envelope, _ config.WebhookRules) ([]string, error) {
	var d memberData
	if err := decodeData(env, &d); err != nil {
		return nil, err
	}
	if err := requireMember(env.Type, d.MemberID); err != nil {
		return nil, err
	}
	_, err := p.members.UpdateProfile(ctx, members.Change{
		MemberID:    d.MemberID,
		DisplayName: d.DisplayName,
		At:          env.CreatedAt,
	})
	return nil, err
}

func (p *Pipeline) handleMembershipCancelled(ctx context.Context, _ string, env *Envelope, _ config.WebhookRules) ([]string, error) {
	var d memberData
	if err := decodeData(env, &d); err != nil {
		return nil, err
	}
	if err := requireMember(env.Type, d.MemberID); err != nil {
		return nil, err
	}
	_, err := p.members.HandleCancelled(ctx, members.Change{
		MemberID: d.MemberID,
		At:       env.CreatedAt,
	})
	return nil, err
}

func (p *Pipeline) handleCourseCompleted(ctx context.Context, deliveryID string, env *Envelope, rules config.WebhookRules) ([]string, error) {
	var d courseData
	if err := decodeData(env, &d); err != nil {
		return nil, err
	}
	if err := requireMember(env.Type, d.MemberID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.CourseID) == "" {
		return nil, fmt.Errorf("%w: в событии %s нет course_id", common.ErrValidation, env.Type)
	}
	if rules.CourseCompletedPoints == 0 {
		return nil, nil
	}

	// Один курс засчитывается участнику один раз, какой бы ни был ID доставки
	id, err := p.award(ctx, ledger.ExternalEventPrefix+"course:"+d.MemberID+":"+d.CourseID, d.MemberID, rules.CourseCompletedPoints, map[string]any{
		"source_event": env.Type,
		"delivery_id":  deliveryID,
		"course_id":    d.CourseID,
		"course_name":  d.CourseName,
	})
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

func (p *Pipeline) handlePurchaseCompleted(ctx context.Context, deliveryID string, env *Envelope, rules config.WebhookRules) ([]string, error) {
	var d purchaseData
	if err := decodeData(env, &d); err != nil {
		return nil, err
	}
	if err := requireMember(env.Type, d.MemberID); err != nil {
		return nil, err
	}
	if d.Amount <= 0 {
		return nil, fmt.Errorf("%w: сумма покупки должна быть положительной", common.ErrValidation)
	}

	points := d.Amount / rules.PurchaseMinorUnits * rules.PurchasePointsPerUnit
	if rules.PurchaseMaxPoints > 0 {
		points = min(points, rules.PurchaseMaxPoints)
	}
	if points == 0 {
		return nil, nil
	}

	eventID := ledger.ExternalEventPrefix + deliveryID + ":0"
	if d.PurchaseID != "" {
		eventID = ledger.ExternalEventPrefix + "purchase:" + d.PurchaseID
	}
	id, err := p.award(ctx, eventID, d.MemberID, points, map[string]any{
		"source_event": env.Type,
		"delivery_id":  deliveryID,
		"purchase_id":  d.PurchaseID,
		"amount":       d.Amount,
		"currency":     d.Currency,
	})
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}
