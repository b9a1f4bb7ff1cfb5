package ledger

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/config"
	"serotonyl.ru/engagement/internal/store"
)

// CountWords подсчитывает количество слов в тексте.
// Слова разделяются пробелами (включая множественные пробелы, табы и т.д.).
//
// Примеры:
//
//	CountWords("привет как дела") → 3
//	CountWords("ок")              → 1
//	CountWords("  пробелы  лишние  ") → 2
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// IsCommand — сообщение-команда боту (начинается с !, . или /).
// Такие сообщения очков не дают.
func IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	return strings.HasPrefix(text, "!") || strings.HasPrefix(text, ".") || strings.HasPrefix(text, "/")
}

// scorePoints проверяет событие по правилам его типа и возвращает
// запрошенное число очков (с учётом значения по умолчанию и лимита).
func scorePoints(rules *config.Rules, act Activity) (int64, error) {
	if strings.TrimSpace(act.MemberID) == "" {
		return 0, fmt.Errorf("%w: не указан member_id", common.ErrValidation)
	}
	if act.Kind == store.KindManualAdjustment {
		return 0, fmt.Errorf("%w: корректировки выполняются через административный API", common.ErrValidation)
	}
	if !act.External {
		if act.Kind == store.KindWebhookDerived {
			return 0, fmt.Errorf("%w: тип %s начисляется только вебхуками", common.ErrValidation, act.Kind)
		}
		if strings.HasPrefix(act.EventID, ExternalEventPrefix) {
			return 0, fmt.Errorf("%w: префикс %q в event_id зарезервирован", common.ErrValidation, ExternalEventPrefix)
		}
	}

	policy, ok := rules.Activities[act.Kind]
	if !ok && !slices.Contains(store.ActivityKinds, act.Kind) {
		return 0, fmt.Errorf("%w: неизвестный тип активности %q", common.ErrValidation, act.Kind)
	}
	if !ok || !policy.Enabled {
		return 0, fmt.Errorf("%w: тип активности %q отключён", common.ErrValidation, act.Kind)
	}

	for _, key := range policy.RequiredMetadata {
		if v, ok := act.Metadata[key]; !ok || v == nil {
			return 0, fmt.Errorf("%w: для %s нужно поле metadata.%s", common.ErrValidation, act.Kind, key)
		}
	}

	if act.Kind == store.KindChatMessage {
		if err := checkChatContent(policy, act.Metadata); err != nil {
			return 0, err
		}
	}

	points := policy.DefaultPoints
	if act.Points != nil {
		points = *act.Points
	}
	if points < 0 {
		return 0, fmt.Errorf("%w: отрицательные очки допустимы только в корректировках", common.ErrValidation)
	}
	if policy.MaxPoints > 0 && points > policy.MaxPoints {
		if policy.OverCap == config.OverCapReject {
			return 0, fmt.Errorf("%w: %d очков больше лимита %d для %s",
				common.ErrValidation, points, policy.MaxPoints, act.Kind)
		}
		points = policy.MaxPoints
	}
	return points, nil
}

// checkChatContent отсекает короткие сообщения и команды.
// Длина берётся из metadata.message_length, текст (если есть) — из metadata.text.
func checkChatContent(policy config.ActivityPolicy, md map[string]any) error {
	if policy.MinLength > 0 {
		if raw, ok := md["message_length"]; ok {
			n, ok := asInt64(raw)
			if !ok {
				return fmt.Errorf("%w: metadata.message_length должно быть числом", common.ErrValidation)
			}
			if n < int64(policy.MinLength) {
				return fmt.Errorf("%w: сообщение короче %d символов", common.ErrValidation, policy.MinLength)
			}
		}
	}

	text, ok := md["text"].(string)
	if !ok {
		return nil
	}
	if IsCommand(text) {
		return fmt.Errorf("%w: команды не засчитываются", common.ErrValidation)
	}
	if policy.MinWords > 0 && CountWords(text) < policy.MinWords {
		return fmt.Errorf("%w: в сообщении меньше %d слов", common.ErrValidation, policy.MinWords)
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), n == float64(int64(n))
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
