package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"serotonyl.ru/engagement/internal/common"
)

// Заголовки, которые проставляет провайдер сессий перед нами.
const (
	HeaderMemberID   = "X-Member-ID"
	HeaderMemberName = "X-Member-Name"
	HeaderAdminID    = "X-Admin-ID"
	HeaderAdminKey   = "X-Admin-Key"
)

// Identity — проверенный провайдером участник. Идентификатор непрозрачный.
type Identity struct {
	MemberID    string
	DisplayName string
}

type ctxKey int

const (
	identityKey ctxKey = iota
	adminKey
)

// Identify кладёт личность вызывающего в контекст, если заголовки есть.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderMemberID))
		if id != "" {
			ident := Identity{
				MemberID:    id,
				DisplayName: strings.TrimSpace(r.Header.Get(HeaderMemberName)),
			}
			r = r.WithContext(context.WithValue(r.Context(), identityKey, ident))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireMember пропускает только запросы с личностью участника.
func RequireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := MemberFrom(r.Context()); !ok {
			RespondError(w, r, fmt.Errorf("%w: нет заголовка %s", common.ErrAuthentication, HeaderMemberID))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MemberFrom достаёт личность участника из контекста.
func MemberFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// AdminFrom достаёт идентификатор администратора из контекста.
func AdminFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(adminKey).(string)
	return id, ok
}

// WithAdmin кладёт администратора в контекст (тесты обработчиков).
func WithAdmin(ctx context.Context, adminID string) context.Context {
	return context.WithValue(ctx, adminKey, adminID)
}
