package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/engagement/internal/common"
)

// ErrorBody — тело ответа с ошибкой.
type ErrorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// RespondJSON пишет v как JSON с указанным статусом.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Не удалось записать JSON-ответ")
	}
}

// StatusFor сопоставляет ошибку HTTP-статусу и машинному коду.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, common.ErrAuthentication):
		return http.StatusUnauthorized, "authentication"
	case errors.Is(err, common.ErrSignatureInvalid):
		return http.StatusUnauthorized, "signature_invalid"
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, common.ErrAlreadyUsed):
		return http.StatusConflict, "already_used"
	case errors.Is(err, common.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, common.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, common.ErrPoisonEvent):
		return http.StatusConflict, "poison_event"
	}
	return http.StatusInternalServerError, "internal"
}

// RespondError пишет ошибку с подходящим статусом.
// 5xx логируются здесь; текст внутренних ошибок клиенту не отдаётся.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	msg := err.Error()

	if status >= http.StatusInternalServerError {
		log.WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).WithError(err).Error("Ошибка обработки запроса")
		if status == http.StatusInternalServerError {
			msg = "внутренняя ошибка"
		}
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	RespondJSON(w, status, ErrorBody{Success: false, Code: code, Error: msg})
}

// DecodeJSON читает тело запроса в v. Неизвестные поля — ошибка валидации.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: некорректный JSON: %v", common.ErrValidation, err)
	}
	return nil
}

// QueryInt читает целый query-параметр; отсутствие — def.
func QueryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: параметр %s должен быть целым числом", common.ErrValidation, key)
	}
	return v, nil
}

// QueryBool читает булев query-параметр ("1", "true", ...).
func QueryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
