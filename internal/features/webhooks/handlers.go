package webhooks

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/server"
)

// Handler — HTTP-обработчики вебхуков.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler создаёт обработчики.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// Routes — POST /webhooks/ingest. Аутентификация — подпись тела.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/ingest", h.handleIngest)
}

// AdminRoutes — ручной проход повторов и список poison.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Post("/webhooks/retry", h.handleRetry)
	r.Get("/webhooks/poison", h.handlePoison)
}

// handleIngest отвечает 200 на любую принятую доставку, даже если
// обработчик упал: повтор — забота прохода повторов, а не отправителя.
// 401 — неверная подпись, 503 — хранилище недоступно (отправитель повторит).
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			server.RespondJSON(w, http.StatusRequestEntityTooLarge, server.ErrorBody{
				Error: "тело запроса слишком большое",
				Code:  "payload_too_large",
			})
			return
		}
		server.RespondError(w, r, fmt.Errorf("%w: не удалось прочитать тело: %v", common.ErrValidation, err))
		return
	}

	res, err := h.pipeline.Ingest(r.Context(), raw, r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp))
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

type retryRequest struct {
	MaxRetries *int `json:"max_retries"`
}

// handleRetry — POST /admin/webhooks/retry. Тело необязательно.
func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 {
		if err := server.DecodeJSON(r, &req); err != nil {
			server.RespondError(w, r, err)
			return
		}
	}
	maxRetries := h.pipeline.MaxRetries()
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	res, err := h.pipeline.RetryFailed(r.Context(), maxRetries)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "sweep": res})
}

func (h *Handler) handlePoison(w http.ResponseWriter, r *http.Request) {
	limit, err := server.QueryInt(r, "limit", 100)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	entries, err := h.pipeline.ListPoison(r.Context(), limit)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "poison": entries})
}
