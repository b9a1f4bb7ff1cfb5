package leaderboard

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/server"
)

// Handler — HTTP-обработчики таблицы лидеров.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчики.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes подключает GET /leaderboard.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/leaderboard", h.handleLeaderboard)
}

// handleLeaderboard — GET /leaderboard?limit&offset&include_user_position.
// Позиция вызывающего, которого нет в таблице, отдаётся как null.
func (h *Handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := server.QueryInt(r, "limit", DefaultLimit)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	offset, err := server.QueryInt(r, "offset", 0)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	entries, err := h.service.GetLeaderboard(r.Context(), limit, offset)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}

	resp := map[string]any{"success": true, "entries": entries}
	if server.QueryBool(r, "include_user_position") {
		var pos *Position
		if ident, ok := server.MemberFrom(r.Context()); ok {
			pos, err = h.service.GetPosition(r.Context(), ident.MemberID)
			if err != nil && !errors.Is(err, common.ErrNotFound) {
				server.RespondError(w, r, err)
				return
			}
		}
		resp["user_position"] = pos
	}
	server.RespondJSON(w, http.StatusOK, resp)
}
