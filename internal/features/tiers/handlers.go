package tiers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/server"
)

// Handler — HTTP-обработчики уровней.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчики уровней.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes подключает GET /tier-info.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/tier-info", h.handleTierInfo)
}

// handleTierInfo — GET /tier-info?member_id&include_history.
// Без member_id — уровень самого вызывающего.
func (h *Handler) handleTierInfo(w http.ResponseWriter, r *http.Request) {
	memberID := r.URL.Query().Get("member_id")
	if memberID == "" {
		ident, ok := server.MemberFrom(r.Context())
		if !ok {
			server.RespondError(w, r, fmt.Errorf("%w: укажите member_id или %s", common.ErrAuthentication, server.HeaderMemberID))
			return
		}
		memberID = ident.MemberID
	}

	info, err := h.service.Info(r.Context(), memberID, server.QueryBool(r, "include_history"))
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "tier_info": info})
}
