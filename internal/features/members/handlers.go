package members

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/engagement/internal/server"
)

// Handler — HTTP-обработчики участников.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчики.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes — GET /me (нужен RequireMember).
func (h *Handler) Routes(r chi.Router) {
	r.Get("/me", h.handleMe)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	ident, _ := server.MemberFrom(r.Context())
	m, err := h.service.Get(r.Context(), ident.MemberID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "member": m})
}
