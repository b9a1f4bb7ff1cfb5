package rewards

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/engagement/internal/server"
)

// Handler — HTTP-обработчики наград.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчики наград.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes — маршруты участника (нужен RequireMember).
func (h *Handler) Routes(r chi.Router) {
	r.Get("/rewards", h.handleList)
	r.Post("/rewards/check", h.handleCheck)
	r.Post("/rewards/{id}/claim", h.handleUse)
	r.Post("/rewards/{id}/use", h.handleUse)
}

// AdminRoutes — управление настройками наград.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/rewards", h.handleAdminList)
	r.Post("/rewards", h.handleAdminCreate)
	r.Put("/rewards/{id}", h.handleAdminUpdate)
	r.Delete("/rewards/{id}", h.handleAdminDelete)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ident, _ := server.MemberFrom(r.Context())
	res, err := h.service.ListForMember(r.Context(), ident.MemberID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "rewards": res})
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	ident, _ := server.MemberFrom(r.Context())
	unlocked, err := h.service.EvaluateUnlocks(r.Context(), ident.MemberID)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"unlocked": unlocked,
		"count":    len(unlocked),
	})
}

func (h *Handler) handleUse(w http.ResponseWriter, r *http.Request) {
	ident, _ := server.MemberFrom(r.Context())
	u, err := h.service.UseReward(r.Context(), ident.MemberID, chi.URLParam(r, "id"))
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "unlock": u})
}

func (h *Handler) handleAdminList(w http.ResponseWriter, r *http.Request) {
	cfgs, err := h.service.ListConfigs(r.Context(), server.QueryBool(r, "include_inactive"))
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "rewards": cfgs})
}

func (h *Handler) handleAdminCreate(w http.ResponseWriter, r *http.Request) {
	var in ConfigInput
	if err := server.DecodeJSON(r, &in); err != nil {
		server.RespondError(w, r, err)
		return
	}
	cfg, err := h.service.CreateConfig(r.Context(), in)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusCreated, map[string]any{"success": true, "reward": cfg})
}

func (h *Handler) handleAdminUpdate(w http.ResponseWriter, r *http.Request) {
	var in ConfigInput
	if err := server.DecodeJSON(r, &in); err != nil {
		server.RespondError(w, r, err)
		return
	}
	cfg, err := h.service.UpdateConfig(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "reward": cfg})
}

func (h *Handler) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteConfig(r.Context(), chi.URLParam(r, "id")); err != nil {
		server.RespondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
