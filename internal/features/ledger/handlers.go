package ledger

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"serotonyl.ru/engagement/internal/common"
	"serotonyl.ru/engagement/internal/server"
)

// Handler — HTTP-обработчики журнала.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчики журнала.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes — маршруты участника (нужен RequireMember).
func (h *Handler) Routes(r chi.Router) {
	r.Post("/activity-events", h.handleActivity)
}

// AdminRoutes — корректировки и аудит.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Post("/adjustments", h.handleAdjustment)
	r.Get("/members/{id}/events", h.handleEvents)
	r.Get("/members/{id}/reconcile", h.handleReconcile)
	r.Post("/members/{id}/recompute", h.handleRecompute)
}

type activityRequest struct {
	EventID  string         `json:"event_id"`
	MemberID string         `json:"member_id"`
	Kind     string         `json:"activity_kind"`
	Points   *int64         `json:"points"`
	Metadata map[string]any `json:"metadata"`
}

// handleActivity — POST /activity-events.
// member_id в теле необязателен, но если указан — должен совпадать с вызывающим.
func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	ident, _ := server.MemberFrom(r.Context())

	var req activityRequest
	if err := server.DecodeJSON(r, &req); err != nil {
		server.RespondError(w, r, err)
		return
	}
	if req.MemberID != "" && req.MemberID != ident.MemberID {
		server.RespondError(w, r, fmt.Errorf("%w: нельзя начислять очки другому участнику", common.ErrAuthentication))
		return
	}

	out, err := h.service.AppendEvent(r.Context(), Activity{
		EventID:     req.EventID,
		MemberID:    ident.MemberID,
		DisplayName: ident.DisplayName,
		Kind:        req.Kind,
		Points:      req.Points,
		Metadata:    req.Metadata,
	})
	if err != nil {
		if IsRateLimited(err) && out != nil {
			status, code := server.StatusFor(err)
			server.RespondJSON(w, status, map[string]any{
				"success":        false,
				"code":           code,
				"error":          err.Error(),
				"updated_record": out.Member,
				"event":          out.Event,
			})
			return
		}
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*Outcome
	}{true, out})
}

type adjustmentRequest struct {
	EventID  string `json:"event_id"`
	MemberID string `json:"member_id"`
	Delta    int64  `json:"delta"`
	Reason   string `json:"reason"`
}

// handleAdjustment — POST /admin/adjustments.
func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	adminID, _ := server.AdminFrom(r.Context())

	var req adjustmentRequest
	if err := server.DecodeJSON(r, &req); err != nil {
		server.RespondError(w, r, err)
		return
	}

	out, err := h.service.ApplyAdjustment(r.Context(), Adjustment{
		EventID:  req.EventID,
		MemberID: req.MemberID,
		Delta:    req.Delta,
		Reason:   req.Reason,
		AdminID:  adminID,
	})
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*Outcome
	}{true, out})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := server.QueryInt(r, "limit", defaultEventsLimit)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	events, err := h.service.ListEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, map[string]any{"success": true, "report": rep})
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.Recompute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		server.RespondError(w, r, err)
		return
	}
	server.RespondJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*Outcome
	}{true, out})
}
