package escrow

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/fromafrica/escrow-service/internal/auth"
	"github.com/fromafrica/escrow-service/internal/transport"
	"github.com/fromafrica/escrow-service/pkg/logger"
)

type Handler struct {
	*transport.BaseHandler
	Service *Service
}

func NewHandler(service *Service) *Handler {
	lg := logger.L()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     service,
	}
}

func (h *Handler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var dto CreateEscrowDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("CreateEscrow: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	esc, err := h.Service.CreateEscrow(user.ID, dto)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, ToResponse(esc))
}

func (h *Handler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}

	var dto InitializePaymentDTO
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			h.Logger.Error("InitializePayment: invalid request body", "error", err)
			h.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.Service.InitializePayment(r.Context(), escrowID, user.ID, user.Email, user.Name, dto)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}

	esc, err := h.Service.VerifyPayment(r.Context(), escrowID, user.ID)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToResponse(esc))
}

func (h *Handler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}

	esc, err := h.Service.Release(r.Context(), escrowID, actorFrom(user), "")
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToResponse(esc))
}

func (h *Handler) DisputeEscrow(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}

	var dto DisputeEscrowDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("DisputeEscrow: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	esc, err := h.Service.Dispute(r.Context(), escrowID, actorFrom(user), dto)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToResponse(esc))
}

func (h *Handler) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}

	var dto RefundEscrowDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("RefundEscrow: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	esc, err := h.Service.Refund(r.Context(), escrowID, actorFrom(user), dto)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToResponse(esc))
}

func (h *Handler) AdminIntervention(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}

	var dto AdminInterventionDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.Logger.Error("AdminIntervention: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	esc, err := h.Service.AdminIntervene(r.Context(), escrowID, actorFrom(user), dto)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToResponse(esc))
}

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}

	esc, err := h.Service.GetEscrow(escrowID, actorFrom(user))
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToResponse(esc))
}

func (h *Handler) GetUserEscrows(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, offset := pagination(r)

	escrows, err := h.Service.GetUserEscrows(user.ID, limit, offset)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"escrows": ToResponseSlice(escrows),
		"limit":   limit,
		"offset":  offset,
	})
}

// GetAllEscrows is the admin listing, optionally filtered by ?status=.
func (h *Handler) GetAllEscrows(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		h.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, offset := pagination(r)
	status := r.URL.Query().Get("status")

	escrows, err := h.Service.GetAllEscrows(actorFrom(user), status, limit, offset)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"escrows": ToResponseSlice(escrows),
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *Handler) escrowID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		h.Logger.Error("invalid escrow ID", "id", idStr)
		h.WriteError(w, http.StatusBadRequest, "invalid escrow ID")
		return 0, false
	}
	return id, true
}

func actorFrom(user *auth.CurrentUser) Actor {
	return Actor{UserID: user.ID, IsAdmin: user.IsAdmin()}
}

func pagination(r *http.Request) (int, int) {
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
