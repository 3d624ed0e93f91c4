package practice

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/professionals", auth.RequireSession())
	g.POST("/accept", h.Accept)
	g.POST("/reject", h.Reject)
	g.POST("/suspend", h.Suspend)
	g.POST("/unsuspend", h.Unsuspend)
	g.GET("/list_active", h.ListActive)
	g.GET("/list_pending", h.ListPending)
}

// membershipRequest names the professional to act on. DomainID defaults to
// the domain bound to the session.
type membershipRequest struct {
	ProfessionalUserID string `json:"professional_user_id"`
	DomainID           string `json:"domain_id"`
}

func (h *Handler) target(c echo.Context) (userID, professionalID, domainID uuid.UUID, err error) {
	var req membershipRequest
	if err = c.Bind(&req); err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, apperr.Validation("Invalid request body")
	}
	s := auth.SessionFromContext(c.Request().Context())
	if s == nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, apperr.Unauthenticated("Authentication credentials were not provided")
	}
	professionalID, err = uuid.Parse(req.ProfessionalUserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, apperr.Validation("Invalid professional_user_id")
	}
	domainID = s.DomainID
	if req.DomainID != "" {
		if domainID, err = uuid.Parse(req.DomainID); err != nil {
			return uuid.Nil, uuid.Nil, uuid.Nil, apperr.Validation("Invalid domain_id")
		}
	}
	if domainID == uuid.Nil {
		return uuid.Nil, uuid.Nil, uuid.Nil, apperr.Validation("domain_id is required")
	}
	return s.UserID, professionalID, domainID, nil
}

func (h *Handler) Accept(c echo.Context) error {
	userID, professionalID, domainID, err := h.target(c)
	if err != nil {
		return err
	}
	if err := h.svc.Accept(c.Request().Context(), userID, professionalID, domainID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "accepted",
		"message": "Professional user accepted",
	})
}

func (h *Handler) Reject(c echo.Context) error {
	userID, professionalID, domainID, err := h.target(c)
	if err != nil {
		return err
	}
	if err := h.svc.Reject(c.Request().Context(), userID, professionalID, domainID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Suspend(c echo.Context) error {
	userID, professionalID, domainID, err := h.target(c)
	if err != nil {
		return err
	}
	if err := h.svc.Suspend(c.Request().Context(), userID, professionalID, domainID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "suspended"})
}

func (h *Handler) Unsuspend(c echo.Context) error {
	userID, professionalID, domainID, err := h.target(c)
	if err != nil {
		return err
	}
	if err := h.svc.Unsuspend(c.Request().Context(), userID, professionalID, domainID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handler) ListActive(c echo.Context) error {
	s := auth.SessionFromContext(c.Request().Context())
	if !s.HasDomain() {
		return apperr.NotFound("Not found")
	}
	out, err := h.svc.ListProfessionals(c.Request().Context(), s.UserID, s.DomainID, StatusActive)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListPending(c echo.Context) error {
	s := auth.SessionFromContext(c.Request().Context())
	if !s.HasDomain() {
		return apperr.NotFound("Not found")
	}
	out, err := h.svc.ListProfessionals(c.Request().Context(), s.UserID, s.DomainID, StatusPending)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"pending_professionals": out})
}
