package identity

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/auth"
)

type Handler struct {
	svc      *Service
	sessions *auth.SessionManager
}

func NewHandler(svc *Service, sessions *auth.SessionManager) *Handler {
	return &Handler{svc: svc, sessions: sessions}
}

// RegisterRoutes mounts the account endpoints. limit, when non-nil, guards the
// unauthenticated credential endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group, limit echo.MiddlewareFunc) {
	public := api.Group("/auth")
	if limit != nil {
		public.Use(limit)
	}
	public.POST("/professional/signup", h.SignupProfessional)
	public.POST("/patient/signup", h.SignupPatient)
	public.POST("/login", h.Login)
	public.POST("/verify_email", h.VerifyEmail)
	public.POST("/verify_email/resend", h.ResendVerification)
	public.POST("/password_reset/request", h.RequestReset)
	public.POST("/password_reset/finish", h.FinishReset)

	private := api.Group("", auth.RequireSession())
	private.POST("/auth/logout", h.Logout)
	private.GET("/auth/whoami", h.WhoAmI)
	private.POST("/patients/get_or_create_pending", h.GetOrCreatePendingPatient)
}

func statusOK(c echo.Context, status string) error {
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("Invalid request body")
	}
	return nil
}

// -- Signup --

func (h *Handler) SignupProfessional(c echo.Context) error {
	var req ProfessionalSignup
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.SignupProfessional(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) SignupPatient(c echo.Context) error {
	var req PatientSignup
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.SignupPatient(c.Request().Context(), &req); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"status": "pending"})
}

func (h *Handler) GetOrCreatePendingPatient(c echo.Context) error {
	var req PendingPatientRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	s := auth.SessionFromContext(c.Request().Context())
	actor, err := h.svc.ResolveActor(c.Request().Context(), s.UserID, s.DomainID)
	if err != nil {
		return err
	}
	if !actor.IsProfessional() {
		return apperr.Forbidden("Only professionals can create patients")
	}
	p, err := h.svc.GetOrCreatePendingPatient(c.Request().Context(), s.DomainID, &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]uuid.UUID{"id": p.ID})
}

// -- Session --

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	u, domainID, err := h.svc.Login(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	if _, err := h.sessions.Login(c, u.ID, domainID); err != nil {
		return err
	}
	return statusOK(c, "success")
}

func (h *Handler) Logout(c echo.Context) error {
	if err := h.sessions.Logout(c); err != nil {
		return err
	}
	return statusOK(c, "success")
}

func (h *Handler) WhoAmI(c echo.Context) error {
	s := auth.SessionFromContext(c.Request().Context())
	out, err := h.svc.WhoAmI(c.Request().Context(), s.UserID, s.DomainID)
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "private, max-age=600")
	c.Response().Header().Set("Vary", "Cookie")
	return c.JSON(http.StatusOK, out)
}

// -- Email verification --

type verifyRequest struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

func (h *Handler) VerifyEmail(c echo.Context) error {
	var req verifyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil || req.Token == "" {
		return apperr.Validation("Invalid activation link [user not found]")
	}
	if err := h.svc.VerifyEmail(c.Request().Context(), userID, req.Token); err != nil {
		return err
	}
	return statusOK(c, "success")
}

func (h *Handler) ResendVerification(c echo.Context) error {
	var req verifyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return apperr.Validation("Invalid user_id")
	}
	if err := h.svc.ResendVerification(c.Request().Context(), userID); err != nil {
		return err
	}
	return statusOK(c, "verification email resent")
}

// -- Password reset --

type resetRequest struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
	Phone    string `json:"phone"`
}

type finishResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) RequestReset(c echo.Context) error {
	var req resetRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Username == "" {
		return apperr.Validation("username is required")
	}
	if err := h.svc.RequestReset(c.Request().Context(), req.Username, req.Domain, req.Phone); err != nil {
		return err
	}
	return statusOK(c, "reset_requested")
}

func (h *Handler) FinishReset(c echo.Context) error {
	var req finishResetRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.FinishReset(c.Request().Context(), req.Token, req.NewPassword); err != nil {
		return err
	}
	return statusOK(c, "password_reset_complete")
}
