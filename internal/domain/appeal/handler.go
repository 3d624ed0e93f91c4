package appeal

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fightpaperwork/appeals/internal/domain/identity"
	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/auth"
	"github.com/fightpaperwork/appeals/pkg/pagination"
)

// ActorResolver maps a session to the profiles it acts as.
// *identity.Service satisfies it.
type ActorResolver interface {
	ResolveActor(ctx context.Context, userID, domainID uuid.UUID) (identity.Actor, error)
}

type Handler struct {
	svc    *Service
	actors ActorResolver
}

func NewHandler(svc *Service, actors ActorResolver) *Handler {
	return &Handler{svc: svc, actors: actors}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/ping", h.Ping)
	api.GET("/check_storage", h.CheckStorage)

	d := api.Group("/denials", auth.RequireSession())
	d.POST("", h.RecordDenial)
	d.GET("", h.ListDenials)
	d.GET("/:id", h.GetDenial)
	d.POST("/qa", h.SetQA)

	a := api.Group("/appeals", auth.RequireSession())
	a.GET("", h.ListAppeals)
	a.GET("/search", h.Search)
	a.GET("/stats", h.Stats)
	a.GET("/absolute_stats", h.AbsoluteStats)
	a.GET("/:id", h.GetAppeal)
	a.GET("/:id/full", h.GetFull)
	a.POST("/assemble_appeal", h.AssembleAppeal)
	a.POST("/send_fax", h.SendFax)
	a.POST("/notify_patient", h.NotifyPatient)
	a.POST("/invite_provider", h.InviteProvider)

	t := api.Group("/appeal_attachments", auth.RequireSession())
	t.GET("", h.ListAttachments)
	t.POST("", h.AddAttachment)
	t.GET("/:id", h.GetAttachment)
	t.DELETE("/:id", h.DeleteAttachment)
}

func (h *Handler) actor(c echo.Context) (identity.Actor, error) {
	s := auth.SessionFromContext(c.Request().Context())
	if s == nil {
		return identity.Actor{}, apperr.Unauthenticated("Authentication credentials were not provided")
	}
	return h.actors.ResolveActor(c.Request().Context(), s.UserID, s.DomainID)
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("Invalid request body")
	}
	return nil
}

func idParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, apperr.Validation("Invalid " + name)
	}
	return id, nil
}

func message(c echo.Context, msg string) error {
	return c.JSON(http.StatusOK, map[string]string{"message": msg})
}

// -- Probes --

func (h *Handler) Ping(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CheckStorage(c echo.Context) error {
	if err := h.svc.CheckStorage(c.Request().Context()); err != nil {
		c.Logger().Warnf("storage check failed: %v", err)
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Denials --

func (h *Handler) RecordDenial(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var req DenialRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.RecordDenial(c.Request().Context(), actor, &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) ListDenials(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ListDenials(c.Request().Context(), actor, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetDenial(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.GetDenial(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) SetQA(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var req QARequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.SetQA(c.Request().Context(), actor, &req); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Appeals --

func (h *Handler) ListAppeals(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	out, err := h.svc.ListAppeals(c.Request().Context(), actor, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetAppeal(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppeal(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetFull(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	full, err := h.svc.GetFull(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, full)
}

func (h *Handler) Search(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Search(c.Request().Context(), actor, c.QueryParam("q"), pagination.FromContext(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Stats(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Stats(c.Request().Context(), actor, c.QueryParam("delta"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) AbsoluteStats(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	out, err := h.svc.AbsoluteStats(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) AssembleAppeal(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var req AssembleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := h.svc.AssembleAppeal(c.Request().Context(), actor, &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]int64{"appeal_id": id})
}

func (h *Handler) SendFax(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var req SendFaxRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.SendFax(c.Request().Context(), actor, &req)
	if err != nil {
		return err
	}
	if res.HandedOff {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "pending_professional",
			"message": "Pending professional",
		})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) NotifyPatient(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var req NotifyPatientRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.NotifyPatient(c.Request().Context(), actor, &req); err != nil {
		return err
	}
	return message(c, "Notification sent")
}

func (h *Handler) InviteProvider(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	var req InviteProviderRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.svc.InviteProvider(c.Request().Context(), actor, &req); err != nil {
		return err
	}
	return message(c, "Provider invited successfully")
}

// -- Attachments --

func (h *Handler) ListAttachments(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	appealID, err := strconv.ParseInt(c.QueryParam("appeal_id"), 10, 64)
	if err != nil {
		return apperr.Validation("appeal_id required")
	}
	out, err := h.svc.ListAttachments(c.Request().Context(), actor, appealID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) AddAttachment(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	appealID, err := strconv.ParseInt(c.FormValue("appeal_id"), 10, 64)
	if err != nil {
		return apperr.Validation("appeal_id required")
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return apperr.Validation("file required")
	}
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	att, err := h.svc.AddAttachment(c.Request().Context(), actor, appealID, fh.Filename, fh.Header.Get("Content-Type"), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, att)
}

func (h *Handler) GetAttachment(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	att, content, err := h.svc.GetAttachment(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	return c.Blob(http.StatusOK, att.MimeType, content)
}

func (h *Handler) DeleteAttachment(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAttachment(c.Request().Context(), actor, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
