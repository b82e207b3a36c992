package messaging

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicmsg/internal/platform/auth"
	"github.com/ehr/clinicmsg/pkg/pagination"
)

type Handler struct {
	svc          *Service
	historyLimit int
}

// NewHandler returns a Handler serving at most historyLimit messages per
// thread fetch unless the request asks for fewer.
func NewHandler(svc *Service, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = pagination.DefaultLimit
	}
	return &Handler{svc: svc, historyLimit: historyLimit}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleProvider, auth.RolePatient))
	readGroup.GET("/threads", h.ListThreads)
	readGroup.GET("/threads/:id", h.GetThread)
	readGroup.POST("/threads/:id/messages", h.SendMessage)
	readGroup.GET("/patients/:id", h.GetPatient)

	manageGroup := api.Group("", auth.RequireRole(auth.RoleProvider))
	manageGroup.POST("/threads", h.CreateThread)
	manageGroup.PATCH("/threads/:id", h.UpdateThread)
	manageGroup.POST("/threads/:id/archive", h.ArchiveThread)
	manageGroup.PUT("/patients/:id", h.UpsertPatient)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
	case errors.Is(err, ErrArchived):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func threadID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Thread Handlers --

func (h *Handler) ListThreads(c echo.Context) error {
	archived := false
	if raw := c.QueryParam("archived"); raw != "" {
		var err error
		if archived, err = strconv.ParseBool(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "archived must be a boolean")
		}
	}
	pg := pagination.FromContextWithDefault(c, pagination.MaxLimit)
	items, total, err := h.svc.ListThreads(c.Request().Context(), archived, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) CreateThread(c echo.Context) error {
	var req CreateThreadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.CreateThread(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetThread(c echo.Context) error {
	id, err := threadID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContextWithDefault(c, h.historyLimit)
	detail, err := h.svc.GetThread(c.Request().Context(), id, min(pg.Limit, h.historyLimit))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) UpdateThread(c echo.Context) error {
	id, err := threadID(c)
	if err != nil {
		return err
	}
	var p ThreadPatch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.UpdateThread(c.Request().Context(), id, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ArchiveThread(c echo.Context) error {
	id, err := threadID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.ArchiveThread(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Message Handlers --

func (h *Handler) SendMessage(c echo.Context) error {
	id, err := threadID(c)
	if err != nil {
		return err
	}
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.SendMessage(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

// -- Patient Handlers --

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpsertPatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = c.Param("id")
	if err := h.svc.UpsertPatient(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}
