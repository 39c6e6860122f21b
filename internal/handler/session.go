package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/helper"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/service"
)

// SessionHandler exposes the session lifecycle over HTTP.
type SessionHandler struct {
	supervisor *service.Supervisor
}

func NewSessionHandler(supervisor *service.Supervisor) *SessionHandler {
	return &SessionHandler{supervisor: supervisor}
}

// AddSession starts a session for the tenant/phone pair. Returns 202 while
// setup continues in the background; clients poll the QR and status
// endpoints. Adding an already-live pair just reports its current state.
func (h *SessionHandler) AddSession(c echo.Context) error {
	tenantID := c.Param("tenantId")
	phone := c.Param("phone")

	// Optional body; omitting it means vendor-chosen proxy placement.
	var body struct {
		ProxyCountry string `json:"proxy_country"`
		BrowserLabel string `json:"browser_label"`
	}
	_ = c.Bind(&body)

	info, accepted, err := h.supervisor.AddSession(c.Request().Context(), tenantID, phone, service.AddOptions{
		ProxyCountry: body.ProxyCountry,
		BrowserLabel: body.BrowserLabel,
	})
	if err != nil {
		switch {
		case errors.Is(err, helper.ErrInvalidAddress):
			return ErrorResponse(c, http.StatusBadRequest, "INVALID_PHONE", err.Error())
		case errors.Is(err, service.ErrShuttingDown):
			return ErrorResponse(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down")
		default:
			return ErrorResponse(c, http.StatusInternalServerError, "SESSION_START_FAILED", err.Error())
		}
	}
	if !accepted {
		return ErrorResponse(c, http.StatusServiceUnavailable, "AT_CAPACITY", "Instance is at capacity, try another instance")
	}

	return SuccessResponse(c, http.StatusAccepted, "Session starting", info)
}

func (h *SessionHandler) ListSessions(c echo.Context) error {
	return SuccessResponse(c, http.StatusOK, "Sessions retrieved", h.supervisor.ListSessions())
}

func (h *SessionHandler) GetStatus(c echo.Context) error {
	info, err := h.supervisor.GetStatus(c.Param("tenantId"), c.Param("phone"))
	if err != nil {
		return sessionError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Session status", info)
}

// GetQR returns the current pairing code. 404 until the transport has
// produced one.
func (h *SessionHandler) GetQR(c echo.Context) error {
	qr, err := h.supervisor.GetQR(c.Param("tenantId"), c.Param("phone"))
	if err != nil {
		if errors.Is(err, service.ErrSessionNotLoggedIn) {
			return ErrorResponse(c, http.StatusNotFound, "QR_NOT_READY", "QR code not generated yet")
		}
		return sessionError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "QR code", map[string]string{"qr": qr})
}

func (h *SessionHandler) Reconnect(c echo.Context) error {
	err := h.supervisor.ReconnectSession(c.Param("tenantId"), c.Param("phone"))
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) || errors.Is(err, helper.ErrInvalidAddress) {
			return sessionError(c, err)
		}
		// Gatekeeper refusals land here with the retry hint in the message.
		return ErrorResponse(c, http.StatusTooManyRequests, "RECONNECT_LIMITED", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Reconnect scheduled", nil)
}

func (h *SessionHandler) Logout(c echo.Context) error {
	if err := h.supervisor.Logout(c.Request().Context(), c.Param("tenantId"), c.Param("phone")); err != nil {
		return sessionError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Logged out", nil)
}

// RemoveSession tears the session down. With ?purge=true the stored
// credentials are deleted as well, forcing a fresh QR scan next time.
func (h *SessionHandler) RemoveSession(c echo.Context) error {
	purge := c.QueryParam("purge") == "true"
	if err := h.supervisor.RemoveSession(c.Param("tenantId"), c.Param("phone"), purge); err != nil {
		return sessionError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Session removed", nil)
}

func sessionError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return ErrorResponse(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
	case errors.Is(err, service.ErrNotConnected):
		return ErrorResponse(c, http.StatusConflict, "NOT_CONNECTED", "Session is not connected")
	case errors.Is(err, helper.ErrInvalidAddress):
		return ErrorResponse(c, http.StatusBadRequest, "INVALID_PHONE", err.Error())
	default:
		return ErrorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
