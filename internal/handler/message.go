package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/helper"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/model"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/service"
)

type MessageHandler struct {
	supervisor *service.Supervisor
}

func NewMessageHandler(supervisor *service.Supervisor) *MessageHandler {
	return &MessageHandler{supervisor: supervisor}
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// SendMessage delivers a text message through the session. When the session
// exists but is offline the message is queued in the outbox and delivered
// once the session reconnects.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	tenantID := c.Param("tenantId")
	phone := c.Param("phone")

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
	}
	if req.To == "" || req.Content == "" {
		return ErrorResponse(c, http.StatusBadRequest, "MISSING_FIELDS", "Both 'to' and 'content' are required")
	}

	recipient, err := helper.NormalizePhone(req.To)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "INVALID_RECIPIENT", err.Error())
	}

	msgID, err := h.supervisor.SendMessage(c.Request().Context(), tenantID, phone, recipient, req.Content)
	if err != nil {
		if errors.Is(err, service.ErrNotConnected) {
			id, qErr := model.EnqueueOutboxMessage(tenantID, phone, recipient, req.Content)
			if qErr != nil {
				return ErrorResponse(c, http.StatusInternalServerError, "QUEUE_FAILED", qErr.Error())
			}
			return SuccessResponse(c, http.StatusAccepted, "Session offline, message queued",
				map[string]interface{}{"outbox_id": id})
		}
		return sessionError(c, err)
	}

	return SuccessResponse(c, http.StatusOK, "Message sent", map[string]string{"message_id": msgID})
}

// GetOutbox lists queued messages for the session.
func (h *MessageHandler) GetOutbox(c echo.Context) error {
	pending, err := model.GetPendingOutbox(c.Param("tenantId"), c.Param("phone"), 100)
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}

	out := make([]map[string]interface{}, 0, len(pending))
	for _, m := range pending {
		out = append(out, map[string]interface{}{
			"id":         m.ID,
			"recipient":  m.Recipient,
			"attempts":   m.Attempts,
			"created_at": m.CreatedAt,
		})
	}
	return SuccessResponse(c, http.StatusOK, "Outbox retrieved", out)
}
