package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/health"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/service"
)

// SystemHandler serves the health and metrics endpoints.
type SystemHandler struct {
	supervisor *service.Supervisor
	monitor    *health.Monitor
	instanceID string
}

func NewSystemHandler(supervisor *service.Supervisor, monitor *health.Monitor, instanceID string) *SystemHandler {
	return &SystemHandler{supervisor: supervisor, monitor: monitor, instanceID: instanceID}
}

// Health returns the latest health sample. Load balancers get a 503 while
// the instance is unhealthy so traffic drains away.
func (h *SystemHandler) Health(c echo.Context) error {
	snap := h.monitor.Current()
	status := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]interface{}{
		"instance_id": h.instanceID,
		"health":      snap,
	})
}

func (h *SystemHandler) Metrics(c echo.Context) error {
	return SuccessResponse(c, http.StatusOK, "Metrics", h.supervisor.GetMetrics())
}
