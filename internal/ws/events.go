package ws

import "time"

// Event types published to connected dashboards.
const (
	EventSessionStatus    = "session_status_changed"
	EventQRGenerated      = "qr_generated"
	EventCapacityRejected = "capacity_rejected"
	EventRecoverySummary  = "recovery_summary"
	EventHealthAlert      = "health_alert"
	EventProxyRotated     = "proxy_rotated"
)

// WsEvent is the envelope for every realtime event. Payload is
// event-specific and kept loosely typed so new fields do not break
// existing consumers.
type WsEvent struct {
	Type        string                 `json:"type"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	PhoneNumber string                 `json:"phone_number,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// RealtimePublisher is what services hold instead of the concrete Hub, so
// tests can swap in a recorder and the hub can stay optional.
type RealtimePublisher interface {
	Publish(event WsEvent)
}

// NopPublisher drops every event. Used when realtime events are disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(WsEvent) {}
