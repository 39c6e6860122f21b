// Package transport abstracts the protocol-level client so the connection
// supervisor never touches the wire library directly. The gateway drives
// reconnection itself, so implementations must not auto-reconnect.
package transport

import "context"

// CloseReason classifies why a transport connection ended. The supervisor
// picks the follow-up action (reconnect, remove, full logout) from this.
type CloseReason int

const (
	// CloseGeneric is any close that should go through the backoff path.
	CloseGeneric CloseReason = iota
	// CloseRestartRequired is the post-pairing stream restart. The session
	// must be reconnected immediately, without backoff.
	CloseRestartRequired
	// CloseReplaced means another instance took over this session.
	CloseReplaced
	// CloseLoggedOut means the account unlinked this device.
	CloseLoggedOut
)

func (r CloseReason) String() string {
	switch r {
	case CloseRestartRequired:
		return "restart_required"
	case CloseReplaced:
		return "replaced"
	case CloseLoggedOut:
		return "logged_out"
	default:
		return "generic"
	}
}

// Events delivered to the handler registered with AddEventHandler. Events for
// a single handle arrive serially.
type (
	// QREvent carries a pairing code. Only emitted before first pairing.
	QREvent struct {
		Code string
	}

	// OpenedEvent signals the connection is fully established.
	OpenedEvent struct {
		JID string
	}

	// ClosedEvent signals the connection ended.
	ClosedEvent struct {
		Reason  CloseReason
		Message string
	}

	// CredsUpdatedEvent signals the transport rotated its credential
	// material and the local blobs should be mirrored.
	CredsUpdatedEvent struct{}

	// SyncCompletedEvent signals initial history/app-state sync finished.
	SyncCompletedEvent struct{}
)

// Handle is one live protocol connection.
type Handle interface {
	// AddEventHandler registers the event callback. Must be called before
	// Connect so no event is lost.
	AddEventHandler(fn func(evt interface{}))

	// Connect starts the connection handshake. Events follow asynchronously.
	Connect(ctx context.Context) error

	// Send delivers a text message to the normalized phone number and
	// returns the transport message ID.
	Send(ctx context.Context, to string, content string) (string, error)

	// Logout unlinks the device server-side. Best effort.
	Logout(ctx context.Context) error

	// SendPresence marks the account available. Used as keepalive.
	SendPresence(ctx context.Context) error

	IsConnected() bool
	IsLoggedIn() bool

	// Close tears the socket down and releases the handle's resources.
	Close()
}

// DialOptions describe how to build a Handle for one session.
type DialOptions struct {
	// CredentialDir is the session's local credential blob directory.
	CredentialDir string
	// ProxyAddress is the egress proxy URL. Empty means direct egress,
	// which the supervisor only allows outside dedicated-egress mode.
	ProxyAddress string
	// BrowserLabel is the device/client label shown on the paired phone.
	BrowserLabel string
}

// Dialer constructs transport handles. The whatsmeow adapter is the real
// implementation; tests plug in fakes.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Handle, error)
}
