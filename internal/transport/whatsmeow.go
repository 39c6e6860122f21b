package transport

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"
)

// SessionDBName is the primary credential blob. A credential directory
// without it is not a valid session.
const SessionDBName = "session.db"

// WhatsmeowDialer builds whatsmeow-backed handles. Each session gets its own
// sqlite device store inside its credential directory, so the credential
// store can back up and restore sessions as plain files.
type WhatsmeowDialer struct{}

func NewWhatsmeowDialer() *WhatsmeowDialer {
	return &WhatsmeowDialer{}
}

func (d *WhatsmeowDialer) Dial(ctx context.Context, opts DialOptions) (Handle, error) {
	if err := os.MkdirAll(opts.CredentialDir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}

	dbPath := filepath.Join(opts.CredentialDir, SessionDBName)
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	if opts.BrowserLabel != "" {
		store.DeviceProps.Os = proto.String(opts.BrowserLabel)
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("Client", "WARN", true))
	// The supervisor owns the reconnect policy.
	client.EnableAutoReconnect = false

	if opts.ProxyAddress != "" {
		if err := client.SetProxyAddress(opts.ProxyAddress); err != nil {
			db.Close()
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	return &whatsmeowHandle{client: client, db: db}, nil
}

type whatsmeowHandle struct {
	client *whatsmeow.Client
	db     *sql.DB

	mu         sync.Mutex
	handler    func(evt interface{})
	lastPaired time.Time
	closed     bool
}

func (h *whatsmeowHandle) AddEventHandler(fn func(evt interface{})) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
	h.client.AddEventHandler(h.dispatch)
}

func (h *whatsmeowHandle) emit(evt interface{}) {
	h.mu.Lock()
	fn := h.handler
	closed := h.closed
	h.mu.Unlock()
	if fn != nil && !closed {
		fn(evt)
	}
}

// dispatch translates whatsmeow events to the gateway event model.
func (h *whatsmeowHandle) dispatch(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		jid := ""
		if h.client.Store.ID != nil {
			jid = h.client.Store.ID.String()
		}
		h.emit(&OpenedEvent{JID: jid})

	case *events.PairSuccess:
		h.mu.Lock()
		h.lastPaired = time.Now()
		h.mu.Unlock()
		// Pairing writes fresh keys into the device store.
		h.emit(&CredsUpdatedEvent{})

	case *events.LoggedOut:
		h.emit(&ClosedEvent{Reason: CloseLoggedOut, Message: evt.Reason.String()})

	case *events.StreamReplaced:
		h.emit(&ClosedEvent{Reason: CloseReplaced, Message: "stream replaced"})

	case *events.Disconnected:
		// The server drops the stream right after a successful pairing and
		// expects an immediate reconnect with the fresh credentials.
		h.mu.Lock()
		justPaired := !h.lastPaired.IsZero() && time.Since(h.lastPaired) < 30*time.Second
		h.lastPaired = time.Time{}
		h.mu.Unlock()

		if justPaired {
			h.emit(&ClosedEvent{Reason: CloseRestartRequired, Message: "post-pairing restart"})
			return
		}
		h.emit(&ClosedEvent{Reason: CloseGeneric, Message: "disconnected"})

	case *events.ConnectFailure:
		h.emit(&ClosedEvent{Reason: CloseGeneric, Message: evt.Reason.String()})

	case *events.OfflineSyncCompleted:
		h.emit(&SyncCompletedEvent{})
	}
}

func (h *whatsmeowHandle) Connect(ctx context.Context) error {
	// Not paired yet: surface pairing codes through the QR channel. The
	// channel must be requested before Connect.
	if h.client.Store.ID == nil {
		qrChan, err := h.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		go func() {
			for item := range qrChan {
				switch item.Event {
				case "code":
					h.emit(&QREvent{Code: item.Code})
				case "success":
					// PairSuccess follows via the event handler.
				case "timeout":
					h.emit(&ClosedEvent{Reason: CloseGeneric, Message: "qr timeout"})
				default:
					log.Printf("qr channel event %q", item.Event)
				}
			}
		}()
	}

	return h.client.Connect()
}

func (h *whatsmeowHandle) Send(ctx context.Context, to string, content string) (string, error) {
	recipient := types.NewJID(to, types.DefaultUserServer)
	msg := &waE2E.Message{
		Conversation: proto.String(content),
	}

	resp, err := h.client.SendMessage(ctx, recipient, msg)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (h *whatsmeowHandle) Logout(ctx context.Context) error {
	return h.client.Logout(ctx)
}

func (h *whatsmeowHandle) SendPresence(ctx context.Context) error {
	return h.client.SendPresence(ctx, types.PresenceAvailable)
}

func (h *whatsmeowHandle) IsConnected() bool {
	return h.client.IsConnected()
}

func (h *whatsmeowHandle) IsLoggedIn() bool {
	return h.client.IsLoggedIn()
}

func (h *whatsmeowHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.client.Disconnect()
	if err := h.db.Close(); err != nil {
		log.Printf("close session store: %v", err)
	}
}
