package service

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NoCodeify/whatsapp-web-service-sub002/config"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/credential"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/helper"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/model"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/proxy"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/transport"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/ws"
)

// SessionKey identifies one session. A tenant may run many phone numbers;
// each pair gets at most one live session per instance.
type SessionKey struct {
	TenantID    string
	PhoneNumber string
}

func (k SessionKey) String() string {
	return k.TenantID + "_" + k.PhoneNumber
}

// AddOptions tune session admission. The zero value is a plain
// user-initiated add with vendor-chosen proxy placement.
type AddOptions struct {
	// ProxyCountry is the preferred egress country for the lease. The
	// vendor fallback chain still applies when it is out of stock.
	ProxyCountry string
	// BrowserLabel overrides the device label shown on the paired phone.
	BrowserLabel string
	// IsRecovery marks adds issued by startup recovery or health
	// auto-recovery rather than an operator.
	IsRecovery bool
}

// Session is the in-memory state for one live connection.
type Session struct {
	Key  SessionKey
	opts AddOptions

	mu     sync.Mutex
	handle transport.Handle
	lease  *proxy.Lease
	status string

	qr            string
	qrGeneratedAt time.Time

	reconnectAttempt int
	reconnectTimer   *time.Timer
	qrTimer          *time.Timer
	syncTimer        *time.Timer

	connectedAt time.Time
	lastError   string

	// gen increments on every dial so events from a torn-down handle are
	// ignored.
	gen int
}

// SessionInfo is a read-only snapshot for API responses.
type SessionInfo struct {
	TenantID         string    `json:"tenant_id"`
	PhoneNumber      string    `json:"phone_number"`
	Status           string    `json:"status"`
	LastError        string    `json:"last_error,omitempty"`
	ReconnectAttempt int       `json:"reconnect_attempt"`
	ProxyCountry     string    `json:"proxy_country,omitempty"`
	ConnectedAt      time.Time `json:"connected_at,omitempty"`

	// ReconnectAllowed reports whether a manual reconnect would currently
	// pass the rate limiter; RetryAfter carries the wait when it would not.
	ReconnectAllowed       bool `json:"reconnect_allowed"`
	ReconnectRetryAfterSec int  `json:"reconnect_retry_after_sec,omitempty"`
}

// Supervisor owns the session map and drives every session through its
// lifecycle: admission, pairing, reconnection, and teardown. All
// collaborators are injected so nothing here depends on process-global
// state.
type Supervisor struct {
	cfg       *config.Config
	dialer    transport.Dialer
	creds     *credential.Store
	proxies   *proxy.Manager
	gate      *Gatekeeper
	publisher ws.RealtimePublisher

	mu           sync.RWMutex
	sessions     map[SessionKey]*Session
	shuttingDown bool

	capacityRejections atomic.Int64
	messagesSent       atomic.Int64
	sendErrors         atomic.Int64
}

func NewSupervisor(cfg *config.Config, dialer transport.Dialer, creds *credential.Store, proxies *proxy.Manager, gate *Gatekeeper, publisher ws.RealtimePublisher) *Supervisor {
	if publisher == nil {
		publisher = ws.NopPublisher{}
	}
	return &Supervisor{
		cfg:       cfg,
		dialer:    dialer,
		creds:     creds,
		proxies:   proxies,
		gate:      gate,
		publisher: publisher,
		sessions:  make(map[SessionKey]*Session),
	}
}

// AddSession admits and starts a session for the pair. The second return
// value is false when the instance is at capacity; that is not an error and
// leaves no trace behind. Adding a pair that is already live is a no-op
// reporting the current state; adding a failed one revives it. Setup
// continues in the background; callers poll GetStatus or GetQR.
func (s *Supervisor) AddSession(ctx context.Context, tenantID, phone string, opts AddOptions) (*SessionInfo, bool, error) {
	normalized, err := helper.NormalizePhone(phone)
	if err != nil {
		return nil, false, err
	}
	key := SessionKey{TenantID: tenantID, PhoneNumber: normalized}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil, false, ErrShuttingDown
	}
	if existing, exists := s.sessions[key]; exists {
		existing.mu.Lock()
		if existing.status == model.StatusFailed {
			// A failed session holds no transport or lease; re-adding it
			// starts the setup over.
			existing.status = model.StatusConnecting
			existing.reconnectAttempt = 0
			existing.lastError = ""
			existing.opts = opts
			existing.mu.Unlock()
			s.mu.Unlock()
			log.Printf("🔄 Session %s: re-adding previously failed session", key)
			go s.startSession(context.Background(), existing)
			return s.snapshot(existing), true, nil
		}
		existing.mu.Unlock()
		s.mu.Unlock()
		return s.snapshot(existing), true, nil
	}

	// Capacity is checked and the placeholder inserted under the same lock,
	// so concurrent adds can never exceed the cap or race to two sessions
	// for one pair.
	if reason := s.overCapacityLocked(); reason != "" {
		s.mu.Unlock()
		s.capacityRejections.Add(1)
		log.Printf("⚠ Session %s rejected: %s", key, reason)
		s.publisher.Publish(ws.WsEvent{
			Type:        ws.EventCapacityRejected,
			TenantID:    tenantID,
			PhoneNumber: normalized,
			Payload:     map[string]interface{}{"reason": reason},
		})
		return nil, false, nil
	}

	sess := &Session{Key: key, opts: opts, status: model.StatusConnecting}
	s.sessions[key] = sess
	s.mu.Unlock()

	if err := model.UpsertSessionRecord(tenantID, normalized, model.StatusConnecting, s.cfg.InstanceID, opts.ProxyCountry); err != nil {
		log.Printf("⚠ Failed to upsert session record for %s: %v", key, err)
	}

	go s.startSession(context.Background(), sess)

	return s.snapshot(sess), true, nil
}

// overCapacityLocked returns a rejection reason, or "" when the session can
// be admitted. Caller holds s.mu.
func (s *Supervisor) overCapacityLocked() string {
	if len(s.sessions) >= s.cfg.MaxConcurrentSessions {
		return fmt.Sprintf("at session limit (%d)", s.cfg.MaxConcurrentSessions)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := float64(ms.HeapAlloc) / (1024 * 1024)
	limitMB := float64(s.cfg.MemoryLimitMB) * s.cfg.MemoryThreshold
	if usedMB > limitMB {
		return fmt.Sprintf("memory pressure (%.0fMB used, %.0fMB allowed)", usedMB, limitMB)
	}
	return ""
}

// startSession performs the blocking part of setup: proxy lease, credential
// restore, dial, connect.
func (s *Supervisor) startSession(ctx context.Context, sess *Session) {
	key := sess.Key

	sess.mu.Lock()
	addOpts := sess.opts
	sess.mu.Unlock()

	lease, err := s.proxies.Acquire(ctx, key.TenantID, key.PhoneNumber, addOpts.ProxyCountry)
	if err != nil {
		// Never connect without egress when a proxy is required.
		log.Printf("✗ Session %s: proxy acquisition failed: %v", key, err)
		s.failSession(sess, fmt.Sprintf("proxy unavailable: %v", err))
		return
	}

	credDir, restored, err := s.creds.Load(ctx, key.TenantID, key.PhoneNumber)
	if err != nil {
		s.releaseLease(lease)
		log.Printf("✗ Session %s: credential restore failed: %v", key, err)
		s.failSession(sess, fmt.Sprintf("credential restore: %v", err))
		return
	}
	if restored {
		log.Printf("✓ Session %s: credentials restored from cloud storage", key)
	}

	opts := transport.DialOptions{
		CredentialDir: credDir,
		BrowserLabel:  addOpts.BrowserLabel,
	}
	if opts.BrowserLabel == "" {
		opts.BrowserLabel = "Chrome (Linux)"
	}
	if lease != nil {
		opts.ProxyAddress = lease.Address
		// The recovery ordering reads the country back from the record.
		if err := model.UpdateSessionProxyCountry(key.TenantID, key.PhoneNumber, lease.Country); err != nil {
			log.Printf("⚠ Failed to record proxy country for %s: %v", key, err)
		}
	}

	handle, err := s.dialer.Dial(ctx, opts)
	if err != nil {
		s.releaseLease(lease)
		log.Printf("✗ Session %s: dial failed: %v", key, err)
		s.failSession(sess, fmt.Sprintf("dial: %v", err))
		return
	}

	sess.mu.Lock()
	sess.handle = handle
	sess.lease = lease
	sess.gen++
	gen := sess.gen
	sess.mu.Unlock()

	handle.AddEventHandler(func(evt interface{}) {
		s.handleTransportEvent(sess, gen, evt)
	})

	if err := handle.Connect(ctx); err != nil {
		log.Printf("✗ Session %s: connect failed: %v", key, err)
		s.handleClose(sess, gen, transport.CloseGeneric, err.Error())
		return
	}

	if !handle.IsLoggedIn() {
		// Pairing flow: QR events will arrive; bound how long we wait for a
		// scan.
		s.armQRTimer(sess, gen)
	}
	if addOpts.IsRecovery {
		log.Printf("🔄 Session %s: restoring (proxy=%s)", key, leaseCountry(lease))
	} else {
		log.Printf("🔄 Session %s: connecting (proxy=%s)", key, leaseCountry(lease))
	}
}

func leaseCountry(l *proxy.Lease) string {
	if l == nil {
		return "none"
	}
	return l.Country
}

func (s *Supervisor) releaseLease(lease *proxy.Lease) {
	if lease == nil {
		return
	}
	s.proxies.Release(context.Background(), lease.ID)
}

func (s *Supervisor) armQRTimer(sess *Session, gen int) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.qrTimer != nil {
		sess.qrTimer.Stop()
	}
	sess.qrTimer = time.AfterFunc(s.cfg.QRTimeout, func() {
		sess.mu.Lock()
		stale := sess.gen != gen || sess.status == model.StatusConnected
		sess.mu.Unlock()
		if stale {
			return
		}
		// An unpaired session has nothing worth keeping; free its
		// capacity slot entirely.
		log.Printf("⚠ Session %s: QR not scanned within %s, removing", sess.Key, s.cfg.QRTimeout)
		s.teardown(sess, false)
		s.removeFromMap(sess.Key)
		s.setRecordStatus(sess.Key, model.StatusFailed, "qr scan timeout")
		s.publishStatus(sess.Key, model.StatusFailed, "qr scan timeout")
	})
}

// handleTransportEvent routes events from the transport into lifecycle
// transitions. Events carrying a stale generation belong to a handle that
// was already replaced and are dropped.
func (s *Supervisor) handleTransportEvent(sess *Session, gen int, evt interface{}) {
	sess.mu.Lock()
	if sess.gen != gen {
		sess.mu.Unlock()
		return
	}
	sess.mu.Unlock()

	key := sess.Key

	switch e := evt.(type) {
	case *transport.QREvent:
		sess.mu.Lock()
		sess.qr = e.Code
		sess.qrGeneratedAt = time.Now()
		sess.status = model.StatusQRPending
		sess.mu.Unlock()
		s.setRecordStatus(key, model.StatusQRPending, "")
		s.publisher.Publish(ws.WsEvent{
			Type:        ws.EventQRGenerated,
			TenantID:    key.TenantID,
			PhoneNumber: key.PhoneNumber,
		})
		log.Printf("🔄 Session %s: QR code generated", key)

	case *transport.OpenedEvent:
		sess.mu.Lock()
		sess.status = model.StatusConnected
		sess.connectedAt = time.Now()
		sess.reconnectAttempt = 0
		sess.lastError = ""
		sess.qr = ""
		if sess.qrTimer != nil {
			sess.qrTimer.Stop()
			sess.qrTimer = nil
		}
		sess.mu.Unlock()
		s.armSyncTimer(sess, gen)
		s.gate.Reset(key.String())
		if err := model.UpdateSessionOnConnected(key.TenantID, key.PhoneNumber, e.JID); err != nil {
			log.Printf("⚠ Failed to update session record for %s: %v", key, err)
		}
		s.publishStatus(key, model.StatusConnected, "")
		if err := s.creds.Persist(context.Background(), key.TenantID, key.PhoneNumber); err != nil {
			log.Printf("⚠ Failed to persist credentials for %s: %v", key, err)
		}
		if jidPhone := helper.ExtractPhoneFromJID(e.JID); jidPhone != key.PhoneNumber {
			log.Printf("⚠ Session %s: peer reports number %s, differs from registration", key, jidPhone)
		}
		log.Printf("✓ Session %s: connected as %s", key, e.JID)

	case *transport.CredsUpdatedEvent:
		if err := s.creds.Persist(context.Background(), key.TenantID, key.PhoneNumber); err != nil {
			log.Printf("⚠ Failed to persist credentials for %s: %v", key, err)
		}

	case *transport.SyncCompletedEvent:
		sess.mu.Lock()
		if sess.syncTimer != nil {
			sess.syncTimer.Stop()
			sess.syncTimer = nil
		}
		sess.mu.Unlock()
		log.Printf("✓ Session %s: offline sync completed", key)

	case *transport.ClosedEvent:
		s.handleClose(sess, gen, e.Reason, e.Message)
	}
}

func (s *Supervisor) armSyncTimer(sess *Session, gen int) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.syncTimer != nil {
		sess.syncTimer.Stop()
	}
	sess.syncTimer = time.AfterFunc(s.cfg.SyncTimeout, func() {
		sess.mu.Lock()
		stale := sess.gen != gen
		sess.mu.Unlock()
		if stale {
			return
		}
		log.Printf("⚠ Session %s: offline sync did not finish within %s", sess.Key, s.cfg.SyncTimeout)
	})
}

// handleClose applies the close-reason policy: restart-required reconnects
// immediately without consuming the attempt budget, replaced and logged-out
// are terminal, and everything else backs off exponentially.
func (s *Supervisor) handleClose(sess *Session, gen int, reason transport.CloseReason, message string) {
	key := sess.Key

	sess.mu.Lock()
	if sess.gen != gen {
		sess.mu.Unlock()
		return
	}
	sess.lastError = message
	sess.mu.Unlock()

	switch reason {
	case transport.CloseReplaced:
		log.Printf("⚠ Session %s: stream replaced by another instance, standing down", key)
		s.teardown(sess, false)
		s.removeFromMap(key)
		s.setRecordStatus(key, model.StatusReplaced, message)
		s.publishStatus(key, model.StatusReplaced, message)

	case transport.CloseLoggedOut:
		log.Printf("⚠ Session %s: logged out by peer, removing credentials", key)
		s.teardown(sess, true)
		s.removeFromMap(key)
		s.setRecordStatus(key, model.StatusLoggedOut, message)
		s.publishStatus(key, model.StatusLoggedOut, message)

	case transport.CloseRestartRequired:
		log.Printf("🔄 Session %s: restart required, reconnecting immediately", key)
		sess.mu.Lock()
		sess.status = model.StatusConnecting
		sess.mu.Unlock()
		s.scheduleReconnect(sess, 0)

	default:
		s.handleGenericClose(sess, message)
	}
}

func (s *Supervisor) handleGenericClose(sess *Session, message string) {
	key := sess.Key

	sess.mu.Lock()
	sess.status = model.StatusDisconnected
	sess.reconnectAttempt++
	attempt := sess.reconnectAttempt
	sess.mu.Unlock()

	s.setRecordStatus(key, model.StatusDisconnected, message)
	s.publishStatus(key, model.StatusDisconnected, message)

	if attempt > s.cfg.MaxReconnectAttempts {
		log.Printf("✗ Session %s: gave up after %d reconnect attempts", key, s.cfg.MaxReconnectAttempts)
		s.failSession(sess, fmt.Sprintf("max reconnect attempts exceeded: %s", message))
		return
	}

	// The gatekeeper only throttles externally-triggered reconnects; the
	// automatic path is bounded by the attempt budget alone.
	delay := s.cfg.ReconnectBaseDelay * (1 << (attempt - 1))
	log.Printf("🔄 Session %s: disconnected (%s), reconnect attempt %d/%d in %s",
		key, message, attempt, s.cfg.MaxReconnectAttempts, delay)
	s.scheduleReconnect(sess, delay)
}

func (s *Supervisor) scheduleReconnect(sess *Session, delay time.Duration) {
	sess.mu.Lock()
	if sess.reconnectTimer != nil {
		sess.reconnectTimer.Stop()
	}
	sess.reconnectTimer = time.AfterFunc(delay, func() {
		s.reconnect(sess)
	})
	sess.mu.Unlock()
}

// reconnect tears down the current handle and dials again. The proxy lease
// is kept; rotation only happens on proven network failure.
func (s *Supervisor) reconnect(sess *Session) {
	s.mu.RLock()
	_, live := s.sessions[sess.Key]
	down := s.shuttingDown
	s.mu.RUnlock()
	if !live || down {
		return
	}

	sess.mu.Lock()
	if sess.handle != nil {
		sess.handle.Close()
		sess.handle = nil
	}
	sess.status = model.StatusConnecting
	sess.mu.Unlock()

	s.startSession(context.Background(), sess)
}

// failSession marks the session failed. It stays in the map so the failure
// is visible and a manual reconnect can revive it; the proxy lease is
// released since a failed session carries no traffic.
func (s *Supervisor) failSession(sess *Session, reason string) {
	key := sess.Key

	sess.mu.Lock()
	sess.status = model.StatusFailed
	sess.lastError = reason
	if sess.handle != nil {
		sess.handle.Close()
		sess.handle = nil
	}
	lease := sess.lease
	sess.lease = nil
	sess.stopTimersLocked()
	sess.mu.Unlock()

	s.releaseLease(lease)
	s.setRecordStatus(key, model.StatusFailed, reason)
	s.publishStatus(key, model.StatusFailed, reason)
}

func (sess *Session) stopTimersLocked() {
	for _, t := range []*time.Timer{sess.reconnectTimer, sess.qrTimer, sess.syncTimer} {
		if t != nil {
			t.Stop()
		}
	}
	sess.reconnectTimer, sess.qrTimer, sess.syncTimer = nil, nil, nil
}

// teardown closes the transport and releases the lease. When deleteCreds is
// set the credential blobs are removed locally and remotely.
func (s *Supervisor) teardown(sess *Session, deleteCreds bool) {
	sess.mu.Lock()
	sess.gen++ // invalidate in-flight events
	if sess.handle != nil {
		sess.handle.Close()
		sess.handle = nil
	}
	lease := sess.lease
	sess.lease = nil
	sess.stopTimersLocked()
	sess.mu.Unlock()

	s.releaseLease(lease)
	s.gate.Reset(sess.Key.String())

	if deleteCreds {
		if err := s.creds.Delete(context.Background(), sess.Key.TenantID, sess.Key.PhoneNumber); err != nil {
			log.Printf("⚠ Failed to delete credentials for %s: %v", sess.Key, err)
		}
	}
}

func (s *Supervisor) removeFromMap(key SessionKey) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

// SendMessage delivers one text message through a connected session.
// Network-level failures rotate the proxy lease and trigger an immediate
// reconnect so the next attempt leaves from a fresh address.
func (s *Supervisor) SendMessage(ctx context.Context, tenantID, phone, to, content string) (string, error) {
	sess, err := s.get(tenantID, phone)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	handle := sess.handle
	connected := sess.status == model.StatusConnected
	sess.mu.Unlock()

	if !connected || handle == nil {
		return "", ErrNotConnected
	}

	msgID, err := handle.Send(ctx, to, content)
	if err != nil {
		s.sendErrors.Add(1)
		if proxy.IsNetworkError(err) {
			log.Printf("⚠ Session %s: network error on send, rotating proxy: %v", sess.Key, err)
			s.rotateAndReconnect(sess)
		}
		return "", fmt.Errorf("send message: %w", err)
	}

	s.messagesSent.Add(1)
	if err := model.IncrementMessageCount(sess.Key.TenantID, sess.Key.PhoneNumber); err != nil {
		log.Printf("⚠ Failed to bump message count for %s: %v", sess.Key, err)
	}
	return msgID, nil
}

func (s *Supervisor) rotateAndReconnect(sess *Session) {
	sess.mu.Lock()
	lease := sess.lease
	sess.mu.Unlock()

	if lease != nil {
		fresh, err := s.proxies.Rotate(context.Background(), sess.Key.TenantID, sess.Key.PhoneNumber)
		if err != nil {
			log.Printf("⚠ Session %s: proxy rotation failed: %v", sess.Key, err)
		} else {
			sess.mu.Lock()
			sess.lease = fresh
			sess.mu.Unlock()
			s.publisher.Publish(ws.WsEvent{
				Type:        ws.EventProxyRotated,
				TenantID:    sess.Key.TenantID,
				PhoneNumber: sess.Key.PhoneNumber,
				Payload:     map[string]interface{}{"country": fresh.Country, "rotations": fresh.Rotations},
			})
		}
	}

	sess.mu.Lock()
	sess.status = model.StatusConnecting
	sess.mu.Unlock()
	s.scheduleReconnect(sess, 0)
}

// ReconnectSession is the manual reconnect path. It resets the attempt
// counter but still consumes one slot in the rate-limit window.
func (s *Supervisor) ReconnectSession(tenantID, phone string) error {
	sess, err := s.get(tenantID, phone)
	if err != nil {
		return err
	}

	if err := s.gate.Reconnect(sess.Key.String()); err != nil {
		return err
	}

	sess.mu.Lock()
	sess.reconnectAttempt = 0
	sess.status = model.StatusConnecting
	sess.mu.Unlock()

	log.Printf("🔄 Session %s: manual reconnect requested", sess.Key)
	s.scheduleReconnect(sess, 0)
	return nil
}

// Logout signs the session out of the peer service. The resulting
// logged-out close event performs the credential cleanup.
func (s *Supervisor) Logout(ctx context.Context, tenantID, phone string) error {
	sess, err := s.get(tenantID, phone)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	handle := sess.handle
	sess.mu.Unlock()

	if handle == nil {
		return ErrNotConnected
	}
	if err := handle.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// RemoveSession tears the session down without signing out. Credentials are
// kept unless deleteCreds is set, so the pair can be re-added without a new
// QR scan.
func (s *Supervisor) RemoveSession(tenantID, phone string, deleteCreds bool) error {
	sess, err := s.get(tenantID, phone)
	if err != nil {
		return err
	}

	s.teardown(sess, deleteCreds)
	s.removeFromMap(sess.Key)
	if deleteCreds {
		if err := model.DeleteSessionRecord(sess.Key.TenantID, sess.Key.PhoneNumber); err != nil {
			log.Printf("⚠ Failed to delete session record for %s: %v", sess.Key, err)
		}
	} else {
		s.setRecordStatus(sess.Key, model.StatusDisconnected, "removed")
	}
	log.Printf("✓ Session %s removed", sess.Key)
	return nil
}

// GetQR returns the current QR code for a pairing session.
func (s *Supervisor) GetQR(tenantID, phone string) (string, error) {
	sess, err := s.get(tenantID, phone)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status == model.StatusConnected {
		return "", fmt.Errorf("session already connected")
	}
	if sess.qr == "" {
		return "", ErrSessionNotLoggedIn
	}
	return sess.qr, nil
}

func (s *Supervisor) GetStatus(tenantID, phone string) (*SessionInfo, error) {
	sess, err := s.get(tenantID, phone)
	if err != nil {
		return nil, err
	}
	return s.snapshot(sess), nil
}

func (s *Supervisor) ListSessions() []*SessionInfo {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	out := make([]*SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.snapshot(sess))
	}
	return out
}

// ActiveKeys lists tenant/phone pairs with live sessions, for the periodic
// credential backup loop.
func (s *Supervisor) ActiveKeys() [][2]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][2]string, 0, len(s.sessions))
	for key := range s.sessions {
		out = append(out, [2]string{key.TenantID, key.PhoneNumber})
	}
	return out
}

func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// AwaitConnected blocks until the session reaches connected, fails, or the
// timeout passes. Used by startup recovery to bound per-session waits.
func (s *Supervisor) AwaitConnected(ctx context.Context, tenantID, phone string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		info, err := s.GetStatus(tenantID, phone)
		if err != nil {
			return err
		}
		switch info.Status {
		case model.StatusConnected:
			return nil
		case model.StatusFailed:
			return fmt.Errorf("session failed: %s", info.LastError)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s_%s to connect (status=%s)", tenantID, phone, info.Status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Metrics is the aggregate view exposed on the metrics endpoint.
type Metrics struct {
	ActiveSessions     int            `json:"active_sessions"`
	ConnectedSessions  int            `json:"connected_sessions"`
	SessionsByStatus   map[string]int `json:"sessions_by_status"`
	CapacityRejections int64          `json:"capacity_rejections"`
	MessagesSent       int64          `json:"messages_sent"`
	SendErrors         int64          `json:"send_errors"`
	Proxy              proxy.Metrics  `json:"proxy"`
}

func (s *Supervisor) GetMetrics() Metrics {
	byStatus := make(map[string]int)
	s.mu.RLock()
	active := len(s.sessions)
	for _, sess := range s.sessions {
		sess.mu.Lock()
		byStatus[sess.status]++
		sess.mu.Unlock()
	}
	s.mu.RUnlock()

	return Metrics{
		ActiveSessions:     active,
		ConnectedSessions:  byStatus[model.StatusConnected],
		SessionsByStatus:   byStatus,
		CapacityRejections: s.capacityRejections.Load(),
		MessagesSent:       s.messagesSent.Load(),
		SendErrors:         s.sendErrors.Load(),
		Proxy:              s.proxies.GetMetrics(context.Background()),
	}
}

// StartHeartbeat keeps connected sessions marked available by sending
// presence on an interval, until ctx is cancelled.
func (s *Supervisor) StartHeartbeat(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.RLock()
				sessions := make([]*Session, 0, len(s.sessions))
				for _, sess := range s.sessions {
					sessions = append(sessions, sess)
				}
				s.mu.RUnlock()

				for _, sess := range sessions {
					sess.mu.Lock()
					handle := sess.handle
					connected := sess.status == model.StatusConnected
					sess.mu.Unlock()
					if connected && handle != nil {
						if err := handle.SendPresence(ctx); err != nil {
							log.Printf("⚠ Session %s: presence heartbeat failed: %v", sess.Key, err)
						}
					}
				}
			}
		}
	}()
}

// Shutdown backs up every session's credentials and closes all transports.
// New work is rejected as soon as it is called.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.shuttingDown = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	log.Printf("🔄 Shutting down %d sessions...", len(sessions))
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := s.creds.Backup(ctx, sess.Key.TenantID, sess.Key.PhoneNumber); err != nil {
				log.Printf("⚠ Shutdown backup failed for %s: %v", sess.Key, err)
			}
			s.teardown(sess, false)
			s.setRecordStatus(sess.Key, model.StatusDisconnected, "instance shutdown")
		}(sess)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		log.Println("✓ All sessions shut down")
	case <-ctx.Done():
		log.Println("⚠ Shutdown timed out before all sessions finished")
	}
}

func (s *Supervisor) get(tenantID, phone string) (*Session, error) {
	normalized, err := helper.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[SessionKey{TenantID: tenantID, PhoneNumber: normalized}]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Supervisor) snapshot(sess *Session) *SessionInfo {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	info := &SessionInfo{
		TenantID:         sess.Key.TenantID,
		PhoneNumber:      sess.Key.PhoneNumber,
		Status:           sess.status,
		LastError:        sess.lastError,
		ReconnectAttempt: sess.reconnectAttempt,
		ConnectedAt:      sess.connectedAt,
	}
	if sess.lease != nil {
		info.ProxyCountry = sess.lease.Country
	}

	// Tell callers up front whether a manual reconnect would be admitted,
	// without consuming an attempt.
	d := s.gate.CanReconnect(sess.Key.String())
	info.ReconnectAllowed = d.Allowed
	if !d.Allowed {
		info.ReconnectRetryAfterSec = int(d.RetryAfter.Round(time.Second) / time.Second)
	}
	return info
}

func (s *Supervisor) setRecordStatus(key SessionKey, status, lastError string) {
	if err := model.UpdateSessionStatus(key.TenantID, key.PhoneNumber, status, lastError); err != nil {
		log.Printf("⚠ Failed to update session record for %s: %v", key, err)
	}
}

func (s *Supervisor) publishStatus(key SessionKey, status, message string) {
	payload := map[string]interface{}{"status": status}
	if message != "" {
		payload["message"] = message
	}
	s.publisher.Publish(ws.WsEvent{
		Type:        ws.EventSessionStatus,
		TenantID:    key.TenantID,
		PhoneNumber: key.PhoneNumber,
		Payload:     payload,
	})
}
