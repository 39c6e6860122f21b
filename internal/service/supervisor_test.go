package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoCodeify/whatsapp-web-service-sub002/config"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/credential"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/model"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/proxy"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/transport"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/ws"
)

type fakeHandle struct {
	mu        sync.Mutex
	handler   func(evt interface{})
	loggedIn  bool
	connected bool
	closed    bool

	sendErr error
	sentTo  []string

	logoutCalled bool
}

func (f *fakeHandle) AddEventHandler(fn func(evt interface{})) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *fakeHandle) emit(evt interface{}) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}

func (f *fakeHandle) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeHandle) Send(_ context.Context, to, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentTo = append(f.sentTo, to)
	return "3EB0TESTID", nil
}

func (f *fakeHandle) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalled = true
	return nil
}

func (f *fakeHandle) SendPresence(context.Context) error { return nil }

func (f *fakeHandle) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeHandle) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeHandle) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeDialer struct {
	mu          sync.Mutex
	handles     []*fakeHandle
	opts        []transport.DialOptions
	dialErr     error
	notLoggedIn bool
	dialed      chan *fakeHandle
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeHandle, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, opts transport.DialOptions) (transport.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	h := &fakeHandle{loggedIn: !d.notLoggedIn}
	d.handles = append(d.handles, h)
	d.opts = append(d.opts, opts)
	d.dialed <- h
	return h, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		InstanceID:            "test-1",
		CredentialsDir:        t.TempDir(),
		MaxConcurrentSessions: 10,
		MemoryLimitMB:         1 << 20, // effectively unlimited
		MemoryThreshold:       0.95,
		MaxReconnectAttempts:  3,
		ReconnectBaseDelay:    time.Millisecond,
		QRTimeout:             time.Minute,
		SyncTimeout:           time.Minute,
	}
}

func newTestSupervisor(t *testing.T, cfg *config.Config) (*Supervisor, *fakeDialer) {
	t.Helper()
	creds, err := credential.NewStore(cfg.CredentialsDir, credential.ModeLocal, nil, nil, "")
	require.NoError(t, err)

	dialer := newFakeDialer()
	proxies := proxy.NewManager("disabled", nil, nil, false)
	gate := NewGatekeeper(100, time.Hour)
	return NewSupervisor(cfg, dialer, creds, proxies, gate, ws.NopPublisher{}), dialer
}

func awaitDial(t *testing.T, d *fakeDialer) *fakeHandle {
	t.Helper()
	select {
	case h := <-d.dialed:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("transport was never dialed")
		return nil
	}
}

func awaitStatus(t *testing.T, s *Supervisor, tenantID, phone, status string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := s.GetStatus(tenantID, phone)
		if err == nil && info.Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	info, err := s.GetStatus(tenantID, phone)
	t.Fatalf("session never reached %q (info=%+v err=%v)", status, info, err)
}

func TestAddSessionExistingPairIsNoOp(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, accepted, err := s.AddSession(context.Background(), "tenant-a", "+1 (555) 010-1234", AddOptions{})
	require.NoError(t, err)
	require.True(t, accepted)
	awaitDial(t, d)

	// Same pair in a different surface format: success, current state, no
	// second dial.
	info, accepted, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "15550101234", info.PhoneNumber)
	assert.Equal(t, 1, s.Count())

	select {
	case <-d.dialed:
		t.Fatal("re-adding a live pair must not dial again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddSessionRevivesFailedSession(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))
	d.dialErr = errors.New("no route to host")

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusFailed)

	d.mu.Lock()
	d.dialErr = nil
	d.mu.Unlock()

	_, accepted, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	assert.True(t, accepted)
	awaitDial(t, d)
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusConnecting)
}

func TestAddSessionRejectsInvalidPhone(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(t))

	_, _, err := s.AddSession(context.Background(), "tenant-a", "not-a-number", AddOptions{})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Count())
}

func TestCapacityRejectionLeavesNoTrace(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrentSessions = 1
	s, d := newTestSupervisor(t, cfg)

	_, accepted, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	require.True(t, accepted)
	awaitDial(t, d)

	info, accepted, err := s.AddSession(context.Background(), "tenant-b", "447911123456", AddOptions{})
	assert.NoError(t, err, "a capacity rejection is not an error")
	assert.False(t, accepted)
	assert.Nil(t, info)

	// The rejected pair must not exist and must remain addable later.
	_, err = s.GetStatus("tenant-b", "447911123456")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, int64(1), s.GetMetrics().CapacityRejections)
}

func TestConnectedLifecycle(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, accepted, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	require.True(t, accepted)

	h := awaitDial(t, d)
	h.emit(&transport.OpenedEvent{JID: "15550101234:1@s.whatsapp.net"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusConnected)

	info, err := s.GetStatus("tenant-a", "15550101234")
	require.NoError(t, err)
	assert.Equal(t, 0, info.ReconnectAttempt)
	assert.Equal(t, 1, s.GetMetrics().ConnectedSessions)
}

func TestSendMessageFailsClosedWhenNotConnected(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	awaitDial(t, d)

	// Still connecting: no traffic may flow.
	_, err = s.SendMessage(context.Background(), "tenant-a", "15550101234", "447911123456", "hello")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = s.SendMessage(context.Background(), "tenant-x", "15550109999", "447911123456", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendMessageDelivers(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)
	h.emit(&transport.OpenedEvent{JID: "15550101234:1@s.whatsapp.net"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusConnected)

	msgID, err := s.SendMessage(context.Background(), "tenant-a", "15550101234", "447911123456", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)
	assert.Equal(t, []string{"447911123456"}, h.sentTo)
	assert.Equal(t, int64(1), s.GetMetrics().MessagesSent)
}

func TestLoggedOutRemovesSessionAndCredentials(t *testing.T) {
	cfg := testConfig(t)
	s, d := newTestSupervisor(t, cfg)

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)
	h.emit(&transport.OpenedEvent{JID: "15550101234:1@s.whatsapp.net"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusConnected)

	h.emit(&transport.ClosedEvent{Reason: transport.CloseLoggedOut, Message: "device removed"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Count() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, s.Count())
	assert.True(t, h.closed)

	_, err = s.GetStatus("tenant-a", "15550101234")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReplacedIsTerminalWithoutCredentialLoss(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)
	h.emit(&transport.OpenedEvent{JID: "15550101234:1@s.whatsapp.net"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusConnected)

	h.emit(&transport.ClosedEvent{Reason: transport.CloseReplaced, Message: "stream replaced"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Count() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, s.Count())

	// No further dial: the takeover instance owns the session now.
	select {
	case <-d.dialed:
		t.Fatal("replaced session must not reconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGenericCloseReconnectsWithAttemptBudget(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)
	h.emit(&transport.OpenedEvent{JID: "15550101234:1@s.whatsapp.net"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusConnected)

	h.emit(&transport.ClosedEvent{Reason: transport.CloseGeneric, Message: "stream error"})

	// The supervisor dials again after the backoff.
	h2 := awaitDial(t, d)
	assert.NotSame(t, h, h2)

	info, err := s.GetStatus("tenant-a", "15550101234")
	require.NoError(t, err)
	assert.Equal(t, 1, info.ReconnectAttempt)

	// A successful connect resets the budget.
	h2.emit(&transport.OpenedEvent{JID: "15550101234:1@s.whatsapp.net"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusConnected)
	info, err = s.GetStatus("tenant-a", "15550101234")
	require.NoError(t, err)
	assert.Equal(t, 0, info.ReconnectAttempt)
}

func TestSessionFailsAfterAttemptBudgetSpent(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxReconnectAttempts = 2
	s, d := newTestSupervisor(t, cfg)

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)

	h := awaitDial(t, d)
	for i := 0; i < cfg.MaxReconnectAttempts; i++ {
		h.emit(&transport.ClosedEvent{Reason: transport.CloseGeneric, Message: "stream error"})
		h = awaitDial(t, d)
	}

	// One more failure exhausts the budget.
	h.emit(&transport.ClosedEvent{Reason: transport.CloseGeneric, Message: "stream error"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusFailed)

	// Failed sessions stay visible but carry no traffic.
	_, err = s.SendMessage(context.Background(), "tenant-a", "15550101234", "447911123456", "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRestartRequiredReconnectsWithoutConsumingBudget(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)

	h.emit(&transport.ClosedEvent{Reason: transport.CloseRestartRequired, Message: "post-pairing restart"})
	h2 := awaitDial(t, d)
	require.NotNil(t, h2)

	info, err := s.GetStatus("tenant-a", "15550101234")
	require.NoError(t, err)
	assert.Equal(t, 0, info.ReconnectAttempt, "restart-required must not consume the attempt budget")
}

func TestManualReconnectGoesThroughGatekeeper(t *testing.T) {
	cfg := testConfig(t)
	s, d := newTestSupervisor(t, cfg)
	s.gate = NewGatekeeper(1, time.Hour)

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	awaitDial(t, d)

	require.NoError(t, s.ReconnectSession("tenant-a", "15550101234"))
	awaitDial(t, d)

	err = s.ReconnectSession("tenant-a", "15550101234")
	assert.Error(t, err, "second manual reconnect inside the window must be refused")

	// Status reflects the exhausted window without consuming an attempt.
	info, err := s.GetStatus("tenant-a", "15550101234")
	require.NoError(t, err)
	assert.False(t, info.ReconnectAllowed)
	assert.Greater(t, info.ReconnectRetryAfterSec, 0)
}

func TestDialFailureMarksSessionFailed(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))
	d.dialErr = errors.New("no route to host")

	_, accepted, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	require.True(t, accepted)

	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusFailed)
}

func TestShutdownRejectsNewSessions(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Shutdown(ctx)

	assert.True(t, h.closed)
	_, _, err = s.AddSession(context.Background(), "tenant-b", "447911123456", AddOptions{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestConcurrentAddsYieldSingleSession(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	const workers = 16
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, accepted, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
			assert.NoError(t, err)
			assert.True(t, accepted)
		}()
	}
	wg.Wait()

	// Every caller succeeds, but only one session and one dial exist.
	assert.Equal(t, 1, s.Count())
	awaitDial(t, d)
	select {
	case <-d.dialed:
		t.Fatal("concurrent adds for one pair must dial exactly once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAutomaticBackoffIgnoresReconnectWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxReconnectAttempts = 5
	s, d := newTestSupervisor(t, cfg)
	s.gate = NewGatekeeper(3, time.Hour)

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)

	// All five budgeted attempts redial even though the manual-reconnect
	// window only allows three.
	for i := 0; i < cfg.MaxReconnectAttempts; i++ {
		h.emit(&transport.ClosedEvent{Reason: transport.CloseGeneric, Message: "stream error"})
		h = awaitDial(t, d)
	}

	info, err := s.GetStatus("tenant-a", "15550101234")
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxReconnectAttempts, info.ReconnectAttempt)

	// Only spending the whole budget fails the session.
	h.emit(&transport.ClosedEvent{Reason: transport.CloseGeneric, Message: "stream error"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusFailed)
}

type stubVendor struct {
	mu        sync.Mutex
	countries []string
}

func (v *stubVendor) Purchase(_ context.Context, country string) (proxy.VendorIP, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.countries = append(v.countries, country)
	return proxy.VendorIP{IP: "198.51.100.7", Port: 8080, Country: country}, nil
}

func (v *stubVendor) Check(context.Context, string) (bool, error) { return true, nil }
func (v *stubVendor) Release(context.Context, string) error       { return nil }

func TestAddSessionThreadsProxyPlacement(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))
	vendor := &stubVendor{}
	s.proxies = proxy.NewManager(proxy.ModeDedicated, vendor, nil, false)

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{
		ProxyCountry: "US",
		BrowserLabel: "Firefox (Linux)",
	})
	require.NoError(t, err)
	awaitDial(t, d)

	vendor.mu.Lock()
	require.NotEmpty(t, vendor.countries)
	assert.Equal(t, "US", vendor.countries[0])
	vendor.mu.Unlock()

	d.mu.Lock()
	opts := d.opts[0]
	d.mu.Unlock()
	assert.Equal(t, "Firefox (Linux)", opts.BrowserLabel)
	assert.Contains(t, opts.ProxyAddress, "198.51.100.7")
}

func TestQRExpiryRemovesSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.QRTimeout = 30 * time.Millisecond
	s, d := newTestSupervisor(t, cfg)
	d.notLoggedIn = true

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)
	h.emit(&transport.QREvent{Code: "pairing-code"})

	// The capacity slot must come back, not linger as a failed entry.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Count() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, s.Count())
	assert.True(t, h.closed)

	_, err = s.GetStatus("tenant-a", "15550101234")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMetricsBreakDownSessionsByStatus(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)
	h.emit(&transport.OpenedEvent{JID: "15550101234:1@s.whatsapp.net"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusConnected)

	_, _, err = s.AddSession(context.Background(), "tenant-b", "447911123456", AddOptions{})
	require.NoError(t, err)
	awaitDial(t, d)
	awaitStatus(t, s, "tenant-b", "447911123456", model.StatusConnecting)

	metrics := s.GetMetrics()
	assert.Equal(t, 2, metrics.ActiveSessions)
	assert.Equal(t, 1, metrics.SessionsByStatus[model.StatusConnected])
	assert.Equal(t, 1, metrics.SessionsByStatus[model.StatusConnecting])
}

func TestMismatchedPeerNumberStillConnects(t *testing.T) {
	s, d := newTestSupervisor(t, testConfig(t))

	_, _, err := s.AddSession(context.Background(), "tenant-a", "15550101234", AddOptions{})
	require.NoError(t, err)
	h := awaitDial(t, d)

	// The peer reporting a different number is warned about, never fatal.
	h.emit(&transport.OpenedEvent{JID: "447911999999:1@s.whatsapp.net"})
	awaitStatus(t, s, "tenant-a", "15550101234", model.StatusConnected)
}
