package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoCodeify/whatsapp-web-service-sub002/config"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/credential"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/model"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/proxy"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/service"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/transport"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/ws"
)

func newIdleMonitor(cfg *config.Config) *Monitor {
	proxies := proxy.NewManager(proxy.ModeDisabled, nil, nil, false)
	gate := service.NewGatekeeper(10, time.Hour)
	sup := service.NewSupervisor(cfg, nil, nil, proxies, gate, nil)
	return NewMonitor(cfg, sup, nil)
}

func TestCurrentIsHealthyOnIdleProcess(t *testing.T) {
	m := newIdleMonitor(&config.Config{
		MemoryLimitMB:         1 << 20,
		MemoryThreshold:       0.95,
		CPUThreshold:          100, // an idle test process still burns some cpu
		ErrorThreshold:        0.1,
		QueueBacklogThreshold: 500,
		AlertThreshold:        3,
	})

	snap := m.Current()
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Empty(t, snap.Issues)
	assert.Zero(t, snap.ActiveSessions)
	assert.False(t, snap.SampledAt.IsZero())

	// Second call returns the cached sample.
	assert.Equal(t, snap.SampledAt, m.Current().SampledAt)
}

func TestConsecutiveIssuesEscalateStatus(t *testing.T) {
	m := newIdleMonitor(&config.Config{
		MemoryLimitMB:         1, // anything above ~1MB of heap trips this
		MemoryThreshold:       0.5,
		CPUThreshold:          100,
		ErrorThreshold:        0.1,
		QueueBacklogThreshold: 500,
		AlertThreshold:        100, // keep alerts out of this test
	})

	snap := m.sample()
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Equal(t, []string{"memory above threshold"}, snap.Issues)
}

func TestTwoIssuesStayDegraded(t *testing.T) {
	m := newIdleMonitor(&config.Config{
		MemoryLimitMB:         1,
		MemoryThreshold:       0.5,
		CPUThreshold:          -1, // trips even at zero cpu
		ErrorThreshold:        0.1,
		QueueBacklogThreshold: 500,
		AlertThreshold:        100,
	})

	snap := m.sample()
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Len(t, snap.Issues, 2)
}

func TestThreeIssuesAreUnhealthy(t *testing.T) {
	m := newIdleMonitor(&config.Config{
		MemoryLimitMB:         1,
		MemoryThreshold:       0.5,
		CPUThreshold:          -1,
		ErrorThreshold:        0.1,
		QueueBacklogThreshold: -1, // an empty backlog trips this
		AlertThreshold:        100,
	})

	snap := m.sample()
	assert.Equal(t, StatusUnhealthy, snap.Status)
	assert.Len(t, snap.Issues, 3)
}

type failDialer struct {
	dials atomic.Int64
}

func (d *failDialer) Dial(context.Context, transport.DialOptions) (transport.Handle, error) {
	d.dials.Add(1)
	return nil, errors.New("no route to host")
}

func newFailingSupervisor(t *testing.T, cfg *config.Config) (*service.Supervisor, *failDialer) {
	t.Helper()
	creds, err := credential.NewStore(cfg.CredentialsDir, credential.ModeLocal, nil, nil, "")
	require.NoError(t, err)
	proxies := proxy.NewManager(proxy.ModeDisabled, nil, nil, false)
	dialer := &failDialer{}
	return service.NewSupervisor(cfg, dialer, creds, proxies, service.NewGatekeeper(10, time.Hour), ws.NopPublisher{}), dialer
}

func awaitFailed(t *testing.T, sup *service.Supervisor, tenantID, phone string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := sup.GetStatus(tenantID, phone); err == nil && info.Status == model.StatusFailed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never failed")
}

func testSupervisorConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		InstanceID:            "test-1",
		CredentialsDir:        t.TempDir(),
		MaxConcurrentSessions: 10,
		MaxReconnectAttempts:  0,
		ReconnectBaseDelay:    time.Millisecond,
		QRTimeout:             time.Minute,
		MemoryLimitMB:         1 << 20,
		MemoryThreshold:       0.95,
		CPUThreshold:          100,
		ErrorThreshold:        0.1,
		QueueBacklogThreshold: 500,
		AlertThreshold:        100,
		RecoveryBatchSize:     5,
	}
}

func TestFailedSessionsTripConnectionRatio(t *testing.T) {
	cfg := testSupervisorConfig(t)
	sup, _ := newFailingSupervisor(t, cfg)
	m := NewMonitor(cfg, sup, nil)

	_, _, err := sup.AddSession(context.Background(), "tenant-a", "15550101234", service.AddOptions{})
	require.NoError(t, err)
	awaitFailed(t, sup, "tenant-a", "15550101234")

	snap := m.sample()
	assert.Contains(t, snap.Issues, "connection failure ratio above threshold")
}

func TestAutoRecoverRetriesFailedSessions(t *testing.T) {
	cfg := testSupervisorConfig(t)
	sup, d := newFailingSupervisor(t, cfg)
	m := NewMonitor(cfg, sup, nil)

	_, _, err := sup.AddSession(context.Background(), "tenant-a", "15550101234", service.AddOptions{})
	require.NoError(t, err)
	awaitFailed(t, sup, "tenant-a", "15550101234")

	before := d.dials.Load()
	m.autoRecover()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.dials.Load() == before {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, d.dials.Load(), before, "recovery never redialed the failed session")
}
