package health

import (
	"context"
	"log"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/NoCodeify/whatsapp-web-service-sub002/config"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/model"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/service"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/ws"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	// More than this fraction of sessions failed or disconnected counts as
	// a fleet-level issue.
	connectionFailureRatio = 0.5
)

// Snapshot is one health sample, exposed on the health endpoint.
type Snapshot struct {
	Status            string    `json:"status"`
	Issues            []string  `json:"issues,omitempty"`
	MemoryUsedMB      float64   `json:"memory_used_mb"`
	CPUFraction       float64   `json:"cpu_fraction"`
	ErrorRate         float64   `json:"error_rate"`
	QueueBacklog      int       `json:"queue_backlog"`
	ActiveSessions    int       `json:"active_sessions"`
	ConnectedSessions int       `json:"connected_sessions"`
	SampledAt         time.Time `json:"sampled_at"`
}

// Monitor samples process and session health on an interval. When the same
// problems persist for AlertThreshold consecutive samples it raises an alert
// and, if enabled, kicks bounded auto-recovery for failed sessions.
type Monitor struct {
	cfg        *config.Config
	supervisor *service.Supervisor
	publisher  ws.RealtimePublisher

	mu       sync.Mutex
	last     Snapshot
	unwell   int
	lastCPU  time.Duration
	lastTick time.Time

	recoveryInProgress map[string]bool

	// counters carried between samples to turn totals into rates
	prevSent   int64
	prevErrors int64
}

func NewMonitor(cfg *config.Config, supervisor *service.Supervisor, publisher ws.RealtimePublisher) *Monitor {
	if publisher == nil {
		publisher = ws.NopPublisher{}
	}
	return &Monitor{
		cfg:                cfg,
		supervisor:         supervisor,
		publisher:          publisher,
		recoveryInProgress: make(map[string]bool),
	}
}

// Start runs the sampling loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Current returns the latest sample, taking one on demand if the loop has
// not run yet.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	snap := m.last
	m.mu.Unlock()
	if snap.SampledAt.IsZero() {
		return m.sample()
	}
	return snap
}

func (m *Monitor) sample() Snapshot {
	now := time.Now()
	metrics := m.supervisor.GetMetrics()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := float64(ms.HeapAlloc) / (1024 * 1024)

	cpu := m.cpuFraction(now)

	backlog, err := model.CountPendingOutbox()
	if err != nil {
		log.Printf("⚠ Health: failed to count outbox backlog: %v", err)
	}

	m.mu.Lock()
	sentDelta := metrics.MessagesSent - m.prevSent
	errDelta := metrics.SendErrors - m.prevErrors
	m.prevSent = metrics.MessagesSent
	m.prevErrors = metrics.SendErrors
	m.mu.Unlock()

	errorRate := 0.0
	if total := sentDelta + errDelta; total > 0 {
		errorRate = float64(errDelta) / float64(total)
	}

	snap := Snapshot{
		MemoryUsedMB:      usedMB,
		CPUFraction:       cpu,
		ErrorRate:         errorRate,
		QueueBacklog:      backlog,
		ActiveSessions:    metrics.ActiveSessions,
		ConnectedSessions: metrics.ConnectedSessions,
		SampledAt:         now,
	}

	memLimit := float64(m.cfg.MemoryLimitMB) * m.cfg.MemoryThreshold
	if usedMB > memLimit {
		snap.Issues = append(snap.Issues, "memory above threshold")
	}
	if cpu > m.cfg.CPUThreshold {
		snap.Issues = append(snap.Issues, "cpu above threshold")
	}
	if errorRate > m.cfg.ErrorThreshold {
		snap.Issues = append(snap.Issues, "send error rate above threshold")
	}
	if backlog > m.cfg.QueueBacklogThreshold {
		snap.Issues = append(snap.Issues, "outbox backlog above threshold")
	}
	failing := metrics.SessionsByStatus[model.StatusFailed] + metrics.SessionsByStatus[model.StatusDisconnected]
	if metrics.ActiveSessions > 0 && float64(failing)/float64(metrics.ActiveSessions) > connectionFailureRatio {
		snap.Issues = append(snap.Issues, "connection failure ratio above threshold")
	}

	switch {
	case len(snap.Issues) == 0:
		snap.Status = StatusHealthy
	case len(snap.Issues) <= 2:
		snap.Status = StatusDegraded
	default:
		snap.Status = StatusUnhealthy
	}

	m.mu.Lock()
	if snap.Status == StatusHealthy {
		m.unwell = 0
	} else {
		m.unwell++
	}
	unwell := m.unwell
	m.last = snap
	m.mu.Unlock()

	if unwell > 0 && unwell%m.cfg.AlertThreshold == 0 {
		log.Printf("⚠ Health: %s for %d consecutive checks: %v", snap.Status, unwell, snap.Issues)
		m.publisher.Publish(ws.WsEvent{
			Type: ws.EventHealthAlert,
			Payload: map[string]interface{}{
				"status": snap.Status,
				"issues": snap.Issues,
				"checks": unwell,
			},
		})
	}

	if m.cfg.AutoRecoveryEnabled {
		m.autoRecover()
	}
	return snap
}

// cpuFraction computes process CPU time spent since the previous sample as
// a fraction of wall time.
func (m *Monitor) cpuFraction(now time.Time) float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	total := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastTick.IsZero() {
		m.lastCPU, m.lastTick = total, now
		return 0
	}

	wall := now.Sub(m.lastTick)
	used := total - m.lastCPU
	m.lastCPU, m.lastTick = total, now
	if wall <= 0 {
		return 0
	}
	return used.Seconds() / wall.Seconds()
}

// autoRecover retries failed sessions, one attempt in flight per session at
// a time and at most a batch per sample. The durable state store is the
// authority: it also surfaces failures this process no longer holds in
// memory.
func (m *Monitor) autoRecover() {
	budget := m.cfg.RecoveryBatchSize

	inMemory := make(map[string]bool)
	for _, info := range m.supervisor.ListSessions() {
		key := info.TenantID + "_" + info.PhoneNumber
		inMemory[key] = true
		if info.Status != model.StatusFailed || budget == 0 || !m.claimRecovery(key) {
			continue
		}
		budget--

		go func(tenantID, phone, key string) {
			defer m.releaseRecovery(key)
			log.Printf("🔄 Health: auto-recovering failed session %s", key)
			if err := m.supervisor.ReconnectSession(tenantID, phone); err != nil {
				log.Printf("⚠ Health: auto-recovery for %s not started: %v", key, err)
			}
		}(info.TenantID, info.PhoneNumber, key)
	}

	records, err := model.GetSessionsByStatus(model.StatusFailed, m.cfg.RecoveryBatchSize)
	if err != nil {
		log.Printf("⚠ Health: failed to read failed sessions from store: %v", err)
		return
	}
	for _, rec := range records {
		if budget == 0 {
			return
		}
		if rec.InstanceID.Valid && rec.InstanceID.String != m.cfg.InstanceID {
			continue
		}
		key := rec.TenantID + "_" + rec.PhoneNumber
		if inMemory[key] || !m.claimRecovery(key) {
			continue
		}
		budget--

		go func(rec model.SessionRecord, key string) {
			defer m.releaseRecovery(key)
			opts := service.AddOptions{IsRecovery: true}
			if rec.ProxyCountry.Valid {
				opts.ProxyCountry = rec.ProxyCountry.String
			}
			log.Printf("🔄 Health: re-adding failed session %s from state store", key)
			if _, _, err := m.supervisor.AddSession(context.Background(), rec.TenantID, rec.PhoneNumber, opts); err != nil {
				log.Printf("⚠ Health: auto-recovery for %s not started: %v", key, err)
			}
		}(rec, key)
	}
}

func (m *Monitor) claimRecovery(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recoveryInProgress[key] {
		return false
	}
	m.recoveryInProgress[key] = true
	return true
}

func (m *Monitor) releaseRecovery(key string) {
	m.mu.Lock()
	delete(m.recoveryInProgress, key)
	m.mu.Unlock()
}
