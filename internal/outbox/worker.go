package outbox

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/model"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/proxy"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/service"
)

const (
	sessionBatchLimit = 50
	messageBatchLimit = 20
	maxAttempts       = 5
)

// Worker drains queued outbox messages for sessions that have come back
// online. Messages stay queued across connection failures; only validation
// errors or an exhausted attempt budget fail them permanently.
type Worker struct {
	supervisor *service.Supervisor
	interval   time.Duration
}

func NewWorker(supervisor *service.Supervisor, interval time.Duration) *Worker {
	return &Worker{supervisor: supervisor, interval: interval}
}

// Start runs the drain loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		log.Printf("✓ Outbox worker started (interval %s)", w.interval)
		for {
			select {
			case <-ctx.Done():
				log.Println("✓ Outbox worker stopped")
				return
			case <-ticker.C:
				w.drainOnce(ctx)
			}
		}
	}()
}

func (w *Worker) drainOnce(ctx context.Context) {
	sessions, err := model.GetOutboxSessions(sessionBatchLimit)
	if err != nil {
		log.Printf("⚠ Outbox: failed to list pending sessions: %v", err)
		return
	}

	for _, pair := range sessions {
		tenantID, phone := pair[0], pair[1]

		info, err := w.supervisor.GetStatus(tenantID, phone)
		if err != nil || info.Status != model.StatusConnected {
			// Not on this instance or not connected yet; leave the queue
			// alone.
			continue
		}

		w.drainSession(ctx, tenantID, phone)
	}
}

func (w *Worker) drainSession(ctx context.Context, tenantID, phone string) {
	pending, err := model.GetPendingOutbox(tenantID, phone, messageBatchLimit)
	if err != nil {
		log.Printf("⚠ Outbox: failed to load queue for %s_%s: %v", tenantID, phone, err)
		return
	}

	sent := 0
	for _, msg := range pending {
		msgID, err := w.supervisor.SendMessage(ctx, tenantID, phone, msg.Recipient, msg.Content)
		if err != nil {
			if w.connectionError(err) {
				// The session dropped mid-drain; retry the whole batch on a
				// later tick without consuming attempts.
				return
			}
			permanent := msg.Attempts+1 >= maxAttempts
			if markErr := model.MarkOutboxAttempt(msg.ID, err.Error(), permanent); markErr != nil {
				log.Printf("⚠ Outbox: failed to record attempt for message %d: %v", msg.ID, markErr)
			}
			if permanent {
				log.Printf("✗ Outbox: message %d to %s failed permanently: %v", msg.ID, msg.Recipient, err)
			}
			continue
		}

		if err := model.MarkOutboxSent(msg.ID, msgID); err != nil {
			log.Printf("⚠ Outbox: failed to mark message %d sent: %v", msg.ID, err)
		}
		sent++
	}

	if sent > 0 {
		log.Printf("✓ Outbox: delivered %d queued messages for %s_%s", sent, tenantID, phone)
	}
}

// connectionError reports failures that mean the session, not the message,
// is the problem.
func (w *Worker) connectionError(err error) bool {
	return errors.Is(err, service.ErrNotConnected) ||
		errors.Is(err, service.ErrSessionNotFound) ||
		proxy.IsNetworkError(err)
}
