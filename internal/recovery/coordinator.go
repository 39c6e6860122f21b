package recovery

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/NoCodeify/whatsapp-web-service-sub002/config"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/credential"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/model"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/service"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/ws"
)

// Summary is the result of one recovery run.
type Summary struct {
	Total     int `json:"total"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Coordinator restores previously-active sessions after a restart. It walks
// the local credential directories, skips sessions that were explicitly
// logged out, and re-adds the rest in prioritized batches so a large fleet
// does not stampede the peer service.
type Coordinator struct {
	cfg        *config.Config
	supervisor *service.Supervisor
	creds      *credential.Store
	publisher  ws.RealtimePublisher
}

func NewCoordinator(cfg *config.Config, supervisor *service.Supervisor, creds *credential.Store, publisher ws.RealtimePublisher) *Coordinator {
	if publisher == nil {
		publisher = ws.NopPublisher{}
	}
	return &Coordinator{cfg: cfg, supervisor: supervisor, creds: creds, publisher: publisher}
}

type candidate struct {
	tenantID string
	phone    string
	country  string
	lastSeen time.Time
}

// RecoverAll runs one full recovery pass and returns the summary. Failures
// are per-session; the pass itself only aborts on context cancellation.
func (c *Coordinator) RecoverAll(ctx context.Context) (Summary, error) {
	start := time.Now()
	var summary Summary

	locals, err := c.creds.ListLocal()
	if err != nil {
		return summary, err
	}
	if len(locals) == 0 {
		log.Println("✓ Recovery: no stored sessions found")
		return summary, nil
	}

	candidates := make([]candidate, 0, len(locals))
	for _, local := range locals {
		summary.Total++

		rec, err := model.GetSessionRecord(local.TenantID, local.Phone)
		if err == nil && (rec.Status == model.StatusLoggedOut || rec.Status == model.StatusReplaced) {
			// Explicitly signed out or superseded elsewhere; do not revive.
			summary.Skipped++
			continue
		}

		cand := candidate{
			tenantID: local.TenantID,
			phone:    local.Phone,
			lastSeen: local.LastModified,
		}
		if err == nil && rec.ProxyCountry.Valid {
			cand.country = rec.ProxyCountry.String
		}
		candidates = append(candidates, cand)
	}

	c.prioritize(candidates)
	log.Printf("🔄 Recovery: restoring %d sessions (%d skipped) in batches of %d",
		len(candidates), summary.Skipped, c.cfg.RecoveryBatchSize)

	for i := 0; i < len(candidates); i += c.cfg.RecoveryBatchSize {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		end := i + c.cfg.RecoveryBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		for _, cand := range candidates[i:end] {
			if c.recoverOne(ctx, cand) {
				summary.Recovered++
			} else {
				summary.Failed++
			}
		}

		if end < len(candidates) {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(c.cfg.RecoveryBatchDelay):
			}
		}
	}

	log.Printf("✓ Recovery finished in %s: %d recovered, %d failed, %d skipped (of %d)",
		time.Since(start).Round(time.Second), summary.Recovered, summary.Failed, summary.Skipped, summary.Total)
	c.publisher.Publish(ws.WsEvent{
		Type: ws.EventRecoverySummary,
		Payload: map[string]interface{}{
			"total":     summary.Total,
			"recovered": summary.Recovered,
			"failed":    summary.Failed,
			"skipped":   summary.Skipped,
		},
	})
	return summary, nil
}

// prioritize orders candidates so priority-country sessions come first, then
// most recently active.
func (c *Coordinator) prioritize(candidates []candidate) {
	priority := make(map[string]int, len(c.cfg.PriorityCountries))
	for i, country := range c.cfg.PriorityCountries {
		priority[country] = i
	}
	rank := func(cand candidate) int {
		if r, ok := priority[cand.country]; ok {
			return r
		}
		return len(priority)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rank(candidates[i]), rank(candidates[j])
		if ri != rj {
			return ri < rj
		}
		return candidates[i].lastSeen.After(candidates[j].lastSeen)
	})
}

// recoverOne re-adds one session and waits for the outcome. A capacity
// rejection counts as a failure: the session stays on disk for a later pass.
func (c *Coordinator) recoverOne(ctx context.Context, cand candidate) bool {
	_, accepted, err := c.supervisor.AddSession(ctx, cand.tenantID, cand.phone, service.AddOptions{
		ProxyCountry: cand.country,
		IsRecovery:   true,
	})
	if err != nil {
		log.Printf("✗ Recovery: %s_%s failed to start: %v", cand.tenantID, cand.phone, err)
		return false
	}
	if !accepted {
		log.Printf("⚠ Recovery: %s_%s rejected by capacity control", cand.tenantID, cand.phone)
		return false
	}

	if err := c.supervisor.AwaitConnected(ctx, cand.tenantID, cand.phone, c.cfg.SyncTimeout); err != nil {
		log.Printf("✗ Recovery: %s_%s did not connect: %v", cand.tenantID, cand.phone, err)
		return false
	}
	return true
}
