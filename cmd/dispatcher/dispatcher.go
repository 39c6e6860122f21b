package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	batchPerSession = 20
	maxAttempts     = 5
)

// Dispatcher drains queued outbox rows through the gateway API, one cycle
// per interval with a little jitter to avoid burst patterns.
type Dispatcher struct {
	client      *GatewayClient
	intervalMin time.Duration
	intervalMax time.Duration
}

func NewDispatcher(client *GatewayClient) *Dispatcher {
	min := envSeconds("DISPATCHER_INTERVAL_SECONDS", 5)
	max := envSeconds("DISPATCHER_INTERVAL_MAX_SECONDS", 10)
	if max < min {
		max = min
	}
	return &Dispatcher{client: client, intervalMin: min, intervalMax: max}
}

func envSeconds(name string, fallback int) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(fallback) * time.Second
}

func (d *Dispatcher) Run(ctx context.Context) {
	for {
		d.runCycle(ctx)

		sleep := d.intervalMin
		if d.intervalMax > d.intervalMin {
			sleep += time.Duration(rand.Int63n(int64(d.intervalMax - d.intervalMin)))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (d *Dispatcher) runCycle(ctx context.Context) {
	sessions, err := d.client.ConnectedSessions()
	if err != nil {
		log.Printf("⚠ Dispatcher: failed to list sessions: %v", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	for _, sess := range sessions {
		d.drainSession(ctx, sess)
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) drainSession(ctx context.Context, sess SessionInfo) {
	pending, err := FetchQueuedForSession(ctx, sess.TenantID, sess.PhoneNumber, batchPerSession)
	if err != nil {
		log.Printf("⚠ Dispatcher: failed to load queue for %s_%s: %v", sess.TenantID, sess.PhoneNumber, err)
		return
	}

	for _, row := range pending {
		claimed, err := ClaimRow(ctx, row.ID)
		if err != nil {
			log.Printf("⚠ Dispatcher: claim failed for message %d: %v", row.ID, err)
			return
		}
		if !claimed {
			continue // another worker took it
		}

		delivered, queued, apiMsg, err := d.client.SendMessage(sess.TenantID, sess.PhoneNumber, row.Recipient, row.Content)
		if err != nil {
			log.Printf("⚠ Dispatcher: API error for message %d: %v", row.ID, err)
			if reqErr := Requeue(ctx, row.ID); reqErr != nil {
				log.Printf("✗ Dispatcher: failed to requeue message %d: %v", row.ID, reqErr)
			}
			return
		}

		switch {
		case delivered:
			if err := MarkSent(ctx, row.ID); err != nil {
				log.Printf("✗ Dispatcher: failed to mark message %d sent: %v", row.ID, err)
			}
			// Pace successive sends to keep traffic human-shaped.
			time.Sleep(time.Duration(rand.Intn(2)+1) * time.Second)

		case queued:
			// Session went offline mid-cycle and the gateway queued its own
			// copy; drop ours so the message is not delivered twice.
			if err := DeleteRow(ctx, row.ID); err != nil {
				log.Printf("✗ Dispatcher: failed to drop superseded message %d: %v", row.ID, err)
			}
			return

		default:
			permanent := row.Attempts+1 >= maxAttempts
			if err := MarkAttempt(ctx, row.ID, apiMsg, permanent); err != nil {
				log.Printf("✗ Dispatcher: failed to record attempt for message %d: %v", row.ID, err)
			}
			if strings.Contains(strings.ToLower(apiMsg), "unauthorized") {
				log.Printf("✗ Dispatcher: authorization error from gateway: %s", apiMsg)
				return
			}
		}
	}
}
