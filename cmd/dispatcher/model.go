package main

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SQLPlaceholders rewrites $1-style placeholders to ? for MySQL.
func SQLPlaceholders(query string) string {
	if DispatcherDriver == "postgres" {
		return query
	}
	newQuery := query
	for i := 10; i >= 1; i-- { // highest first so $10 does not become ?0
		newQuery = strings.ReplaceAll(newQuery, fmt.Sprintf("$%d", i), "?")
	}
	return newQuery
}

type OutboxRow struct {
	ID        int64
	TenantID  string
	Phone     string
	Recipient string
	Content   string
	Attempts  int
	CreatedAt time.Time
}

// FetchQueuedForSession returns the oldest queued messages for one session.
func FetchQueuedForSession(ctx context.Context, tenantID, phone string, limit int) ([]OutboxRow, error) {
	query := SQLPlaceholders(`
		SELECT id, tenant_id, phone_number, recipient, content, attempts, created_at
		FROM outbox_messages
		WHERE tenant_id = $1 AND phone_number = $2 AND status = 'queued'
		ORDER BY created_at ASC
		LIMIT $3
	`)

	rows, err := DispatcherDB.QueryContext(ctx, query, tenantID, phone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Phone, &r.Recipient, &r.Content, &r.Attempts, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimRow marks a queued row as claimed by this dispatcher. Returns false
// when another worker got it first.
func ClaimRow(ctx context.Context, id int64) (bool, error) {
	query := SQLPlaceholders(`
		UPDATE outbox_messages
		SET status = 'sending'
		WHERE id = $1 AND status = 'queued'
	`)
	res, err := DispatcherDB.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func MarkSent(ctx context.Context, id int64) error {
	query := SQLPlaceholders(`
		UPDATE outbox_messages
		SET status = 'sent', sent_at = NOW(), attempts = attempts + 1
		WHERE id = $1
	`)
	res, err := DispatcherDB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("no rows affected for id %d", id)
	}
	return nil
}

// Requeue puts a claimed row back for a later cycle without consuming an
// attempt.
func Requeue(ctx context.Context, id int64) error {
	query := SQLPlaceholders(`
		UPDATE outbox_messages
		SET status = 'queued'
		WHERE id = $1
	`)
	_, err := DispatcherDB.ExecContext(ctx, query, id)
	return err
}

// DeleteRow removes a claimed row whose message now lives in the gateway's
// own queue, so it is not delivered twice.
func DeleteRow(ctx context.Context, id int64) error {
	query := SQLPlaceholders(`DELETE FROM outbox_messages WHERE id = $1`)
	_, err := DispatcherDB.ExecContext(ctx, query, id)
	return err
}

func MarkAttempt(ctx context.Context, id int64, errorMsg string, permanent bool) error {
	status := "queued"
	if permanent {
		status = "failed"
	}
	query := SQLPlaceholders(`
		UPDATE outbox_messages
		SET status = $1, last_error = $2, attempts = attempts + 1
		WHERE id = $3
	`)
	res, err := DispatcherDB.ExecContext(ctx, query, status, errorMsg, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("no rows affected for id %d", id)
	}
	return nil
}
