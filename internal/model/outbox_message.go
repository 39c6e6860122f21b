package model

import (
	"database/sql"
	"errors"
	"time"

	"github.com/NoCodeify/whatsapp-web-service-sub002/database"
)

// ErrOutboxUnavailable is returned when no outbox database is configured.
var ErrOutboxUnavailable = errors.New("outbox database not configured")

const (
	OutboxQueued = "queued"
	OutboxSent   = "sent"
	OutboxFailed = "failed"
)

// OutboxMessage is a queued outbound message for a session that is not
// currently connected. Rows are drained by the outbox worker once the
// session comes back.
type OutboxMessage struct {
	ID          int64
	TenantID    string
	PhoneNumber string
	Recipient   string
	Content     string
	Status      string
	Attempts    int
	LastError   sql.NullString
	MessageID   sql.NullString
	CreatedAt   time.Time
	SentAt      sql.NullTime
}

func EnqueueOutboxMessage(tenantID, phone, recipient, content string) (int64, error) {
	if database.OutboxDB == nil {
		return 0, ErrOutboxUnavailable
	}
	query := `
		INSERT INTO outbox_messages (tenant_id, phone_number, recipient, content, status)
		VALUES (?, ?, ?, ?, 'queued')
	`
	res, err := database.OutboxDB.Exec(query, tenantID, phone, recipient, content)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetPendingOutbox returns the oldest queued messages for one session.
func GetPendingOutbox(tenantID, phone string, limit int) ([]OutboxMessage, error) {
	if database.OutboxDB == nil {
		return nil, nil
	}
	query := `
		SELECT id, tenant_id, phone_number, recipient, content, status, attempts, last_error, message_id, created_at, sent_at
		FROM outbox_messages
		WHERE tenant_id = ? AND phone_number = ? AND status = 'queued'
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := database.OutboxDB.Query(query, tenantID, phone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(
			&m.ID, &m.TenantID, &m.PhoneNumber, &m.Recipient, &m.Content,
			&m.Status, &m.Attempts, &m.LastError, &m.MessageID, &m.CreatedAt, &m.SentAt,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetOutboxSessions lists the distinct sessions that still have queued rows,
// so the worker only wakes sessions with work to do.
func GetOutboxSessions(limit int) ([][2]string, error) {
	if database.OutboxDB == nil {
		return nil, nil
	}
	query := `
		SELECT DISTINCT tenant_id, phone_number
		FROM outbox_messages
		WHERE status = 'queued'
		LIMIT ?
	`

	rows, err := database.OutboxDB.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var tenantID, phone string
		if err := rows.Scan(&tenantID, &phone); err != nil {
			return nil, err
		}
		out = append(out, [2]string{tenantID, phone})
	}
	return out, rows.Err()
}

func MarkOutboxSent(id int64, messageID string) error {
	if database.OutboxDB == nil {
		return ErrOutboxUnavailable
	}
	query := `
		UPDATE outbox_messages
		SET status = 'sent', message_id = ?, sent_at = NOW(), attempts = attempts + 1
		WHERE id = ?
	`
	_, err := database.OutboxDB.Exec(query, messageID, id)
	return err
}

// MarkOutboxAttempt records a failed delivery attempt. Messages stay queued
// for connection-level errors and are only failed permanently once the
// attempt budget is spent.
func MarkOutboxAttempt(id int64, lastError string, permanent bool) error {
	if database.OutboxDB == nil {
		return ErrOutboxUnavailable
	}
	status := OutboxQueued
	if permanent {
		status = OutboxFailed
	}
	query := `
		UPDATE outbox_messages
		SET status = ?, last_error = ?, attempts = attempts + 1
		WHERE id = ?
	`
	_, err := database.OutboxDB.Exec(query, status, lastError, id)
	return err
}

func CountPendingOutbox() (int, error) {
	if database.OutboxDB == nil {
		return 0, nil
	}
	var n int
	err := database.OutboxDB.QueryRow(
		`SELECT COUNT(*) FROM outbox_messages WHERE status = 'queued'`,
	).Scan(&n)
	return n, err
}
