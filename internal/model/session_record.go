package model

import (
	"database/sql"
	"time"

	"github.com/NoCodeify/whatsapp-web-service-sub002/database"
)

// Session statuses as persisted in session_records.
const (
	StatusConnecting   = "connecting"
	StatusQRPending    = "qr_pending"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusFailed       = "failed"
	StatusLoggedOut    = "logged_out"
	StatusReplaced     = "replaced"
)

// SessionRecord is the durable per-session metadata used to decide recovery
// eligibility. The credential blobs remain the source of truth for
// authentication material; this record exists to skip explicitly logged-out
// sessions and to order recovery.
type SessionRecord struct {
	ID             int64
	TenantID       string
	PhoneNumber    string
	JID            sql.NullString
	Status         string
	LastError      sql.NullString
	InstanceID     sql.NullString
	ProxyCountry   sql.NullString
	MessageCount   int64
	CreatedAt      time.Time
	ConnectedAt    sql.NullTime
	DisconnectedAt sql.NullTime
	LastActivityAt time.Time
}

// UpsertSessionRecord creates or refreshes the record when a session is
// admitted. Record persistence is best-effort: with no metadata database
// configured every write is a no-op and reads report not-found.
func UpsertSessionRecord(tenantID, phone, status, instanceID, proxyCountry string) error {
	if database.AppDB == nil {
		return nil
	}
	query := `
		INSERT INTO session_records (tenant_id, phone_number, status, instance_id, proxy_country, last_activity_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW())
		ON CONFLICT (tenant_id, phone_number)
		DO UPDATE SET status = $3, instance_id = $4,
			proxy_country = COALESCE(NULLIF($5, ''), session_records.proxy_country),
			last_activity_at = NOW()
	`
	_, err := database.AppDB.Exec(query, tenantID, phone, status, instanceID, proxyCountry)
	return err
}

func GetSessionRecord(tenantID, phone string) (*SessionRecord, error) {
	if database.AppDB == nil {
		return nil, sql.ErrNoRows
	}
	query := `
		SELECT id, tenant_id, phone_number, jid, status, last_error, instance_id,
		       proxy_country, message_count, created_at, connected_at, disconnected_at, last_activity_at
		FROM session_records
		WHERE tenant_id = $1 AND phone_number = $2
	`

	rec := &SessionRecord{}
	err := database.AppDB.QueryRow(query, tenantID, phone).Scan(
		&rec.ID, &rec.TenantID, &rec.PhoneNumber, &rec.JID, &rec.Status,
		&rec.LastError, &rec.InstanceID, &rec.ProxyCountry, &rec.MessageCount,
		&rec.CreatedAt, &rec.ConnectedAt, &rec.DisconnectedAt, &rec.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetSessionsByStatus scans for all sessions in one status, most recently
// active first.
func GetSessionsByStatus(status string, limit int) ([]SessionRecord, error) {
	if database.AppDB == nil {
		return nil, nil
	}
	query := `
		SELECT id, tenant_id, phone_number, jid, status, last_error, instance_id,
		       proxy_country, message_count, created_at, connected_at, disconnected_at, last_activity_at
		FROM session_records
		WHERE status = $1
		ORDER BY last_activity_at DESC
		LIMIT $2
	`

	rows, err := database.AppDB.Query(query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.PhoneNumber, &rec.JID, &rec.Status,
			&rec.LastError, &rec.InstanceID, &rec.ProxyCountry, &rec.MessageCount,
			&rec.CreatedAt, &rec.ConnectedAt, &rec.DisconnectedAt, &rec.LastActivityAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func UpdateSessionOnConnected(tenantID, phone, jid string) error {
	if database.AppDB == nil {
		return nil
	}
	query := `
		UPDATE session_records
		SET status = $3, jid = $4, connected_at = NOW(), disconnected_at = NULL,
		    last_error = NULL, last_activity_at = NOW()
		WHERE tenant_id = $1 AND phone_number = $2
	`
	_, err := database.AppDB.Exec(query, tenantID, phone, StatusConnected, jid)
	return err
}

// UpdateSessionStatus persists a terminal or intermediate status together
// with the error that caused it.
func UpdateSessionStatus(tenantID, phone, status, lastError string) error {
	if database.AppDB == nil {
		return nil
	}
	query := `
		UPDATE session_records
		SET status = $3, last_error = NULLIF($4, ''),
		    disconnected_at = CASE WHEN $3 IN ('disconnected', 'failed', 'logged_out', 'replaced') THEN NOW() ELSE disconnected_at END,
		    last_activity_at = NOW()
		WHERE tenant_id = $1 AND phone_number = $2
	`
	_, err := database.AppDB.Exec(query, tenantID, phone, status, lastError)
	return err
}

// UpdateSessionProxyCountry records which country the session's egress
// lease landed in, so startup recovery can order by priority countries.
func UpdateSessionProxyCountry(tenantID, phone, country string) error {
	if database.AppDB == nil {
		return nil
	}
	query := `
		UPDATE session_records
		SET proxy_country = NULLIF($3, '')
		WHERE tenant_id = $1 AND phone_number = $2
	`
	_, err := database.AppDB.Exec(query, tenantID, phone, country)
	return err
}

// IncrementMessageCount bumps the aggregate counter and activity timestamp
// after a successful send.
func IncrementMessageCount(tenantID, phone string) error {
	if database.AppDB == nil {
		return nil
	}
	query := `
		UPDATE session_records
		SET message_count = message_count + 1, last_activity_at = NOW()
		WHERE tenant_id = $1 AND phone_number = $2
	`
	_, err := database.AppDB.Exec(query, tenantID, phone)
	return err
}

func DeleteSessionRecord(tenantID, phone string) error {
	if database.AppDB == nil {
		return nil
	}
	_, err := database.AppDB.Exec(
		`DELETE FROM session_records WHERE tenant_id = $1 AND phone_number = $2`,
		tenantID, phone,
	)
	return err
}
