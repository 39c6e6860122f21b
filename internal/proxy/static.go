package proxy

import (
	"context"
	"database/sql"
	"fmt"
)

// StaticPool assigns egress IPs from a pre-synced table of owned IPs.
type StaticPool interface {
	// Acquire marks one available IP as assigned. country may be empty to
	// take any country. Returns ErrVendorUnavailable when nothing is free.
	Acquire(ctx context.Context, country, assignedTo string) (VendorIP, error)
	Release(ctx context.Context, ip string) error
	Counts(ctx context.Context) (available, assigned int, err error)
}

// DBStaticPool is the Postgres-backed static pool.
type DBStaticPool struct {
	db *sql.DB
}

func NewDBStaticPool(db *sql.DB) *DBStaticPool {
	return &DBStaticPool{db: db}
}

// Acquire claims a free IP atomically, so two sessions can never be handed
// the same one.
func (p *DBStaticPool) Acquire(ctx context.Context, country, assignedTo string) (VendorIP, error) {
	query := `
		UPDATE proxy_ips
		SET status = 'assigned', assigned_to = $1, assigned_at = NOW()
		WHERE ip = (
			SELECT ip FROM proxy_ips
			WHERE status = 'available' AND ($2 = '' OR country = $2)
			ORDER BY assigned_at NULLS FIRST
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ip, port, username, password, country
	`

	var out VendorIP
	err := p.db.QueryRowContext(ctx, query, assignedTo, country).Scan(
		&out.IP, &out.Port, &out.Username, &out.Password, &out.Country,
	)
	if err == sql.ErrNoRows {
		return VendorIP{}, ErrVendorUnavailable
	}
	if err != nil {
		return VendorIP{}, fmt.Errorf("acquire static ip: %w", err)
	}
	return out, nil
}

func (p *DBStaticPool) Release(ctx context.Context, ip string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE proxy_ips
		SET status = 'available', assigned_to = NULL
		WHERE ip = $1
	`, ip)
	if err != nil {
		return fmt.Errorf("release static ip: %w", err)
	}
	return nil
}

func (p *DBStaticPool) Counts(ctx context.Context) (int, int, error) {
	var available, assigned int
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'available'),
			COUNT(*) FILTER (WHERE status = 'assigned')
		FROM proxy_ips
	`).Scan(&available, &assigned)
	if err != nil {
		return 0, 0, fmt.Errorf("count static ips: %w", err)
	}
	return available, assigned, nil
}
