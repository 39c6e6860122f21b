package helper

import (
	"log"

	"github.com/NoCodeify/whatsapp-web-service-sub002/database"
)

// InitCustomSchema creates or upgrades the gateway's tables. Run with the
// --createschema flag.
func InitCustomSchema() {
	db := database.AppDB

	baseSchema := `
        CREATE TABLE IF NOT EXISTS session_records (
            id                  SERIAL PRIMARY KEY,
            tenant_id           VARCHAR(255) NOT NULL,
            phone_number        VARCHAR(50) NOT NULL,
            jid                 VARCHAR(255),
            status              VARCHAR(50) NOT NULL DEFAULT 'disconnected',
            last_error          TEXT,
            instance_id         VARCHAR(255),
            proxy_country       VARCHAR(8),
            message_count       BIGINT NOT NULL DEFAULT 0,
            created_at          TIMESTAMP NOT NULL DEFAULT NOW(),
            connected_at        TIMESTAMP,
            disconnected_at     TIMESTAMP,
            last_activity_at    TIMESTAMP NOT NULL DEFAULT NOW(),

            UNIQUE (tenant_id, phone_number)
        );

        CREATE INDEX IF NOT EXISTS idx_session_records_status ON session_records(status);
        CREATE INDEX IF NOT EXISTS idx_session_records_tenant ON session_records(tenant_id);
    `
	if _, err := db.Exec(baseSchema); err != nil {
		log.Fatalf("failed to init session schema: %v", err)
	}

	proxySchema := `
        CREATE TABLE IF NOT EXISTS proxy_ips (
            ip          VARCHAR(64) PRIMARY KEY,
            port        INT NOT NULL DEFAULT 8080,
            username    VARCHAR(255) NOT NULL DEFAULT '',
            password    VARCHAR(255) NOT NULL DEFAULT '',
            country     VARCHAR(8) NOT NULL,
            status      VARCHAR(20) NOT NULL DEFAULT 'available',
            assigned_to VARCHAR(255),
            assigned_at TIMESTAMP
        );

        CREATE INDEX IF NOT EXISTS idx_proxy_ips_status ON proxy_ips(status);
        CREATE INDEX IF NOT EXISTS idx_proxy_ips_country ON proxy_ips(country);
    `
	if _, err := db.Exec(proxySchema); err != nil {
		log.Fatalf("failed to init proxy schema: %v", err)
	}

	outboxSchema := `
        CREATE TABLE IF NOT EXISTS outbox_messages (
            id           SERIAL PRIMARY KEY,
            tenant_id    VARCHAR(255) NOT NULL,
            phone_number VARCHAR(50) NOT NULL,
            recipient    VARCHAR(50) NOT NULL,
            content      TEXT NOT NULL,
            status       VARCHAR(20) NOT NULL DEFAULT 'pending',
            attempts     INT NOT NULL DEFAULT 0,
            last_error   TEXT,
            message_id   VARCHAR(255),
            created_at   TIMESTAMP NOT NULL DEFAULT NOW(),
            sent_at      TIMESTAMP
        );

        CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_messages(status);
    `
	if _, err := database.OutboxDB.Exec(outboxSchema); err != nil {
		log.Fatalf("failed to init outbox schema: %v", err)
	}

	log.Println("✓ Custom schema initialized")
}
