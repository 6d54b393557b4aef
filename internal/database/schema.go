package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates the two tables the service owns.  Statements are
// idempotent so Migrate can run on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS seat_inventory (
		event_id        BIGINT      NOT NULL PRIMARY KEY,
		total_seats     INT         NOT NULL,
		available_seats INT         NOT NULL,
		version         BIGINT      NOT NULL DEFAULT 1,
		updated_at      DATETIME(6) NOT NULL,
		CONSTRAINT chk_seat_inventory_counts CHECK (available_seats >= 0 AND available_seats <= total_seats)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id              CHAR(36)     NOT NULL PRIMARY KEY,
		event_id        BIGINT       NOT NULL,
		user_id         BIGINT       NOT NULL,
		status          VARCHAR(16)  NOT NULL,
		price_cents     BIGINT       NOT NULL,
		quantity        INT          NOT NULL,
		idempotency_key VARCHAR(128) NULL,
		locked_at       DATETIME(6)  NOT NULL,
		lock_expires_at DATETIME(6)  NOT NULL,
		version         BIGINT       NOT NULL DEFAULT 1,
		created_at      DATETIME(6)  NOT NULL,
		updated_at      DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_tickets_idempotency_key (idempotency_key),
		KEY idx_tickets_user_created (user_id, created_at),
		KEY idx_tickets_status_expiry (status, lock_expires_at),
		CONSTRAINT chk_tickets_quantity CHECK (quantity >= 1)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates missing tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
