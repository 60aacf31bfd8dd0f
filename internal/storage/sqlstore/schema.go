package sqlstore

import (
	"context"
	"fmt"
)

// Statements run one at a time: MySQL rejects multi-statement Exec by default.
// Timestamps are RFC 3339 text in UTC so every driver scans them the same way.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS key_records (
	id              VARCHAR(64)  NOT NULL PRIMARY KEY,
	owner_id        VARCHAR(255) NOT NULL,
	provider        VARCHAR(32)  NOT NULL,
	ciphertext      TEXT         NOT NULL,
	kms_version     VARCHAR(255) NOT NULL,
	fingerprint     VARCHAR(64)  NOT NULL,
	created_at      VARCHAR(40)  NOT NULL,
	last_rotated_at VARCHAR(40)  NOT NULL,
	UNIQUE (owner_id, provider)
)`,
	`CREATE TABLE IF NOT EXISTS key_statuses (
	key_id               VARCHAR(64)  NOT NULL PRIMARY KEY,
	owner_id             VARCHAR(255) NOT NULL,
	provider             VARCHAR(32)  NOT NULL,
	state                VARCHAR(16)  NOT NULL,
	last_checked_at      VARCHAR(40),
	error_message        TEXT,
	consecutive_failures INTEGER      NOT NULL DEFAULT 0,
	next_check_at        VARCHAR(40),
	version              BIGINT       NOT NULL,
	updated_at           VARCHAR(40)  NOT NULL,
	FOREIGN KEY (key_id) REFERENCES key_records (id) ON DELETE CASCADE
)`,
	`CREATE TABLE IF NOT EXISTS audit_findings (
	id          VARCHAR(64)  NOT NULL PRIMARY KEY,
	rule_id     VARCHAR(64)  NOT NULL,
	subject     VARCHAR(255) NOT NULL,
	severity    VARCHAR(16)  NOT NULL,
	description TEXT,
	detected_at VARCHAR(40)  NOT NULL,
	resolved_at VARCHAR(40)
)`,
	`CREATE TABLE IF NOT EXISTS alerts (
	id              VARCHAR(64)  NOT NULL PRIMARY KEY,
	source_kind     VARCHAR(16)  NOT NULL,
	reference_id    VARCHAR(255) NOT NULL,
	owner_id        VARCHAR(255),
	severity        VARCHAR(16)  NOT NULL,
	message         TEXT,
	created_at      VARCHAR(40)  NOT NULL,
	resolved_at     VARCHAR(40),
	acknowledged_by VARCHAR(255),
	acknowledged_at VARCHAR(40),
	delivered_at    VARCHAR(40)
)`,
}

// Migrate creates missing tables
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema (statement %d): %w", i+1, err)
		}
	}
	return nil
}
