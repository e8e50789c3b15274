package database

import (
	"database/sql"
	"fmt"
)

var (
	createUsersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_users (
    id            VARCHAR       NOT NULL PRIMARY KEY,
    name          VARCHAR       NOT NULL,
    email         VARCHAR       NOT NULL,
    created_at    TIMESTAMPTZ   NOT NULL
);`

	createSlotsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_slots (
    id               VARCHAR       NOT NULL PRIMARY KEY,
    owner            VARCHAR       NOT NULL,
    original_owner   VARCHAR       NOT NULL,
    title            VARCHAR       NOT NULL,
    description      VARCHAR       NOT NULL DEFAULT '',
    start_time       TIMESTAMPTZ   NOT NULL,
    end_time         TIMESTAMPTZ   NOT NULL,
    status           VARCHAR       NOT NULL,
    locked_by        VARCHAR       NOT NULL DEFAULT '',
    version          BIGINT        NOT NULL,
    created_at       TIMESTAMPTZ   NOT NULL,
    updated_at       TIMESTAMPTZ   NOT NULL,

    CHECK (end_time > start_time)
);`

	createProposalsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_proposals (
    id               VARCHAR       NOT NULL PRIMARY KEY,
    proposer_user    VARCHAR       NOT NULL,
    proposer_slot    VARCHAR       NOT NULL,
    recipient_user   VARCHAR       NOT NULL,
    recipient_slot   VARCHAR       NOT NULL,
    status           VARCHAR       NOT NULL,
    version          BIGINT        NOT NULL,
    created_at       TIMESTAMPTZ   NOT NULL,
    responded_at     TIMESTAMPTZ
);`

	createIncidentsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_incidents (
    id               VARCHAR       NOT NULL PRIMARY KEY,
    incident_key     VARCHAR       NOT NULL UNIQUE,
    proposal_id      VARCHAR       NOT NULL,
    operation        VARCHAR       NOT NULL,
    detail           VARCHAR       NOT NULL,
    created_at       TIMESTAMPTZ   NOT NULL
);`

	createIndexesSQL = []string{
		`CREATE INDEX IF NOT EXISTS %[1]s_slots_owner_status_idx ON %[1]s_slots (owner, status);`,
		`CREATE INDEX IF NOT EXISTS %[1]s_slots_status_idx ON %[1]s_slots (status, start_time);`,
		`CREATE INDEX IF NOT EXISTS %[1]s_proposals_recipient_idx ON %[1]s_proposals (recipient_user, status);`,
		`CREATE INDEX IF NOT EXISTS %[1]s_proposals_proposer_idx ON %[1]s_proposals (proposer_user, status);`,
	}
)

// Migrate creates the users, slots, proposals and incidents tables with indexes.
func Migrate(db *sql.DB, tablePrefix string) error {
	var tables = []struct {
		name  string
		query string
	}{
		{"users", createUsersTableSQL},
		{"slots", createSlotsTableSQL},
		{"proposals", createProposalsTableSQL},
		{"incidents", createIncidentsTableSQL},
	}

	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf(table.query, tablePrefix)); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}

	return createIndexes(db, tablePrefix)
}

func createIndexes(db *sql.DB, tablePrefix string) error {
	for _, stmt := range createIndexesSQL {
		if _, err := db.Exec(fmt.Sprintf(stmt, tablePrefix)); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
