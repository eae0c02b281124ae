package audit

import (
	"context"
	"database/sql"
	"fmt"
)

const pgSchema = `
CREATE SCHEMA IF NOT EXISTS cardledger;
CREATE TABLE IF NOT EXISTS cardledger.audit_log (
	id          BIGSERIAL PRIMARY KEY,
	actor_id    TEXT NOT NULL,
	actor_role  TEXT NOT NULL,
	action      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_entity_idx ON cardledger.audit_log (entity_type, entity_id);
CREATE OR REPLACE RULE audit_log_no_update AS ON UPDATE TO cardledger.audit_log DO INSTEAD NOTHING;
CREATE OR REPLACE RULE audit_log_no_delete AS ON DELETE TO cardledger.audit_log DO INSTEAD NOTHING;
`

// PG writes entries to cardledger.audit_log. Each Record is its own
// autocommit statement, outside any ledger transaction.
type PG struct {
	db *sql.DB
}

func NewPG(db *sql.DB) *PG {
	return &PG{db: db}
}

func (p *PG) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrating audit_log: %w", err)
	}
	return nil
}

func (p *PG) Record(ctx context.Context, e Entry) error {
	_, err := p.db.ExecContext(ctx, `
		insert into cardledger.audit_log (actor_id, actor_role, action, entity_type, entity_id, details, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		e.ActorID, e.ActorRole, string(e.Action), e.EntityType, e.EntityID, e.Details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}
