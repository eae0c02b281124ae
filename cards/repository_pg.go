package cards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/expiry"
)

// Migrate creates the cardledger schema. Operations have no foreign key to
// cards: the log outlives card deletion. Update and delete on the log are
// turned into no-ops by rules.
func (r *Repository) Migrate(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrating cardledger schema: %w", err)
	}
	return nil
}

const pgSchema = `
create schema if not exists cardledger;

create table if not exists cardledger.cards (
    id              bigserial primary key,
    external_id     uuid not null unique,
    pan_hash        bytea not null unique,
    bin             text not null,
    last4           text not null,
    owner_id        text not null,
    validity_period date not null,
    status          text not null check (status in ('ACTIVE', 'BLOCKED', 'EXPIRED')),
    balance         numeric(19, 2) not null check (balance >= 0),
    revision        bigint not null default 0,
    created_at      timestamptz not null default now(),
    updated_at      timestamptz not null default now()
);
create index if not exists cards_owner_idx on cardledger.cards (owner_id, id);
create index if not exists cards_expiry_idx on cardledger.cards (validity_period) where status <> 'EXPIRED';

create table if not exists cardledger.card_operations (
    id           bigserial primary key,
    type         text not null check (type in ('DEPOSIT', 'WITHDRAW', 'TRANSFER')),
    amount       numeric(19, 2) not null check (amount > 0),
    from_card_id bigint,
    to_card_id   bigint,
    from_card    uuid,
    to_card      uuid,
    created_at   timestamptz not null,
    check (from_card_id is not null or to_card_id is not null)
);
create index if not exists card_operations_from_idx on cardledger.card_operations (from_card_id, created_at desc);
create index if not exists card_operations_to_idx on cardledger.card_operations (to_card_id, created_at desc);
create or replace rule card_operations_no_update as on update to cardledger.card_operations do instead nothing;
create or replace rule card_operations_no_delete as on delete to cardledger.card_operations do instead nothing;
`

const cardColumns = `id, external_id, bin, last4, owner_id, validity_period, status, balance, revision, created_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*models.Card, error) {
	var (
		c      models.Card
		status string
	)
	err := row.Scan(&c.ID, &c.ExternalID, &c.BIN, &c.Last4, &c.OwnerID, &c.ValidityPeriod,
		&status, &c.Balance, &c.Revision, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("scanning card: %w", err)
	}
	c.Status = models.CardStatus(status)
	c.ValidityPeriod = expiry.Date(c.ValidityPeriod)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (r *Repository) pgWithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if r.statementTimeout > 0 {
		stmt := fmt.Sprintf("set local statement_timeout = '%dms'", r.statementTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setting statement timeout: %w", err)
		}
	}

	if err := fn(&Tx{repo: r, sql: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) pgCreateCard(ctx context.Context, card *models.Card, hash []byte) error {
	err := r.db.QueryRowContext(ctx, `
        insert into cardledger.cards (external_id, pan_hash, bin, last4, owner_id, validity_period, status, balance, revision)
        values ($1, $2, $3, $4, $5, $6::date, $7, $8, 0)
        returning id, created_at, updated_at
    `, card.ExternalID, hash, card.BIN, card.Last4, card.OwnerID,
		expiry.FormatDate(card.ValidityPeriod), string(card.Status), card.Balance,
	).Scan(&card.ID, &card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCardNumber
		}
		return fmt.Errorf("inserting card: %w", err)
	}
	card.CreatedAt = card.CreatedAt.UTC()
	card.UpdatedAt = card.UpdatedAt.UTC()
	return nil
}

func pgResolve(ctx context.Context, q queryer, ref cardRef) (int64, error) {
	var row *sql.Row
	if ref.externalID != "" {
		row = q.QueryRowContext(ctx, `select id from cardledger.cards where external_id = $1`, ref.externalID)
	} else {
		row = q.QueryRowContext(ctx, `select id from cardledger.cards where pan_hash = $1`, ref.panHash)
	}

	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrCardNotFound
		}
		return 0, fmt.Errorf("resolving card: %w", err)
	}
	return id, nil
}

func (r *Repository) pgFindByOwner(ctx context.Context, ownerID string) ([]*models.Card, error) {
	rows, err := r.db.QueryContext(ctx, `select `+cardColumns+` from cardledger.cards where owner_id = $1 order by id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying cards: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Card, 0)
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) pgUpdateStatusIfRevision(ctx context.Context, id int64, status models.CardStatus, expected int64) (*models.Card, error) {
	card, err := scanCard(r.db.QueryRowContext(ctx, `
        update cardledger.cards
           set status = $2, revision = revision + 1, updated_at = now()
         where id = $1 and revision = $3
        returning `+cardColumns, id, string(status), expected))
	if err == nil {
		return card, nil
	}
	if !errors.Is(err, ErrCardNotFound) {
		return nil, fmt.Errorf("updating card status: %w", err)
	}

	// no row matched: either gone or moved on
	if _, err := r.GetCard(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrConcurrentModification
}

func (r *Repository) pgExpireCards(ctx context.Context, today time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
        update cardledger.cards
           set status = 'EXPIRED', revision = revision + 1, updated_at = now()
         where status <> 'EXPIRED' and validity_period < $1::date
    `, expiry.FormatDate(today))
	if err != nil {
		return 0, fmt.Errorf("expiring cards: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) pgListOperations(ctx context.Context, cardID int64, page, size int) ([]models.Operation, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `
        select count(*) from cardledger.card_operations where from_card_id = $1 or to_card_id = $1
    `, cardID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting operations: %w", err)
	}
	if size <= 0 || page < 0 || page > total/size {
		return []models.Operation{}, total, nil
	}

	rows, err := r.db.QueryContext(ctx, `
        select id, type, amount, from_card_id, to_card_id, from_card, to_card, created_at
          from cardledger.card_operations
         where from_card_id = $1 or to_card_id = $1
         order by created_at desc, id desc
         limit $2 offset $3
    `, cardID, size, page*size)
	if err != nil {
		return nil, 0, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	ops := make([]models.Operation, 0, size)
	for rows.Next() {
		var (
			op             models.Operation
			typ            string
			fromID, toID   sql.NullInt64
			fromExt, toExt sql.NullString
		)
		if err := rows.Scan(&op.ID, &typ, &op.Amount, &fromID, &toID, &fromExt, &toExt, &op.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning operation: %w", err)
		}
		op.Type = models.OperationType(typ)
		op.FromCardID, op.ToCardID = fromID.Int64, toID.Int64
		op.FromCard, op.ToCard = fromExt.String, toExt.String
		op.CreatedAt = op.CreatedAt.UTC()
		ops = append(ops, op)
	}
	return ops, total, rows.Err()
}

func (tx *Tx) pgLockForUpdate(ctx context.Context, ids []int64) ([]*models.Card, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	locked := make(map[int64]*models.Card, len(sorted))
	for _, id := range sorted {
		if _, ok := locked[id]; ok {
			continue
		}
		c, err := scanCard(tx.sql.QueryRowContext(ctx, `select `+cardColumns+` from cardledger.cards where id = $1 for update`, id))
		if err != nil {
			return nil, err
		}
		locked[id] = c
	}

	out := make([]*models.Card, 0, len(ids))
	for _, id := range ids {
		cp := *locked[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (tx *Tx) pgUpdateCard(ctx context.Context, card models.Card, expected int64) error {
	res, err := tx.sql.ExecContext(ctx, `
        update cardledger.cards
           set balance = $2, status = $3, revision = revision + 1, updated_at = now()
         where id = $1 and revision = $4
    `, card.ID, card.Balance, string(card.Status), expected)
	if err != nil {
		return fmt.Errorf("updating card: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating card: %w", err)
	}
	if n == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (tx *Tx) pgDeleteCard(ctx context.Context, id int64) error {
	res, err := tx.sql.ExecContext(ctx, `delete from cardledger.cards where id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting card: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting card: %w", err)
	}
	if n == 0 {
		return ErrCardNotFound
	}
	return nil
}

func (tx *Tx) pgAppendOperation(ctx context.Context, op *models.Operation) error {
	err := tx.sql.QueryRowContext(ctx, `
        insert into cardledger.card_operations (type, amount, from_card_id, to_card_id, from_card, to_card, created_at)
        values ($1, $2, $3, $4, $5, $6, $7)
        returning id
    `, string(op.Type), op.Amount, nullID(op.FromCardID), nullID(op.ToCardID),
		nullString(op.FromCard), nullString(op.ToCard), op.CreatedAt,
	).Scan(&op.ID)
	if err != nil {
		return fmt.Errorf("appending operation: %w", err)
	}
	return nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
