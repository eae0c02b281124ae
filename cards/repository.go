package cards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"

	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/cardgen"
)

var errRowNotLocked = errors.New("card row is not locked by this transaction")

// Repository is the card store. With a nil db it keeps everything in
// memory; otherwise it is backed by postgres. Both backends give the same
// guarantees: row locks held until the unit of work ends, no partial
// commits, and an append-only operation log.
type Repository struct {
	db               *sql.DB
	hashKey          []byte
	statementTimeout time.Duration

	mem *memStore
}

func NewRepository(hashKey []byte) *Repository {
	return &Repository{hashKey: hashKey, mem: newMemStore()}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB, hashKey []byte) *Repository {
	return &Repository{db: db, hashKey: hashKey, statementTimeout: 3 * time.Second}
}

// SetStatementTimeout bounds every statement of a postgres unit of work,
// lock waits included. Zero disables the bound.
func (r *Repository) SetStatementTimeout(d time.Duration) {
	r.statementTimeout = d
}

// cardRef is a parsed public reference: either the external id or the
// hash of a card number.
type cardRef struct {
	externalID string
	panHash    []byte
}

func (r *Repository) parseRef(ref string) (cardRef, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return cardRef{externalID: id.String()}, nil
	}
	pan := cardgen.NormalizePAN(ref)
	if err := cardgen.ValidatePAN(pan); err != nil {
		return cardRef{}, fmt.Errorf("%w: %q is neither a card id nor a card number", ErrCardNotFound, ref)
	}
	return cardRef{panHash: cardgen.HashPAN(pan, r.hashKey)}, nil
}

// WithTx runs fn as one unit of work. Locks taken through tx are held until
// fn returns. Changes become visible to others only if fn returns nil and
// the commit succeeds; otherwise nothing is applied.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	if r.db == nil {
		return r.mem.withTx(ctx, func(mtx *memTx) error {
			return fn(&Tx{repo: r, mem: mtx})
		})
	}
	return r.pgWithTx(ctx, fn)
}

// CreateCard stores a new card. card.Number must be set; ID, timestamps and
// revision are assigned here.
func (r *Repository) CreateCard(ctx context.Context, card *models.Card) error {
	hash := cardgen.HashPAN(card.Number, r.hashKey)
	card.BIN = cardgen.BIN(card.Number)
	card.Last4 = cardgen.LastN(card.Number, 4)
	card.Revision = 0

	if r.db == nil {
		return r.mem.createCard(card, hash)
	}
	return r.pgCreateCard(ctx, card, hash)
}

// ResolveCard maps a public reference to the internal id without locking.
func (r *Repository) ResolveCard(ctx context.Context, ref string) (int64, error) {
	cr, err := r.parseRef(ref)
	if err != nil {
		return 0, err
	}
	if r.db == nil {
		return r.mem.resolve(cr)
	}
	return pgResolve(ctx, r.db, cr)
}

func (r *Repository) GetCard(ctx context.Context, id int64) (*models.Card, error) {
	if r.db == nil {
		return r.mem.getCard(id)
	}
	return scanCard(r.db.QueryRowContext(ctx, `select `+cardColumns+` from cardledger.cards where id = $1`, id))
}

// FindByOwner returns the owner's cards in creation order.
func (r *Repository) FindByOwner(ctx context.Context, ownerID string) ([]*models.Card, error) {
	if r.db == nil {
		return r.mem.findByOwner(ownerID), nil
	}
	return r.pgFindByOwner(ctx, ownerID)
}

// UpdateStatusIfRevision sets the status only if the card is still at the
// expected revision. It does not take a lock across calls: a concurrent
// change in between yields ErrConcurrentModification.
func (r *Repository) UpdateStatusIfRevision(ctx context.Context, id int64, status models.CardStatus, expected int64) (*models.Card, error) {
	if r.db == nil {
		return r.mem.updateStatusIfRevision(ctx, id, status, expected)
	}
	return r.pgUpdateStatusIfRevision(ctx, id, status, expected)
}

// ExpireCards moves every non-expired card whose validity period ended
// before today to EXPIRED in one atomic step and returns how many changed.
func (r *Repository) ExpireCards(ctx context.Context, today time.Time) (int64, error) {
	if r.db == nil {
		return r.mem.expireCards(ctx, today)
	}
	return r.pgExpireCards(ctx, today)
}

// ListOperations returns a page of the card's operations, newest first.
func (r *Repository) ListOperations(ctx context.Context, cardID int64, page, size int) ([]models.Operation, int, error) {
	if r.db == nil {
		ops, total := r.mem.listOperations(cardID, page, size)
		return ops, total, nil
	}
	return r.pgListOperations(ctx, cardID, page, size)
}

func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

// Tx is a unit of work handed to WithTx callbacks.
type Tx struct {
	repo *Repository
	sql  *sql.Tx
	mem  *memTx
}

// ResolveCard maps a public reference to the internal id.
func (tx *Tx) ResolveCard(ctx context.Context, ref string) (int64, error) {
	cr, err := tx.repo.parseRef(ref)
	if err != nil {
		return 0, err
	}
	if tx.mem != nil {
		return tx.mem.store.resolve(cr)
	}
	return pgResolve(ctx, tx.sql, cr)
}

// LockForUpdate locks the given rows for the rest of the unit of work and
// returns their current state in argument order. Rows are always locked in
// ascending id order, whatever the argument order, so two units of work
// touching the same cards cannot deadlock.
func (tx *Tx) LockForUpdate(ctx context.Context, ids ...int64) ([]*models.Card, error) {
	if tx.mem != nil {
		return tx.mem.lockForUpdate(ctx, ids)
	}
	return tx.pgLockForUpdate(ctx, ids)
}

// UpdateCard writes balance and status of a locked card, conditional on the
// card still being at revision expected. The stored revision becomes
// expected+1.
func (tx *Tx) UpdateCard(ctx context.Context, card models.Card, expected int64) error {
	if tx.mem != nil {
		return tx.mem.updateCard(card, expected)
	}
	return tx.pgUpdateCard(ctx, card, expected)
}

// DeleteCard removes a locked card. Its operations stay in the log.
func (tx *Tx) DeleteCard(ctx context.Context, id int64) error {
	if tx.mem != nil {
		return tx.mem.deleteCard(id)
	}
	return tx.pgDeleteCard(ctx, id)
}

// AppendOperation adds op to the log and sets op.ID.
func (tx *Tx) AppendOperation(ctx context.Context, op *models.Operation) error {
	if tx.mem != nil {
		tx.mem.appendOperation(op)
		return nil
	}
	return tx.pgAppendOperation(ctx, op)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
