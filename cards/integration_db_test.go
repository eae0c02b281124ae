package cards_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/alovak/cardledger/cards"
	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/audit"
)

// openTestDB skips unless DB_DSN is provided and REPO_BACKEND=pg.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv("REPO_BACKEND") != "pg" {
		t.Skip("REPO_BACKEND != pg; skipping DB integration test")
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN not set; skipping DB integration test")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())
	return db
}

func newPGEnv(t *testing.T) (*testEnv, *sql.DB) {
	db := openTestDB(t)
	ctx := context.Background()

	repo := cards.NewPGRepository(db, []byte("test-pan-hash-key"))
	require.NoError(t, repo.Migrate(ctx))
	sink := audit.NewPG(db)
	require.NoError(t, sink.Migrate(ctx))

	logger := discardLogger()
	recorder := audit.NewRecorder(sink, logger)

	return &testEnv{
		repo:    repo,
		sink:    audit.NewMemory(),
		svc:     cards.NewService(repo, recorder, cards.DefaultConfig(), logger),
		ledger:  cards.NewLedger(repo, recorder, logger),
		sweeper: cards.NewSweeper(repo, recorder, "0 0 * * *", logger),
	}, db
}

func TestPG_LedgerRoundTrip(t *testing.T) {
	env, db := newPGEnv(t)
	ctx := context.Background()

	first := env.newCard(t, alice, "0")
	second := env.newCard(t, alice, "20")

	_, err := env.ledger.Deposit(ctx, first.ExternalID, dec("100"), alice)
	require.NoError(t, err)
	_, err = env.ledger.Withdraw(ctx, first.ExternalID, dec("150"), alice)
	require.ErrorIs(t, err, cards.ErrInsufficientFunds)
	fromBalance, toBalance, err := env.ledger.Transfer(ctx, first.ExternalID, second.ExternalID, dec("50"), alice)
	require.NoError(t, err)
	requireAmount(t, "50", fromBalance)
	requireAmount(t, "70", toBalance)

	// stored hashed; the number resolves
	var stored int
	require.NoError(t, db.QueryRow(`select count(*) from cardledger.cards where last4 = $1 and external_id = $2`, first.Last4, first.ExternalID).Scan(&stored))
	require.Equal(t, 1, stored)
	balance, err := env.ledger.Deposit(ctx, first.Number, dec("0.50"), alice)
	require.NoError(t, err)
	requireAmount(t, "50.50", balance)

	page, err := env.ledger.ListOperations(ctx, first.ExternalID, alice.ID, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Equal(t, models.OperationDeposit, page.Items[0].Type)

	// the log ignores updates
	_, err = db.Exec(`update cardledger.card_operations set amount = 1 where to_card_id = $1`, first.ID)
	require.NoError(t, err)
	again, err := env.ledger.ListOperations(ctx, first.ExternalID, alice.ID, 0, 10)
	require.NoError(t, err)
	require.Equal(t, page.Items, again.Items)

	var entries int
	require.NoError(t, db.QueryRow(`select count(*) from cardledger.audit_log where entity_id = $1`, second.ExternalID).Scan(&entries))
	require.Equal(t, 2, entries) // created, transfer in
}

func TestPG_ConcurrentOppositeTransfers(t *testing.T) {
	env, _ := newPGEnv(t)
	ctx := context.Background()

	a := env.newCard(t, alice, "100")
	b := env.newCard(t, alice, "100")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		wg.Add(1)
		go func(from, to *models.Card) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			env.ledger.Transfer(ctx, from.ExternalID, to.ExternalID, dec("9.99"), alice)
		}(from, to)
	}
	wg.Wait()

	ra, rb := env.reload(t, a), env.reload(t, b)
	requireAmount(t, "200", ra.Balance.Add(rb.Balance))
	require.False(t, ra.Balance.IsNegative())
	require.False(t, rb.Balance.IsNegative())
	require.Equal(t, ra.Revision, rb.Revision)
}

func TestPG_SweeperAndConditionalStatus(t *testing.T) {
	env, _ := newPGEnv(t)
	ctx := context.Background()

	card, err := env.svc.CreateCard(ctx, models.CreateCardRequest{
		OwnerID:        alice.ID,
		ValidityPeriod: date(2030, time.January, 31),
	}, admin)
	require.NoError(t, err)

	rev := int64(0)
	_, err = env.svc.ChangeStatus(ctx, card.ExternalID, models.CardStatusBlocked, &rev, admin)
	require.NoError(t, err)
	_, err = env.svc.ChangeStatus(ctx, card.ExternalID, models.CardStatusActive, &rev, admin)
	require.ErrorIs(t, err, cards.ErrConcurrentModification)

	_, err = env.sweeper.Sweep(ctx, date(2030, time.February, 1))
	require.NoError(t, err)
	got := env.reload(t, card)
	require.Equal(t, models.CardStatusExpired, got.Status)
	require.Equal(t, "2030-01-31", got.ValidityPeriod.Format("2006-01-02"))

	n, err := env.sweeper.Sweep(ctx, date(2030, time.February, 1))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPG_DeleteCard(t *testing.T) {
	env, _ := newPGEnv(t)
	ctx := context.Background()

	card := env.newCard(t, alice, "0")
	require.NoError(t, env.svc.DeleteCard(ctx, card.ExternalID, admin))

	err := env.svc.DeleteCard(ctx, card.ExternalID, admin)
	require.ErrorIs(t, err, cards.ErrCardNotFound)
}
