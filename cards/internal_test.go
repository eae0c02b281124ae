package cards

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/audit"
	"github.com/alovak/cardledger/internal/cardgen"
)

var owner = models.Actor{ID: "alice", Role: "USER"}

type failingSink struct{ calls int }

func (f *failingSink) Record(context.Context, audit.Entry) error {
	f.calls++
	return errors.New("audit store down")
}

// zeroReader makes the generator return the same number every time.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func newInternalEnv(t *testing.T, sink audit.Sink) (*Repository, *Service, *Ledger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := NewRepository([]byte("k"))
	recorder := audit.NewRecorder(sink, logger)
	recorder.SetRetry(2, 10*time.Millisecond)
	return repo, NewService(repo, recorder, DefaultConfig(), logger), NewLedger(repo, recorder, logger)
}

func mustCreate(t *testing.T, svc *Service, balance string) *models.Card {
	t.Helper()
	card, err := svc.CreateCard(context.Background(), models.CreateCardRequest{
		OwnerID:        owner.ID,
		InitialBalance: decimal.RequireFromString(balance),
	}, owner)
	require.NoError(t, err)
	return card
}

func TestApplyFunctionsArePure(t *testing.T) {
	card := models.Card{ID: 1, Balance: decimal.RequireFromString("10.00"), Revision: 3}

	next := applyDeposit(card, decimal.RequireFromString("2.50"))
	require.Equal(t, "12.50", next.Balance.StringFixed(2))
	require.Equal(t, int64(4), next.Revision)
	require.Equal(t, "10.00", card.Balance.StringFixed(2))
	require.Equal(t, int64(3), card.Revision)

	_, err := applyWithdraw(card, decimal.RequireFromString("10.01"))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	to := models.Card{ID: 2, Balance: decimal.Zero}
	from2, to2, err := applyTransfer(card, to, decimal.RequireFromString("4"))
	require.NoError(t, err)
	require.True(t, from2.Balance.Add(to2.Balance).Equal(card.Balance.Add(to.Balance)))
}

func TestAuditFailureDoesNotAffectOperation(t *testing.T) {
	sink := &failingSink{}
	repo, svc, ledger := newInternalEnv(t, sink)
	card := mustCreate(t, svc, "0")

	balance, err := ledger.Deposit(context.Background(), card.ExternalID, decimal.RequireFromString("5"), owner)
	require.NoError(t, err)
	require.Equal(t, "5.00", balance.StringFixed(2))
	require.Positive(t, sink.calls)

	stored, err := repo.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.True(t, stored.Balance.Equal(balance))
}

func TestLedgerRejectsCardPastValidity(t *testing.T) {
	_, svc, ledger := newInternalEnv(t, audit.NewMemory())

	card, err := svc.CreateCard(context.Background(), models.CreateCardRequest{
		OwnerID:        owner.ID,
		ValidityPeriod: time.Date(2030, time.January, 31, 0, 0, 0, 0, time.UTC),
		InitialBalance: decimal.RequireFromString("10"),
	}, owner)
	require.NoError(t, err)

	ledger.now = func() time.Time { return time.Date(2030, time.January, 31, 23, 0, 0, 0, time.UTC) }
	_, err = ledger.Deposit(context.Background(), card.ExternalID, decimal.RequireFromString("1"), owner)
	require.NoError(t, err, "last day is still valid")

	ledger.now = func() time.Time { return time.Date(2030, time.February, 1, 0, 0, 1, 0, time.UTC) }
	_, err = ledger.Withdraw(context.Background(), card.ExternalID, decimal.RequireFromString("1"), owner)
	require.ErrorIs(t, err, ErrCardNotActive)
}

func TestCreateCardRetriesOnNumberCollision(t *testing.T) {
	_, svc, _ := newInternalEnv(t, audit.NewMemory())
	svc.gen = &cardgen.Generator{Prefix: "421234", Length: 16, Rand: zeroReader{}}

	first := mustCreate(t, svc, "0")
	require.NoError(t, cardgen.ValidatePAN(first.Number))

	_, err := svc.CreateCard(context.Background(), models.CreateCardRequest{OwnerID: owner.ID}, owner)
	require.ErrorIs(t, err, ErrDuplicateCardNumber)
}

func TestRollbackDiscardsEverything(t *testing.T) {
	repo, svc, _ := newInternalEnv(t, audit.NewMemory())
	card := mustCreate(t, svc, "10")

	boom := errors.New("boom")
	err := repo.WithTx(context.Background(), func(tx *Tx) error {
		locked, err := tx.LockForUpdate(context.Background(), card.ID)
		if err != nil {
			return err
		}
		next := applyDeposit(*locked[0], decimal.RequireFromString("5"))
		if err := tx.UpdateCard(context.Background(), next, locked[0].Revision); err != nil {
			return err
		}
		if err := tx.AppendOperation(context.Background(), &models.Operation{Type: models.OperationDeposit, Amount: decimal.RequireFromString("5"), ToCardID: card.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := repo.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	require.Equal(t, "10.00", stored.Balance.StringFixed(2))
	require.Equal(t, int64(0), stored.Revision)

	ops, total, err := repo.ListOperations(context.Background(), card.ID, 0, 10)
	require.NoError(t, err)
	require.Empty(t, ops)
	require.Zero(t, total)
}

func TestLockWaitHonorsContext(t *testing.T) {
	repo, svc, _ := newInternalEnv(t, audit.NewMemory())
	card := mustCreate(t, svc, "10")

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithTx(context.Background(), func(tx *Tx) error {
			if _, err := tx.LockForUpdate(context.Background(), card.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := repo.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.LockForUpdate(ctx, card.ID)
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}

func TestUpdateCardRequiresLockAndRevision(t *testing.T) {
	repo, svc, _ := newInternalEnv(t, audit.NewMemory())
	card := mustCreate(t, svc, "10")

	err := repo.WithTx(context.Background(), func(tx *Tx) error {
		return tx.UpdateCard(context.Background(), *card, card.Revision)
	})
	require.ErrorIs(t, err, errRowNotLocked)

	err = repo.WithTx(context.Background(), func(tx *Tx) error {
		locked, err := tx.LockForUpdate(context.Background(), card.ID)
		if err != nil {
			return err
		}
		return tx.UpdateCard(context.Background(), *locked[0], locked[0].Revision+7)
	})
	require.ErrorIs(t, err, ErrConcurrentModification)
}

func TestLockForUpdateReturnsArgumentOrder(t *testing.T) {
	repo, svc, _ := newInternalEnv(t, audit.NewMemory())
	a := mustCreate(t, svc, "1")
	b := mustCreate(t, svc, "2")

	err := repo.WithTx(context.Background(), func(tx *Tx) error {
		locked, err := tx.LockForUpdate(context.Background(), b.ID, a.ID)
		require.NoError(t, err)
		require.Equal(t, b.ID, locked[0].ID)
		require.Equal(t, a.ID, locked[1].ID)
		require.Equal(t, []int64{a.ID, b.ID}, tx.mem.order)
		return nil
	})
	require.NoError(t, err)
}

func TestMemListOperationsBounds(t *testing.T) {
	store := newMemStore()
	store.ops = []models.Operation{{ID: 1, Type: models.OperationDeposit, ToCardID: 7}}

	ops, total := store.listOperations(7, 1<<62, 50)
	require.Empty(t, ops)
	require.Equal(t, 1, total)

	ops, _ = store.listOperations(7, -1, 50)
	require.Empty(t, ops)

	ops, _ = store.listOperations(7, 0, 0)
	require.Empty(t, ops)

	ops, _ = store.listOperations(7, 0, 50)
	require.Len(t, ops, 1)
}
