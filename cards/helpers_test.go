package cards_test

import (
	"context"
	"io"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardledger/cards"
	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/audit"
)

var (
	admin = models.Actor{ID: "ops-1", Role: "ADMIN"}
	alice = models.Actor{ID: "alice", Role: "USER"}
	bob   = models.Actor{ID: "bob", Role: "USER"}
)

type testEnv struct {
	repo    *cards.Repository
	sink    *audit.Memory
	svc     *cards.Service
	ledger  *cards.Ledger
	sweeper *cards.Sweeper
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := discardLogger()
	repo := cards.NewRepository([]byte("test-pan-hash-key"))
	sink := audit.NewMemory()
	recorder := audit.NewRecorder(sink, logger)

	return &testEnv{
		repo:    repo,
		sink:    sink,
		svc:     cards.NewService(repo, recorder, cards.DefaultConfig(), logger),
		ledger:  cards.NewLedger(repo, recorder, logger),
		sweeper: cards.NewSweeper(repo, recorder, "0 0 * * *", logger),
	}
}

func (e *testEnv) newCard(t *testing.T, owner models.Actor, balance string) *models.Card {
	t.Helper()

	card, err := e.svc.CreateCard(context.Background(), models.CreateCardRequest{
		OwnerID:        owner.ID,
		InitialBalance: decimal.RequireFromString(balance),
	}, admin)
	require.NoError(t, err)
	return card
}

func (e *testEnv) reload(t *testing.T, card *models.Card) *models.Card {
	t.Helper()

	got, err := e.svc.GetCard(context.Background(), card.ExternalID, card.OwnerID)
	require.NoError(t, err)
	return got
}

func (e *testEnv) auditActions(entityID string) []audit.Action {
	var out []audit.Action
	for _, entry := range e.sink.Entries() {
		if entry.EntityID == entityID {
			out = append(out, entry.Action)
		}
	}
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func cardsAPI(env *testEnv) *cards.API {
	return cards.NewAPI(env.svc, env.ledger, env.sweeper, jwtSecret, discardLogger())
}
