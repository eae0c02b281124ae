package cards

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/audit"
	"github.com/alovak/cardledger/internal/expiry"
	"github.com/alovak/cardledger/internal/money"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// Ledger moves money on and between cards. Every mutation is one unit of
// work: resolve, lock, validate, apply, persist, log the operation, commit.
// Audit entries are written only after the commit.
type Ledger struct {
	repo   *Repository
	audit  *audit.Recorder
	logger *slog.Logger
	now    func() time.Time

	defaultPageSize int
	maxPageSize     int
}

func NewLedger(repo *Repository, recorder *audit.Recorder, logger *slog.Logger) *Ledger {
	return &Ledger{
		repo:            repo,
		audit:           recorder,
		logger:          logger.With(slog.String("component", "ledger")),
		now:             time.Now,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// SetPageSizes overrides the default and maximum operation page size.
func (l *Ledger) SetPageSizes(def, max int) {
	if def > 0 {
		l.defaultPageSize = def
	}
	if max > 0 {
		l.maxPageSize = max
	}
}

// Deposit credits amount to the card and returns the new balance.
func (l *Ledger) Deposit(ctx context.Context, ref string, amount decimal.Decimal, actor models.Actor) (decimal.Decimal, error) {
	if err := money.ValidateAmount(amount); err != nil {
		return decimal.Zero, invalidAmount(err)
	}
	amount = money.Normalize(amount)

	var card models.Card
	err := l.repo.WithTx(ctx, func(tx *Tx) error {
		id, err := tx.ResolveCard(ctx, ref)
		if err != nil {
			return err
		}
		locked, err := tx.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := l.checkUsable(locked[0], actor); err != nil {
			return err
		}

		card = applyDeposit(*locked[0], amount)
		if err := tx.UpdateCard(ctx, card, locked[0].Revision); err != nil {
			return err
		}
		return tx.AppendOperation(ctx, &models.Operation{
			Type:      models.OperationDeposit,
			Amount:    amount,
			ToCardID:  card.ID,
			ToCard:    card.ExternalID,
			CreatedAt: l.now().UTC(),
		})
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("deposit: %w", err)
	}

	l.audit.Record(audit.Entry{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    audit.ActionCardDeposit,
		EntityID:  card.ExternalID,
		Details:   audit.Details("amount", money.Format(amount)),
	})
	l.logger.Info("deposit", slog.String("card_id", card.ExternalID), slog.String("amount", money.Format(amount)))

	return card.Balance, nil
}

// Withdraw debits amount from the card and returns the new balance. The
// balance never goes negative.
func (l *Ledger) Withdraw(ctx context.Context, ref string, amount decimal.Decimal, actor models.Actor) (decimal.Decimal, error) {
	if err := money.ValidateAmount(amount); err != nil {
		return decimal.Zero, invalidAmount(err)
	}
	amount = money.Normalize(amount)

	var before, card models.Card
	err := l.repo.WithTx(ctx, func(tx *Tx) error {
		id, err := tx.ResolveCard(ctx, ref)
		if err != nil {
			return err
		}
		locked, err := tx.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		before = *locked[0]
		if err := l.checkUsable(&before, actor); err != nil {
			return err
		}

		card, err = applyWithdraw(before, amount)
		if err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, card, before.Revision); err != nil {
			return err
		}
		return tx.AppendOperation(ctx, &models.Operation{
			Type:       models.OperationWithdraw,
			Amount:     amount,
			FromCardID: card.ID,
			FromCard:   card.ExternalID,
			CreatedAt:  l.now().UTC(),
		})
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("withdraw: %w", err)
	}

	l.audit.Record(audit.Entry{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    audit.ActionCardWithdraw,
		EntityID:  card.ExternalID,
		Details:   audit.Details("amount", money.Format(amount), "balanceBefore", money.Format(before.Balance)),
	})
	l.logger.Info("withdraw", slog.String("card_id", card.ExternalID), slog.String("amount", money.Format(amount)))

	return card.Balance, nil
}

// Transfer moves amount between two cards of the same owner and returns
// both new balances. Both rows are locked in ascending id order.
func (l *Ledger) Transfer(ctx context.Context, fromRef, toRef string, amount decimal.Decimal, actor models.Actor) (decimal.Decimal, decimal.Decimal, error) {
	if err := money.ValidateAmount(amount); err != nil {
		return decimal.Zero, decimal.Zero, invalidAmount(err)
	}
	amount = money.Normalize(amount)
	if fromRef == toRef {
		return decimal.Zero, decimal.Zero, fmt.Errorf("transfer: %w", ErrSameCard)
	}

	var from, to models.Card
	err := l.repo.WithTx(ctx, func(tx *Tx) error {
		fromID, err := tx.ResolveCard(ctx, fromRef)
		if err != nil {
			return err
		}
		toID, err := tx.ResolveCard(ctx, toRef)
		if err != nil {
			return err
		}
		if fromID == toID {
			return ErrSameCard
		}

		locked, err := tx.LockForUpdate(ctx, fromID, toID)
		if err != nil {
			return err
		}
		if err := l.checkUsable(locked[0], actor); err != nil {
			return err
		}
		if err := l.checkUsable(locked[1], actor); err != nil {
			return err
		}

		from, to, err = applyTransfer(*locked[0], *locked[1], amount)
		if err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, from, locked[0].Revision); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, to, locked[1].Revision); err != nil {
			return err
		}
		return tx.AppendOperation(ctx, &models.Operation{
			Type:       models.OperationTransfer,
			Amount:     amount,
			FromCardID: from.ID,
			ToCardID:   to.ID,
			FromCard:   from.ExternalID,
			ToCard:     to.ExternalID,
			CreatedAt:  l.now().UTC(),
		})
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("transfer: %w", err)
	}

	l.audit.Record(audit.Entry{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    audit.ActionCardTransferOut,
		EntityID:  from.ExternalID,
		Details:   audit.Details("to", to.ExternalID, "amount", money.Format(amount)),
	})
	l.audit.Record(audit.Entry{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    audit.ActionCardTransferIn,
		EntityID:  to.ExternalID,
		Details:   audit.Details("from", from.ExternalID, "amount", money.Format(amount)),
	})
	l.logger.Info("transfer",
		slog.String("from_card_id", from.ExternalID),
		slog.String("to_card_id", to.ExternalID),
		slog.String("amount", money.Format(amount)),
	)

	return from.Balance, to.Balance, nil
}

// ListOperations returns one page of the card's operation log, newest
// first. page is zero-based; size defaults to 20 and is capped at 50.
func (l *Ledger) ListOperations(ctx context.Context, ref string, ownerID string, page, size int) (*models.OperationPage, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = l.defaultPageSize
	}
	if size > l.maxPageSize {
		size = l.maxPageSize
	}
	if page > math.MaxInt32/size {
		page = math.MaxInt32 / size
	}

	id, err := l.repo.ResolveCard(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	card, err := l.repo.GetCard(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	if card.OwnerID != ownerID {
		return nil, fmt.Errorf("listing operations: %w", ErrNotOwner)
	}

	ops, total, err := l.repo.ListOperations(ctx, id, page, size)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return &models.OperationPage{Items: ops, Page: page, Size: size, Total: total}, nil
}

// checkUsable rejects cards the actor does not own and cards that cannot
// take balance changes: not ACTIVE, or past their validity period even if
// the sweeper has not caught up yet.
func (l *Ledger) checkUsable(card *models.Card, actor models.Actor) error {
	if card.OwnerID != actor.ID {
		return ErrNotOwner
	}
	if card.Status != models.CardStatusActive {
		return fmt.Errorf("%w: card %s is %s", ErrCardNotActive, card.ExternalID, card.Status)
	}
	if expiry.IsPast(card.ValidityPeriod, expiry.Today(l.now())) {
		return fmt.Errorf("%w: card %s expired on %s", ErrCardNotActive, card.ExternalID, expiry.FormatDate(card.ValidityPeriod))
	}
	return nil
}

func applyDeposit(card models.Card, amount decimal.Decimal) models.Card {
	card.Balance = money.Normalize(card.Balance.Add(amount))
	card.Revision++
	return card
}

func applyWithdraw(card models.Card, amount decimal.Decimal) (models.Card, error) {
	if card.Balance.LessThan(amount) {
		return card, &InsufficientFundsError{CardID: card.ExternalID, Available: card.Balance, Requested: amount}
	}
	card.Balance = money.Normalize(card.Balance.Sub(amount))
	card.Revision++
	return card, nil
}

func applyTransfer(from, to models.Card, amount decimal.Decimal) (models.Card, models.Card, error) {
	from, err := applyWithdraw(from, amount)
	if err != nil {
		return from, to, err
	}
	return from, applyDeposit(to, amount), nil
}
