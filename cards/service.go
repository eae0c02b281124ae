package cards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/audit"
	"github.com/alovak/cardledger/internal/cardgen"
	"github.com/alovak/cardledger/internal/expiry"
	"github.com/alovak/cardledger/internal/money"
)

// Service owns the card lifecycle: issue, read, block, status changes and
// deletion. Balance changes go through Ledger.
type Service struct {
	repo   *Repository
	cfg    *Config
	gen    *cardgen.Generator
	audit  *audit.Recorder
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo *Repository, recorder *audit.Recorder, cfg *Config, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger = logger.With(slog.String("component", "cards"))

	gen, err := cardgen.NewGenerator(cfg.BINPrefix, cfg.PANLength)
	if err != nil {
		// misconfigured prefix or length: fall back to the default BIN
		logger.Warn("invalid card number settings; using defaults",
			slog.String("bin_prefix", cfg.BINPrefix), slog.Int("pan_length", cfg.PANLength), "err", err)
		gen, _ = cardgen.NewGenerator(cardgen.DefaultPrefix, cardgen.DefaultLength)
	}

	return &Service{
		repo:   repo,
		cfg:    cfg,
		gen:    gen,
		audit:  recorder,
		logger: logger,
		now:    time.Now,
	}
}

// CreateCard issues a card with a fresh unique number. The returned card is
// the only place the full number is ever exposed.
func (s *Service) CreateCard(ctx context.Context, req models.CreateCardRequest, actor models.Actor) (*models.Card, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return nil, fmt.Errorf("creating card: %w", ErrInvalidOwner)
	}
	if err := money.ValidateBalance(req.InitialBalance); err != nil {
		return nil, fmt.Errorf("creating card: %w", invalidAmount(err))
	}

	now := s.now()
	validity := req.ValidityPeriod
	if validity.IsZero() {
		validity = expiry.ValidUntil(now, expiry.YearsForProduct(s.cfg.CardProduct, 0))
	} else {
		validity = expiry.Date(validity)
		if expiry.IsPast(validity, expiry.Today(now)) {
			return nil, fmt.Errorf("creating card: %w: %s is in the past", ErrInvalidValidity, expiry.FormatDate(validity))
		}
	}

	var card *models.Card
	_, err := s.gen.GenerateUnique(s.cfg.MaxPANRetries, func(pan string) (bool, error) {
		c := &models.Card{
			ExternalID:     uuid.NewString(),
			Number:         pan,
			OwnerID:        owner,
			ValidityPeriod: validity,
			Status:         models.CardStatusActive,
			Balance:        money.Normalize(req.InitialBalance),
		}
		err := s.repo.CreateCard(ctx, c)
		if errors.Is(err, ErrDuplicateCardNumber) {
			s.logger.Info("card number collision, regenerating")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		card = c
		return true, nil
	})
	if err != nil {
		if errors.Is(err, cardgen.ErrExhausted) {
			return nil, fmt.Errorf("creating card: %w: %v", ErrDuplicateCardNumber, err)
		}
		return nil, fmt.Errorf("creating card: %w", err)
	}

	s.audit.Record(audit.Entry{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    audit.ActionCardCreated,
		EntityID:  card.ExternalID,
		Details:   audit.Details("owner", owner),
	})
	s.logger.Info("card created", slog.String("card_id", card.ExternalID), slog.String("owner_id", owner))

	return card, nil
}

// GetCard returns the card if it belongs to ownerID.
func (s *Service) GetCard(ctx context.Context, ref string, ownerID string) (*models.Card, error) {
	id, err := s.repo.ResolveCard(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("finding card: %w", err)
	}
	card, err := s.repo.GetCard(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding card: %w", err)
	}
	if card.OwnerID != ownerID {
		return nil, fmt.Errorf("finding card: %w", ErrNotOwner)
	}
	return card, nil
}

// ListCards returns every card of ownerID, oldest first.
func (s *Service) ListCards(ctx context.Context, ownerID string) ([]*models.Card, error) {
	cards, err := s.repo.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	return cards, nil
}

// BlockCard lets the owner block their own card. Blocking a blocked card is
// a no-op.
func (s *Service) BlockCard(ctx context.Context, ref string, actor models.Actor) (*models.Card, error) {
	return s.setStatus(ctx, ref, models.CardStatusBlocked, actor, true)
}

// ChangeStatus sets the status of any card. With expectedRevision the write
// only happens if the card is still at that revision.
func (s *Service) ChangeStatus(ctx context.Context, ref string, status models.CardStatus, expectedRevision *int64, actor models.Actor) (*models.Card, error) {
	if expectedRevision != nil {
		return s.setStatusIfRevision(ctx, ref, status, *expectedRevision, actor)
	}
	return s.setStatus(ctx, ref, status, actor, false)
}

func (s *Service) setStatus(ctx context.Context, ref string, status models.CardStatus, actor models.Actor, ownerOnly bool) (*models.Card, error) {
	var (
		before, after models.Card
		changed       bool
	)
	err := s.repo.WithTx(ctx, func(tx *Tx) error {
		id, err := tx.ResolveCard(ctx, ref)
		if err != nil {
			return err
		}
		locked, err := tx.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		before = *locked[0]
		after = before
		if ownerOnly && before.OwnerID != actor.ID {
			return ErrNotOwner
		}
		if before.Status == status {
			return nil
		}
		if err := checkTransition(before.Status, status); err != nil {
			return err
		}

		after.Status = status
		after.Revision++
		if err := tx.UpdateCard(ctx, after, before.Revision); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("changing card status: %w", err)
	}

	if changed {
		s.recordStatusChange(before.Status, &after, actor)
	}
	return &after, nil
}

func (s *Service) setStatusIfRevision(ctx context.Context, ref string, status models.CardStatus, expected int64, actor models.Actor) (*models.Card, error) {
	id, err := s.repo.ResolveCard(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("changing card status: %w", err)
	}
	current, err := s.repo.GetCard(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("changing card status: %w", err)
	}
	if current.Revision != expected {
		return nil, fmt.Errorf("changing card status: %w: at revision %d, expected %d", ErrConcurrentModification, current.Revision, expected)
	}
	if current.Status == status {
		return current, nil
	}
	if err := checkTransition(current.Status, status); err != nil {
		return nil, fmt.Errorf("changing card status: %w", err)
	}

	updated, err := s.repo.UpdateStatusIfRevision(ctx, id, status, expected)
	if err != nil {
		return nil, fmt.Errorf("changing card status: %w", err)
	}

	s.recordStatusChange(current.Status, updated, actor)
	return updated, nil
}

func (s *Service) recordStatusChange(old models.CardStatus, card *models.Card, actor models.Actor) {
	s.audit.Record(audit.Entry{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    audit.ActionCardStatusChanged,
		EntityID:  card.ExternalID,
		Details:   audit.Details("oldStatus", string(old), "newStatus", string(card.Status)),
	})
	s.logger.Info("card status changed",
		slog.String("card_id", card.ExternalID),
		slog.String("old_status", string(old)),
		slog.String("new_status", string(card.Status)),
	)
}

// EXPIRED is terminal. Other statuses may move freely.
func checkTransition(from, to models.CardStatus) error {
	if _, err := models.ParseCardStatus(string(to)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStatusTransition, err)
	}
	if from == models.CardStatusExpired {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}
	return nil
}

// DeleteCard removes a card whose balance is exactly zero. The card's
// operations stay in the log.
func (s *Service) DeleteCard(ctx context.Context, ref string, actor models.Actor) error {
	var card models.Card
	err := s.repo.WithTx(ctx, func(tx *Tx) error {
		id, err := tx.ResolveCard(ctx, ref)
		if err != nil {
			return err
		}
		locked, err := tx.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		card = *locked[0]
		if !card.Balance.IsZero() {
			return fmt.Errorf("%w: balance is %s", ErrNonZeroBalance, money.Format(card.Balance))
		}
		return tx.DeleteCard(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("deleting card: %w", err)
	}

	s.audit.Record(audit.Entry{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    audit.ActionCardDeleted,
		EntityID:  card.ExternalID,
		Details:   audit.Details("owner", card.OwnerID),
	})
	s.logger.Info("card deleted", slog.String("card_id", card.ExternalID))
	return nil
}
