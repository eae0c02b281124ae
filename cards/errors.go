package cards

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alovak/cardledger/internal/money"
)

var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrCardNotFound            = errors.New("card not found")
	ErrNotOwner                = errors.New("card does not belong to user")
	ErrCardNotActive           = errors.New("card is not active")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateCardNumber     = errors.New("card number already exists")
	ErrConcurrentModification  = errors.New("card was modified concurrently")
	ErrSameCard                = errors.New("source and destination card must differ")
	ErrNonZeroBalance          = errors.New("card balance must be zero")
	ErrInvalidStatusTransition = errors.New("invalid card status transition")
	ErrInvalidValidity         = errors.New("invalid validity period")
	ErrInvalidOwner            = errors.New("owner is required")
)

// InsufficientFundsError carries the numbers behind ErrInsufficientFunds.
type InsufficientFundsError struct {
	CardID    string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on card %s: available %s, requested %s",
		e.CardID, money.Format(e.Available), money.Format(e.Requested))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

func invalidAmount(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
}
