package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OperationType string

const (
	OperationDeposit  OperationType = "DEPOSIT"
	OperationWithdraw OperationType = "WITHDRAW"
	OperationTransfer OperationType = "TRANSFER"
)

// Operation is one immutable entry of the balance log. Deposits only have a
// destination, withdrawals only a source, transfers both. Zero ids mean absent.
type Operation struct {
	ID         int64
	Type       OperationType
	Amount     decimal.Decimal
	FromCardID int64
	ToCardID   int64
	FromCard   string
	ToCard     string
	CreatedAt  time.Time
}

type OperationPage struct {
	Items []Operation
	Page  int
	Size  int
	Total int
}
