package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CardStatus string

const (
	CardStatusActive  CardStatus = "ACTIVE"
	CardStatusBlocked CardStatus = "BLOCKED"
	CardStatusExpired CardStatus = "EXPIRED"
)

func ParseCardStatus(s string) (CardStatus, error) {
	switch st := CardStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case CardStatusActive, CardStatusBlocked, CardStatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("unknown card status %q", s)
	}
}

type Card struct {
	ID         int64
	ExternalID string
	// Number is only set on the card returned by creation; it is never read back from storage.
	Number  string
	BIN     string
	Last4   string
	OwnerID string
	// ValidityPeriod is the last day the card can be used (civil date).
	ValidityPeriod time.Time
	Status         CardStatus
	Balance        decimal.Decimal
	Revision       int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type CreateCardRequest struct {
	OwnerID string
	// ValidityPeriod is optional; zero means product default.
	ValidityPeriod time.Time
	InitialBalance decimal.Decimal
}

// Actor is whoever triggers a change; it ends up in the audit log.
type Actor struct {
	ID   string
	Role string
}

var SystemActor = Actor{ID: "system", Role: "SYSTEM"}
