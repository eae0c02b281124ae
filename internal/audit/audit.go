// Package audit records who did what to which card.
//
// Entries are written after the business change has committed and in a scope
// of their own: a failed audit write never undoes or fails the change it
// describes. Sinks are append-only; no sink offers update or delete.
package audit

import (
	"context"
	"strings"
	"time"
)

type Action string

const (
	ActionCardCreated       Action = "CARD_CREATED"
	ActionCardDeleted       Action = "CARD_DELETED"
	ActionCardStatusChanged Action = "CARD_STATUS_CHANGED"
	ActionCardDeposit       Action = "CARD_DEPOSIT"
	ActionCardWithdraw      Action = "CARD_WITHDRAW"
	ActionCardTransferOut   Action = "CARD_TRANSFER_OUT"
	ActionCardTransferIn    Action = "CARD_TRANSFER_IN"
	ActionCardsExpired      Action = "CARDS_EXPIRED"
)

const EntityCard = "CARD"

type Entry struct {
	ID         int64
	ActorID    string
	ActorRole  string
	Action     Action
	EntityType string
	EntityID   string
	Details    string
	CreatedAt  time.Time
}

// Sink persists entries. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

var detailEscaper = strings.NewReplacer("%", "%25", ";", "%3B", "=", "%3D")

// Details joins key/value pairs as "k1=v1;k2=v2". Values have '%', ';' and
// '=' percent-escaped. A trailing key without value is dropped.
func Details(kv ...string) string {
	var sb strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(kv[i])
		sb.WriteByte('=')
		sb.WriteString(detailEscaper.Replace(kv[i+1]))
	}
	return sb.String()
}
