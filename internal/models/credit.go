package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit ledger entry_type values.
const (
	CreditEntryStarter   = "starter"
	CreditEntryDeduct    = "deduct"
	CreditEntryPurchase  = "purchase"
	CreditEntryPlanReset = "plan_reset"
	CreditEntryRefund    = "refund"
)

// CreditLedger is one append-only journal row. Amount is the signed change to the balance.
type CreditLedger struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	BuildID      *uuid.UUID `json:"build_id,omitempty"`
	EventID      *string    `json:"event_id,omitempty"`
	EntryType    string     `json:"entry_type"`
	Amount       int        `json:"amount"`
	BalanceAfter int        `json:"balance_after"`
	CreatedAt    time.Time  `json:"created_at"`
}
