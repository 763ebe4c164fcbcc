// Package feed decodes ledger events from the message bus and applies them
// to the live risk index.
package feed

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-risk/internal/ledger"
)

// EventType discriminates feed envelopes.
type EventType string

const (
	EventTransaction EventType = "transaction"
	EventLogin       EventType = "login"
	EventAccount     EventType = "account"
)

// Envelope is the wire format of a ledger feed message. Exactly one payload
// matching Type is set.
type Envelope struct {
	EventID     uuid.UUID           `json:"event_id" validate:"required"`
	Type        EventType           `json:"type" validate:"required,oneof=transaction login account"`
	OccurredAt  time.Time           `json:"occurred_at" validate:"required"`
	Transaction *TransactionPayload `json:"transaction,omitempty" validate:"required_if=Type transaction"`
	Login       *LoginPayload       `json:"login,omitempty" validate:"required_if=Type login"`
	Account     *AccountPayload     `json:"account,omitempty" validate:"required_if=Type account"`
}

// TransactionPayload carries one transfer.
type TransactionPayload struct {
	ID          int64           `json:"id" validate:"required,gt=0"`
	CreatedAt   time.Time       `json:"created_at" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gte=0"`
	SenderID    int64           `json:"sender_account_id" validate:"required,gt=0"`
	ReceiverID  int64           `json:"receiver_account_id" validate:"required,gt=0"`
	Status      string          `json:"status,omitempty" validate:"omitempty,oneof=posted pending reversed"`
	Description string          `json:"description,omitempty" validate:"max=512"`
}

// LoginPayload carries one login.
type LoginPayload struct {
	ID        int64     `json:"id" validate:"required,gt=0"`
	AccountID int64     `json:"account_id" validate:"required,gt=0"`
	LoginAt   time.Time `json:"login_at" validate:"required"`
}

// AccountPayload carries an account upsert.
type AccountPayload struct {
	ID    int64  `json:"id" validate:"required,gt=0"`
	Name  string `json:"name" validate:"required,max=256"`
	Phone string `json:"phone,omitempty" validate:"max=64"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Type  string `json:"type,omitempty" validate:"max=32"`
}

// Ledger converts the payload. An empty status means posted.
func (p TransactionPayload) Ledger() ledger.Transaction {
	status := ledger.TxStatus(p.Status)
	if status == "" {
		status = ledger.StatusPosted
	}
	return ledger.Transaction{
		ID:          p.ID,
		CreatedAt:   p.CreatedAt.UTC(),
		Amount:      p.Amount,
		SenderID:    ledger.AccountID(p.SenderID),
		ReceiverID:  ledger.AccountID(p.ReceiverID),
		Status:      status,
		Description: p.Description,
	}
}

// Ledger converts the payload.
func (p LoginPayload) Ledger() ledger.LoginEvent {
	return ledger.LoginEvent{ID: p.ID, AccountID: ledger.AccountID(p.AccountID), LoginAt: p.LoginAt.UTC()}
}

// Ledger converts the payload.
func (p AccountPayload) Ledger() ledger.Account {
	return ledger.Account{ID: ledger.AccountID(p.ID), Name: p.Name, Phone: p.Phone, Email: p.Email, Type: p.Type}
}

// NewTransactionEvent wraps a transaction in an envelope.
func NewTransactionEvent(t ledger.Transaction) Envelope {
	return Envelope{
		EventID:    uuid.New(),
		Type:       EventTransaction,
		OccurredAt: t.CreatedAt,
		Transaction: &TransactionPayload{
			ID:          t.ID,
			CreatedAt:   t.CreatedAt,
			Amount:      t.Amount,
			SenderID:    int64(t.SenderID),
			ReceiverID:  int64(t.ReceiverID),
			Status:      string(t.Status),
			Description: t.Description,
		},
	}
}

// NewLoginEvent wraps a login in an envelope.
func NewLoginEvent(l ledger.LoginEvent) Envelope {
	return Envelope{
		EventID:    uuid.New(),
		Type:       EventLogin,
		OccurredAt: l.LoginAt,
		Login:      &LoginPayload{ID: l.ID, AccountID: int64(l.AccountID), LoginAt: l.LoginAt},
	}
}

// NewAccountEvent wraps an account in an envelope.
func NewAccountEvent(a ledger.Account, at time.Time) Envelope {
	return Envelope{
		EventID:    uuid.New(),
		Type:       EventAccount,
		OccurredAt: at,
		Account:    &AccountPayload{ID: int64(a.ID), Name: a.Name, Phone: a.Phone, Email: a.Email, Type: a.Type},
	}
}

// Key returns the partition key. Transfers are keyed by sender so one
// account's outbound history stays ordered within a partition.
func (e Envelope) Key() string {
	switch {
	case e.Transaction != nil:
		return ledger.AccountID(e.Transaction.SenderID).String()
	case e.Login != nil:
		return ledger.AccountID(e.Login.AccountID).String()
	case e.Account != nil:
		return ledger.AccountID(e.Account.ID).String()
	}
	return e.EventID.String()
}
