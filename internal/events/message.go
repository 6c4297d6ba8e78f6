// Package events carries committed ledger events over a Redis stream.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
)

// DefaultStream is the stream committed ledger events are appended to.
const DefaultStream = "ledger.events"

const messageField = "event"

// AccountPayload is the public view of an account inside an event.
type AccountPayload struct {
	AccountNumber string `json:"accountNumber"`
	AccountHolder string `json:"accountHolder"`
	AccountType   string `json:"accountType"`
	Balance       int64  `json:"balance"`
	Active        bool   `json:"active"`
}

// TransferPayload describes a committed transfer and both resulting balances.
type TransferPayload struct {
	TransactionID string    `json:"transactionId"`
	From          string    `json:"from"`
	FromBalance   int64     `json:"fromBalance"`
	To            string    `json:"to"`
	ToBalance     int64     `json:"toBalance"`
	Amount        int64     `json:"amount"`
	Description   string    `json:"description"`
	Timestamp     time.Time `json:"timestamp"`
}

// Message is the JSON document stored under the "event" field of each stream entry.
type Message struct {
	Type       string           `json:"type"`
	OccurredAt time.Time        `json:"occurredAt"`
	Account    *AccountPayload  `json:"account,omitempty"`
	Transfer   *TransferPayload `json:"transfer,omitempty"`
}

// NewMessage converts a ledger event. Secret hashes never leave the ledger.
func NewMessage(event ledger.Event) Message {
	message := Message{Type: string(event.Type), OccurredAt: event.OccurredAt.UTC()}
	if event.Account != nil {
		account := event.Account.Public()
		message.Account = &AccountPayload{
			AccountNumber: account.Number.String(),
			AccountHolder: account.Holder.String(),
			AccountType:   account.Type.String(),
			Balance:       account.Balance.Int64(),
			Active:        account.Active,
		}
	}
	if event.Transfer != nil {
		transfer := event.Transfer
		message.Transfer = &TransferPayload{
			TransactionID: transfer.TransactionID.String(),
			From:          transfer.From.AccountNumber.String(),
			FromBalance:   transfer.From.NewBalance.Int64(),
			To:            transfer.To.AccountNumber.String(),
			ToBalance:     transfer.To.NewBalance.Int64(),
			Amount:        transfer.Amount.Int64(),
			Description:   transfer.Description.String(),
			Timestamp:     transfer.Timestamp.UTC(),
		}
	}
	return message
}

func encodeMessage(message Message) (string, error) {
	encoded, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(encoded), nil
}

func decodeMessage(values map[string]any) (Message, error) {
	raw, ok := values[messageField].(string)
	if !ok {
		return Message{}, fmt.Errorf("%w: missing %q field", ErrMalformedMessage, messageField)
	}
	var message Message
	if err := json.Unmarshal([]byte(raw), &message); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return message, nil
}
