// Package state derives the materialized ledger state (contacts,
// transactions, balances) from an ordered event sequence. The builder is a
// pure function over events: projections are never mutated in place, only
// replaced wholesale by a rebuild.
package state

import "time"

// Contact is the projection of a contact aggregate. Balance is derived
// from the surviving transactions: lent adds, owed subtracts.
type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Username  *string   `json:"username,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	Email     *string   `json:"email,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Synced    bool      `json:"synced"`
}

// Transaction is the projection of a transaction aggregate. Amount is in
// minor currency units, Date is "2006-01-02".
type Transaction struct {
	ID          string    `json:"id"`
	ContactID   string    `json:"contact_id"`
	Kind        string    `json:"type"`
	Direction   string    `json:"direction"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Date        string    `json:"transaction_date"`
	DueDate     *string   `json:"due_date,omitempty"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Synced      bool      `json:"synced"`
}

// AppState is the full materialized state of one wallet.
type AppState struct {
	Contacts     map[string]*Contact     `json:"contacts"`
	Transactions map[string]*Transaction `json:"transactions"`
}

// NewAppState returns an empty state.
func NewAppState() *AppState {
	return &AppState{
		Contacts:     make(map[string]*Contact),
		Transactions: make(map[string]*Transaction),
	}
}

// Clone returns a deep copy. Incremental apply folds onto a copy so the
// caller's snapshot baseline is never mutated.
func (s *AppState) Clone() *AppState {
	out := NewAppState()
	for id, c := range s.Contacts {
		cc := *c
		out.Contacts[id] = &cc
	}
	for id, t := range s.Transactions {
		tt := *t
		out.Transactions[id] = &tt
	}
	return out
}

// Balance returns the contact's balance, or 0 for an unknown contact.
func (s *AppState) Balance(contactID string) int64 {
	if c, ok := s.Contacts[contactID]; ok {
		return c.Balance
	}
	return 0
}
