package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ContactData is the payload of contact CREATED/UPDATED events. All fields
// are pointers so an UPDATED event can distinguish "absent" from "set to
// empty": absent fields keep the projection's current value.
type ContactData struct {
	Name     *string `json:"name,omitempty"`
	Username *string `json:"username,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Email    *string `json:"email,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

// TransactionData is the payload of transaction CREATED/UPDATED events.
// Amount is in minor currency units. Direction is "lent" or "owed",
// Kind is "money" or "item". Date fields use "2006-01-02".
type TransactionData struct {
	ContactID   *string `json:"contact_id,omitempty"`
	Kind        *string `json:"type,omitempty"`
	Direction   *string `json:"direction,omitempty"`
	Amount      *int64  `json:"amount,omitempty"`
	Currency    *string `json:"currency,omitempty"`
	Date        *string `json:"transaction_date,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Description *string `json:"description,omitempty"`
}

// UndoData is the payload of an UNDO event. Its sole effect is suppressing
// the target event during replay.
type UndoData struct {
	UndoneEventID string `json:"undone_event_id"`
}

const (
	DirectionLent = "lent"
	DirectionOwed = "owed"

	KindMoney = "money"
	KindItem  = "item"
)

// DecodeContact parses the event payload as ContactData.
func (e *Event) DecodeContact() (*ContactData, error) {
	var d ContactData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("decoding contact payload: %w", err)
	}
	return &d, nil
}

// DecodeTransaction parses the event payload as TransactionData.
func (e *Event) DecodeTransaction() (*TransactionData, error) {
	var d TransactionData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("decoding transaction payload: %w", err)
	}
	return &d, nil
}

// DecodeUndo parses the event payload as UndoData.
func (e *Event) DecodeUndo() (*UndoData, error) {
	var d UndoData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("decoding undo payload: %w", err)
	}
	return &d, nil
}

// UndoneEventID returns the target id of an UNDO event, or "" for any
// other event type or a malformed payload.
func (e *Event) UndoneEventID() string {
	if e.Type != TypeUndo {
		return ""
	}
	d, err := e.DecodeUndo()
	if err != nil {
		return ""
	}
	return d.UndoneEventID
}

// Validate checks the event's structure and payload against its
// (aggregateType, eventType) pair. It returns a descriptive error for the
// first violation found, or nil for a well-formed event.
func Validate(e *Event) error {
	switch e.Type {
	case TypeCreated, TypeUpdated, TypeDeleted, TypeUndo:
	default:
		return fmt.Errorf("invalid event_type %q", e.Type)
	}
	switch e.AggregateType {
	case AggregateContact, AggregateTransaction:
	default:
		return fmt.Errorf("invalid aggregate_type %q", e.AggregateType)
	}
	if e.ID == "" {
		return fmt.Errorf("missing event id")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("missing aggregate id")
	}

	if e.Type == TypeUndo {
		d, err := e.DecodeUndo()
		if err != nil {
			return err
		}
		if d.UndoneEventID == "" {
			return fmt.Errorf("UNDO events must carry undone_event_id")
		}
		if _, err := uuid.Parse(d.UndoneEventID); err != nil {
			return fmt.Errorf("undone_event_id must be a valid UUID")
		}
		return nil
	}

	if e.Type == TypeDeleted {
		return nil
	}

	switch e.AggregateType {
	case AggregateContact:
		d, err := e.DecodeContact()
		if err != nil {
			return err
		}
		if e.Type == TypeCreated && (d.Name == nil || *d.Name == "") {
			return fmt.Errorf("CREATED contact events must carry name")
		}
	case AggregateTransaction:
		d, err := e.DecodeTransaction()
		if err != nil {
			return err
		}
		if d.Amount == nil {
			return fmt.Errorf("transaction events must carry amount")
		}
		if d.Direction == nil {
			return fmt.Errorf("transaction events must carry direction")
		}
		if *d.Direction != DirectionLent && *d.Direction != DirectionOwed {
			return fmt.Errorf("transaction direction must be %q or %q", DirectionLent, DirectionOwed)
		}
		if e.Type == TypeCreated {
			if d.ContactID == nil || *d.ContactID == "" {
				return fmt.Errorf("CREATED transaction events must carry contact_id")
			}
			if _, err := uuid.Parse(*d.ContactID); err != nil {
				return fmt.Errorf("transaction contact_id must be a valid UUID")
			}
		}
	}
	return nil
}
