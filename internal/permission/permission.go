// Package permission resolves (user, entity, action) requests against a
// group-permission matrix. Users and entities are bucketed into named
// groups; rows of the matrix grant or deny an action between a user group
// and a scope group. Deny always wins over allow, and absence of any
// matching row means no permission.
package permission

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/walletsync/internal/event"
)

// Action names the operations the matrix can grant or deny.
type Action string

const (
	ActionContactCreate     Action = "contact:create"
	ActionContactUpdate     Action = "contact:update"
	ActionContactDelete     Action = "contact:delete"
	ActionTransactionCreate Action = "transaction:create"
	ActionTransactionUpdate Action = "transaction:update"
	ActionTransactionDelete Action = "transaction:delete"
	ActionEventUndo         Action = "event:undo"
)

// Universal group names. Every wallet member is implicitly in
// GroupAllUsers; every entity is implicitly in GroupAllContacts.
const (
	GroupAllUsers    = "all_users"
	GroupAllContacts = "all_contacts"
)

// Wallet roles that bypass the matrix entirely.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Entry is one row of the permission matrix: a grant (Deny=false) or a
// denial (Deny=true) of Action between a user group and a scope group.
type Entry struct {
	UserGroupID  string
	ScopeGroupID string
	Action       Action
	Deny         bool
}

// Store supplies the group memberships and matrix rows the resolver needs.
type Store interface {
	// RoleOf returns the user's wallet role (owner/admin/member), or
	// common.ErrorNotFound when the user is not a wallet member.
	RoleOf(ctx context.Context, walletID, userID string) (string, error)

	// UserGroups returns the ids of the groups the user belongs to in the
	// wallet, always including the implicit all_users group.
	UserGroups(ctx context.Context, walletID, userID string) ([]string, error)

	// ScopeGroups returns the ids of the groups the entity belongs to,
	// always including the implicit all_contacts group. entityID may be
	// empty for wallet-level actions, which resolve against the universal
	// group only.
	ScopeGroups(ctx context.Context, walletID string, at event.AggregateType, entityID string) ([]string, error)

	// Entries returns the matrix rows matching any (userGroup, scopeGroup)
	// combination for the action.
	Entries(ctx context.Context, walletID string, userGroups, scopeGroups []string, action Action) ([]Entry, error)
}

// Resolver computes effective permissions from a Store.
type Resolver struct {
	store Store
}

// NewResolver returns a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve reports whether the user may perform action on the entity.
//
// Owner and admin roles short-circuit to allow. Otherwise the user's and
// entity's group sets are crossed against the matrix: allowed if any
// matching row grants the action, denied if any matching row denies it,
// and deny always overrides allow. No matching rows means default deny.
func (r *Resolver) Resolve(ctx context.Context, walletID, userID string, at event.AggregateType, entityID string, action Action) (bool, error) {
	role, err := r.store.RoleOf(ctx, walletID, userID)
	if err != nil {
		return false, fmt.Errorf("resolving wallet role: %w", err)
	}
	if role == RoleOwner || role == RoleAdmin {
		return true, nil
	}

	userGroups, err := r.store.UserGroups(ctx, walletID, userID)
	if err != nil {
		return false, fmt.Errorf("resolving user groups: %w", err)
	}
	scopeGroups, err := r.store.ScopeGroups(ctx, walletID, at, entityID)
	if err != nil {
		return false, fmt.Errorf("resolving scope groups: %w", err)
	}
	if len(userGroups) == 0 || len(scopeGroups) == 0 {
		return false, nil
	}

	entries, err := r.store.Entries(ctx, walletID, userGroups, scopeGroups, action)
	if err != nil {
		return false, fmt.Errorf("loading permission entries: %w", err)
	}

	allowed := false
	for _, e := range entries {
		if e.Deny {
			return false, nil
		}
		allowed = true
	}
	return allowed, nil
}

// ActionForEvent maps an event to the action the pusher must hold.
func ActionForEvent(e *event.Event) Action {
	if e.Type == event.TypeUndo {
		return ActionEventUndo
	}
	switch e.AggregateType {
	case event.AggregateTransaction:
		switch e.Type {
		case event.TypeCreated:
			return ActionTransactionCreate
		case event.TypeDeleted:
			return ActionTransactionDelete
		default:
			return ActionTransactionUpdate
		}
	default:
		switch e.Type {
		case event.TypeCreated:
			return ActionContactCreate
		case event.TypeDeleted:
			return ActionContactDelete
		default:
			return ActionContactUpdate
		}
	}
}
