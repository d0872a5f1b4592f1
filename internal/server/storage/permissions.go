package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/walletsync/internal/common"
	"github.com/dmitrijs2005/walletsync/internal/dbx"
	"github.com/dmitrijs2005/walletsync/internal/event"
	"github.com/dmitrijs2005/walletsync/internal/permission"
)

// PermissionRepository backs the permission resolver with the wallet
// membership and group-matrix tables. Implements permission.Store.
type PermissionRepository struct {
	db dbx.DBTX
}

// NewPermissionRepository constructs a repository bound to the given DBTX.
func NewPermissionRepository(db dbx.DBTX) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// RoleOf returns the user's wallet role, or common.ErrorNotFound when the
// user is not a member.
func (r *PermissionRepository) RoleOf(ctx context.Context, walletID, userID string) (string, error) {
	var role string
	err := r.db.QueryRowContext(ctx,
		`SELECT role FROM wallet_members WHERE wallet_id = $1 AND user_id = $2`,
		walletID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("selecting wallet role: %w", err)
	}
	return role, nil
}

// UserGroups returns the user's group ids plus the implicit all_users group.
func (r *PermissionRepository) UserGroups(ctx context.Context, walletID, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT g.id FROM user_groups g
		 JOIN user_group_members m ON m.group_id = g.id
		 WHERE g.wallet_id = $1 AND m.user_id = $2`, walletID, userID)
	if err != nil {
		return nil, fmt.Errorf("selecting user groups: %w", err)
	}
	return collectIDs(rows, permission.GroupAllUsers)
}

// ScopeGroups returns the entity's group ids plus the implicit
// all_contacts group. An empty entityID resolves to the universal group
// only.
func (r *PermissionRepository) ScopeGroups(ctx context.Context, walletID string, _ event.AggregateType, entityID string) ([]string, error) {
	if entityID == "" {
		return []string{permission.GroupAllContacts}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT g.id FROM scope_groups g
		 JOIN scope_group_members m ON m.group_id = g.id
		 WHERE g.wallet_id = $1 AND m.entity_id = $2`, walletID, entityID)
	if err != nil {
		return nil, fmt.Errorf("selecting scope groups: %w", err)
	}
	return collectIDs(rows, permission.GroupAllContacts)
}

// Entries returns the matrix rows matching any (userGroup, scopeGroup)
// pair for the action.
func (r *PermissionRepository) Entries(ctx context.Context, walletID string, userGroups, scopeGroups []string, action permission.Action) ([]permission.Entry, error) {
	if len(userGroups) == 0 || len(scopeGroups) == 0 {
		return nil, nil
	}

	args := []any{walletID, string(action)}
	userPh := placeholders(len(userGroups), len(args)+1)
	for _, g := range userGroups {
		args = append(args, g)
	}
	scopePh := placeholders(len(scopeGroups), len(args)+1)
	for _, g := range scopeGroups {
		args = append(args, g)
	}

	query := `SELECT user_group_id, scope_group_id, action, is_deny FROM permission_entries
		 WHERE wallet_id = $1 AND action = $2
		 AND user_group_id IN (` + userPh + `) AND scope_group_id IN (` + scopePh + `)`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting permission entries: %w", err)
	}
	defer rows.Close()

	var result []permission.Entry
	for rows.Next() {
		var e permission.Entry
		if err := rows.Scan(&e.UserGroupID, &e.ScopeGroupID, &e.Action, &e.Deny); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func collectIDs(rows *sql.Rows, universal string) ([]string, error) {
	defer rows.Close()
	ids := []string{universal}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// placeholders renders "$from, $from+1, ..." for n arguments.
func placeholders(n, from int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}
