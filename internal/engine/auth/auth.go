// Package auth models the two-role actor contract: interviewers conduct
// sessions, admins additionally own the quality-review fields.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	RoleInterviewer = "interviewer"
	RoleAdmin       = "admin"
)

// Actor is the request-scoped identity passed into every engine operation.
type Actor struct {
	ID   string
	Role string
}

// PermissionError indicates an actor lacking authority for an operation,
// typically a non-admin touching quality_* fields.
type PermissionError struct {
	ActorID   string
	Role      string
	Operation string
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("role %s cannot perform %s", e.Role, e.Operation)
}

// ValidRole reports whether role is a known role.
func ValidRole(role string) bool {
	return role == RoleInterviewer || role == RoleAdmin
}

// RequireAdmin gates administrator-authority operations.
func RequireAdmin(actor Actor, operation string) error {
	if actor.Role != RoleAdmin {
		return PermissionError{ActorID: actor.ID, Role: actor.Role, Operation: operation}
	}
	return nil
}

// Service persists actor records.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actor Actor) error {
	if actor.ID == "" {
		return errors.New("actor id required")
	}
	role := actor.Role
	if role == "" {
		role = RoleInterviewer
	}
	if !ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, role, created_at) VALUES (?,?,?)`, actor.ID, role, now)
	return err
}

// ActorRole looks up the stored role for an actor id.
func (s Service) ActorRole(ctx context.Context, actorID string) (string, error) {
	var role string
	err := s.DB.QueryRowContext(ctx, `SELECT role FROM actors WHERE id=?`, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, err
}
