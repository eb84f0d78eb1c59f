package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dronedispatch/models"
)

// ErrUnauthenticated marks a missing or invalid principal.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrPermissionDenied marks a caller whose role does not allow the action.
var ErrPermissionDenied = errors.New("permission denied")

// UserLookup resolves a username to a stored user. Satisfied by
// repository.UserRepository.
type UserLookup interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// RequirePrincipal ensures a principal is present in context.
func RequirePrincipal(ctx context.Context) (*Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: missing principal", ErrUnauthenticated)
	}
	return p, nil
}

// RequireRole ensures the principal carries the given role (lowercased compare).
func RequireRole(ctx context.Context, role models.Role) (*Principal, error) {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if p.Role != strings.ToLower(string(role)) {
		return nil, fmt.Errorf("%w: only %s can perform this action", ErrPermissionDenied, role)
	}
	return p, nil
}

// RequireStaff ensures the caller is an admin or manager.
func RequireStaff(ctx context.Context) (*Principal, error) {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if p.Role != string(models.RoleAdmin) && p.Role != string(models.RoleManager) {
		return nil, fmt.Errorf("%w: only admin or manager can perform this action", ErrPermissionDenied)
	}
	return p, nil
}

// RequireAdmin ensures the caller is an admin principal AND that the underlying
// user exists with role 'admin'. This prevents spoofing by a non-admin token.
func RequireAdmin(ctx context.Context, users UserLookup) (*Principal, error) {
	p, err := RequireRole(ctx, models.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if users == nil {
		return nil, errors.New("users repository not configured")
	}
	u, err := users.GetByUsername(ctx, p.Name)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil || u.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only admin can perform this action", ErrPermissionDenied)
	}
	return p, nil
}
