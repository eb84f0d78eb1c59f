package auth

import (
	"context"
	"testing"

	"dronedispatch/internal/testutil"
	"dronedispatch/models"
)

const testSecret = "test-secret"

func TestParseBearer_Valid(t *testing.T) {
	tok := testutil.GenerateJWTHS256(t, testSecret, "alice", "customer")
	p, err := ParseBearer(testutil.BearerHeader(tok), testSecret)
	if err != nil {
		t.Fatalf("ParseBearer: %v", err)
	}
	if p.Name != "alice" || p.Role != "customer" {
		t.Fatalf("principal mismatch: %+v", p)
	}
}

func TestParseBearer_MissingHeader(t *testing.T) {
	if _, err := ParseBearer("", testSecret); err == nil {
		t.Fatalf("expected error for missing header")
	}
}

func TestParseBearer_InvalidScheme(t *testing.T) {
	tok := testutil.GenerateJWTHS256(t, testSecret, "bob", "admin")
	if _, err := ParseBearer("Basic "+tok, testSecret); err == nil {
		t.Fatalf("expected error for non-Bearer scheme")
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	tok := testutil.GenerateJWTHS256(t, testSecret, "bob", "admin")
	if _, err := ParseToken(tok, "wrong"); err == nil {
		t.Fatalf("expected error for wrong secret")
	}
}

func TestParseJWT_ClaimsValidation(t *testing.T) {
	// Missing name/role -> invalid
	tok := testutil.GenerateJWTHS256(t, testSecret, "", "")
	if _, err := parseJWT(tok, testSecret); err == nil {
		t.Fatalf("expected invalid claims error")
	}
}

func TestRequireRole(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{Name: "alice", Role: "customer"})
	if _, err := RequireRole(ctx, models.RoleCustomer); err != nil {
		t.Fatalf("RequireRole(customer): %v", err)
	}
	if _, err := RequireRole(ctx, models.RoleAdmin); err == nil {
		t.Fatalf("customer should not pass admin check")
	}
	if _, err := RequireRole(context.Background(), models.RoleCustomer); err == nil {
		t.Fatalf("missing principal should fail")
	}
}

func TestRequireStaff(t *testing.T) {
	for _, role := range []string{"admin", "manager"} {
		ctx := WithPrincipal(context.Background(), &Principal{Name: "x", Role: role})
		if _, err := RequireStaff(ctx); err != nil {
			t.Fatalf("RequireStaff(%s): %v", role, err)
		}
	}
	ctx := WithPrincipal(context.Background(), &Principal{Name: "x", Role: "customer"})
	if _, err := RequireStaff(ctx); err == nil {
		t.Fatalf("customer should not pass staff check")
	}
}
