package testutil

import (
	"database/sql"
	"testing"

	jwt "github.com/golang-jwt/jwt/v5"

	"dronedispatch/internal/db"
)

// OpenInMemoryDB opens an in-memory SQLite database and applies migrations.
// Caller is responsible for closing the DB, typically via t.Cleanup.
func OpenInMemoryDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	// We use a shared cache memory database so that multiple connections share the same DB if needed.
	d, err := db.Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// GenerateJWTHS256 returns a signed JWT string with minimal claims used by the app.
func GenerateJWTHS256(t *testing.T, secret, name, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"name": name,
		"role": role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// BearerHeader formats a token as an Authorization header value.
func BearerHeader(token string) string {
	return "Bearer " + token
}
