package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	_ "modernc.org/sqlite"
)

// User is a persisted credential record. Created out-of-band by the useradd
// utility; request handlers never mutate it.
type User struct {
	Username     string
	PasswordHash string
}

// ErrUserExists is returned by Create on a duplicate username.
var ErrUserExists = errors.New("user already exists")

// dummyHash is verified against when the user is absent so that absent-user
// and wrong-password take the same latency class.
const dummyHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$tP0fhj7Z0jCLnLyndzxbtCHHsDLTVQU2bVtEOzmCNT8"

// CredentialStore persists user records in SQL. The backend is sqlite for a
// plain file path DSN and Postgres for a postgres:// DSN.
type CredentialStore struct {
	db       *sql.DB
	postgres bool
}

// OpenCredentialStore opens the backend selected by dsn and ensures the
// users table exists.
func OpenCredentialStore(dsn string) (*CredentialStore, error) {
	driver := "sqlite"
	postgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	if postgres {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	s := &CredentialStore{db: db, postgres: postgres}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewCredentialStore wraps an existing handle (used by tests).
func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// rebind converts ? placeholders to $n for the Postgres backend.
func (s *CredentialStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *CredentialStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS users (
        username TEXT PRIMARY KEY,
        password_hash TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate users: %w", err)
	}
	return nil
}

// Close releases the underlying handle.
func (s *CredentialStore) Close() error { return s.db.Close() }

// Lookup returns the user row, or (nil, nil) when absent. Backend I/O
// failures are returned as errors and surface as 5xx.
func (s *CredentialStore) Lookup(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT username, password_hash FROM users WHERE username = ?`), username)
	var u User
	if err := row.Scan(&u.Username, &u.PasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return &u, nil
}

// Authenticate verifies username/password. Absent user and wrong password
// are indistinguishable: both burn a full argon2 derivation and return false.
func (s *CredentialStore) Authenticate(ctx context.Context, username, password string) (bool, error) {
	u, err := s.Lookup(ctx, username)
	if err != nil {
		return false, err
	}
	if u == nil {
		VerifyPassword(password, dummyHash)
		return false, nil
	}
	return VerifyPassword(password, u.PasswordHash), nil
}

// ValidUsername enforces the username shape: non-empty, at most 64 bytes,
// printable, no whitespace.
func ValidUsername(username string) bool {
	if username == "" || len(username) > 64 {
		return false
	}
	for _, r := range username {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// Create inserts a new user with a freshly derived hash. Only the useradd
// administrative utility calls this; there is no registration endpoint.
func (s *CredentialStore) Create(ctx context.Context, username, password string) error {
	if !ValidUsername(username) {
		return fmt.Errorf("create user: invalid username %q", username)
	}
	existing, err := s.Lookup(ctx, username)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("create user %q: %w", username, ErrUserExists)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO users (username, password_hash) VALUES (?, ?)`), username, hash); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}
