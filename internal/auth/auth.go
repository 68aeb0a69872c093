// Package auth resolves request credentials against a static user table.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/dyike/TradeFlowGo/internal/store"
)

// User is one entry in the users file.
type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Admin    bool   `json:"admin"`
}

// Table holds the credential set loaded from the users file.
// Lookups are read-only after Load, so no locking is needed.
type Table struct {
	users  map[string]User
	logger *slog.Logger
}

// Load reads the JSON users file at path. A missing file is not an
// error: it yields an empty table and every request stays anonymous.
func Load(path string, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	t := &Table{users: make(map[string]User), logger: logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("users file absent, all requests anonymous", "path", path)
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parse users file %s: %w", path, err)
	}
	for _, u := range users {
		if u.Username == "" {
			continue
		}
		t.users[u.Username] = u
	}
	logger.Info("loaded users", "count", len(t.users))
	return t, nil
}

// Authenticate maps credentials to an identity. Unknown usernames and
// wrong passwords yield the anonymous identity rather than an error,
// so unauthenticated clients can still create and watch their own
// unscoped sessions.
func (t *Table) Authenticate(username, password string) store.Identity {
	u, ok := t.users[username]
	if !ok {
		return store.Anonymous
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return store.Anonymous
	}
	return store.Identity{UserID: u.Username, Admin: u.Admin}
}

// IsAdmin reports whether the named user exists and has the admin flag.
func (t *Table) IsAdmin(username string) bool {
	u, ok := t.users[username]
	return ok && u.Admin
}
