package auth

import (
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const MinPasswordLength = 12

// HashPassword returns the bcrypt hash stored in the config.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Gate is the single shared basic auth check in front of the HTTP surface.
type Gate struct {
	realm string
	users map[string][]byte
	// dummy is compared for unknown users so they cost the same as known ones.
	dummy []byte
}

// NewGate builds a gate from user -> bcrypt password hash.
func NewGate(realm string, users map[string]string) (*Gate, error) {
	g := &Gate{
		realm: realm,
		users: make(map[string][]byte, len(users)),
	}
	for user, hashed := range users {
		if _, err := bcrypt.Cost([]byte(hashed)); err != nil {
			return nil, fmt.Errorf("invalid password hash for user %q: %w", user, err)
		}
		g.users[user] = []byte(hashed)
		if g.dummy == nil {
			g.dummy = []byte(hashed)
		}
	}
	return g, nil
}

// Check reports whether password is valid for user.
func (g *Gate) Check(user, password string) bool {
	want, ok := g.users[user]
	if !ok {
		if g.dummy != nil {
			_ = bcrypt.CompareHashAndPassword(g.dummy, []byte(password))
		}
		return false
	}
	return bcrypt.CompareHashAndPassword(want, []byte(password)) == nil
}

// Middleware rejects requests without valid credentials with a challenge.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !g.Check(user, password) {
			if ok {
				slog.Info("Rejected credentials", "user", user, "path", r.URL.Path)
			}
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", g.realm))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
