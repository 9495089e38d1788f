package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		password    string
		expectError bool
	}{
		{
			name:     "valid password",
			password: "correct horse battery staple",
		},
		{
			name:        "password too short",
			password:    "short",
			expectError: true,
		},
		{
			name:     "password exactly minimum length",
			password: "123456789012",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(hash, "$2a$"), hash)
		})
	}
}

func TestHashPasswordIsSalted(t *testing.T) {
	t.Parallel()
	first, err := HashPassword("correcthorse1")
	require.NoError(t, err)
	second, err := HashPassword("correcthorse1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	gate, err := NewGate("logs", map[string]string{"a": first, "b": second})
	require.NoError(t, err)
	require.True(t, gate.Check("a", "correcthorse1"))
	require.True(t, gate.Check("b", "correcthorse1"))
	require.False(t, gate.Check("a", "correcthorse2"))
	require.False(t, gate.Check("nobody", "correcthorse1"))
}

func TestNewGateRejectsBadHash(t *testing.T) {
	t.Parallel()
	_, err := NewGate("logs", map[string]string{"admin": "not-hex"})
	require.Error(t, err)

	// A plain sha256 hex digest is not a bcrypt hash.
	_, err = NewGate("logs", map[string]string{"admin": "a22aeb2b5a5f3c5dbf01b1d1e1f7c1c0e5a5a8c6b7d4e3f2a1b0c9d8e7f67c75"})
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	gate, err := NewGate("logs", map[string]string{"admin": hash})
	require.NoError(t, err)

	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		wantStatus int
	}{
		{name: "no credentials", wantStatus: http.StatusUnauthorized},
		{name: "wrong password", user: "admin", pass: "wrong password!", setAuth: true, wantStatus: http.StatusUnauthorized},
		{name: "unknown user", user: "eve", pass: "correct horse battery staple", setAuth: true, wantStatus: http.StatusUnauthorized},
		{name: "valid", user: "admin", pass: "correct horse battery staple", setAuth: true, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				require.Equal(t, `Basic realm="logs"`, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}
