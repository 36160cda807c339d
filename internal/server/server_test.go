package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenFromRequest(t *testing.T) {
	t.Run("auth.token query field", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?auth.token=abc", nil)
		require.Equal(t, "abc", tokenFromRequest(r))
	})

	t.Run("bearer header fallback", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer def")
		require.Equal(t, "def", tokenFromRequest(r))
	})

	t.Run("auth.token takes priority over header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?auth.token=abc", nil)
		r.Header.Set("Authorization", "Bearer def")
		require.Equal(t, "abc", tokenFromRequest(r))
	})

	t.Run("no credentials", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		require.Equal(t, "", tokenFromRequest(r))
	})
}
