package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/shellmux/internal/api/http/dto"
	"github.com/EternisAI/shellmux/internal/session"
)

func kinds(resp dto.SessionEventsResponse) []string {
	out := make([]string, len(resp.Events))
	for i, ev := range resp.Events {
		out[i] = ev.Kind
	}
	return out
}

func TestAuditTrail(t *testing.T, env *Env) {
	s := env.Registry.Create(testCreds)
	require.NoError(t, env.Registry.Connect(context.Background(), s))
	env.Registry.Record(s, session.KindCommand, "uname -a")
	env.Registry.Destroy(s.ID)
	env.Store.Flush()

	t.Run("events survive the session", func(t *testing.T) {
		rr := env.admin("GET", "/api/v1/sessions/"+s.ID+"/events")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.SessionEventsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, s.ID, resp.SessionID)
		assert.ElementsMatch(t, []string{
			session.KindCreated,
			session.KindConnected,
			session.KindCommand,
			session.KindDestroyed,
		}, kinds(resp))

		for _, ev := range resp.Events {
			assert.Equal(t, "10.20.0.7", ev.Host)
			assert.Equal(t, "ops", ev.Username)
			assert.False(t, ev.CreatedAt.IsZero())
			if ev.Kind == session.KindCommand {
				assert.Equal(t, "uname -a", ev.Detail)
			}
		}
	})

	t.Run("unknown session has an empty trail", func(t *testing.T) {
		rr := env.admin("GET", "/api/v1/sessions/7d0f3c7e-0000-4000-8000-000000000000/events")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.SessionEventsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Empty(t, resp.Events)
	})

	t.Run("malformed id", func(t *testing.T) {
		rr := env.admin("GET", "/api/v1/sessions/nope/events")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestSessionAdmin(t *testing.T, env *Env) {
	s := env.Registry.Create(testCreds)
	require.NoError(t, env.Registry.Connect(context.Background(), s))

	t.Run("requires api key", func(t *testing.T) {
		rr := doRequest(env.Router, "GET", "/api/v1/sessions", "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("list", func(t *testing.T) {
		rr := env.admin("GET", "/api/v1/sessions")
		require.True(t, ok(rr))

		var resp dto.SessionsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, s.ID, resp.Sessions[0].ID)
	})

	t.Run("end", func(t *testing.T) {
		rr := env.admin("DELETE", "/api/v1/sessions/"+s.ID)
		require.True(t, ok(rr))

		rr = env.admin("DELETE", "/api/v1/sessions/"+s.ID)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
