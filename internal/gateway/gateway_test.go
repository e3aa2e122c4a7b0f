package gateway_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verimeet/broker/internal/gateway"
	"github.com/verimeet/broker/internal/registry"
	"github.com/verimeet/broker/internal/serviceerr"
)

func testPlugin(baseURL string) registry.Plugin {
	return registry.Plugin{
		ID:      "irma",
		Kind:    registry.KindAuth,
		BaseURL: baseURL,
		Secret:  "auth_secret_1234567890178901237890",
	}
}

func TestStartAuth(t *testing.T) {
	ctx := t.Context()

	t.Run("returns the client url", func(t *testing.T) {
		var received gateway.StartAuthRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/start_authentication", r.URL.Path)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

			_ = json.NewEncoder(w).Encode(map[string]string{"client_url": "https://auth.example.com/go"})
		}))
		defer server.Close()

		client := gateway.NewClient(server.Client(), 5*time.Second)

		clientURL, err := client.StartAuth(ctx, testPlugin(server.URL), gateway.StartAuthRequest{
			SessionID:    "session-1",
			Attributes:   []string{"email"},
			Continuation: "https://broker.example.com/session/session-1/continue",
			AttrURL:      "https://broker.example.com/session/abc123/callback/attestation",
		})
		require.NoError(t, err)

		assert.Equal(t, "https://auth.example.com/go", clientURL)
		assert.Equal(t, "session-1", received.SessionID)
		assert.Equal(t, []string{"email"}, received.Attributes)
	})

	t.Run("non-2xx answer is a rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := gateway.NewClient(server.Client(), 5*time.Second)

		_, err := client.StartAuth(ctx, testPlugin(server.URL), gateway.StartAuthRequest{SessionID: "session-1"})
		assert.ErrorIs(t, err, serviceerr.ErrPluginRejected)
	})

	t.Run("empty client url is a rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{})
		}))
		defer server.Close()

		client := gateway.NewClient(server.Client(), 5*time.Second)

		_, err := client.StartAuth(ctx, testPlugin(server.URL), gateway.StartAuthRequest{SessionID: "session-1"})
		assert.ErrorIs(t, err, serviceerr.ErrPluginRejected)
	})

	t.Run("unparseable answer is a rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		client := gateway.NewClient(server.Client(), 5*time.Second)

		_, err := client.StartAuth(ctx, testPlugin(server.URL), gateway.StartAuthRequest{SessionID: "session-1"})
		assert.ErrorIs(t, err, serviceerr.ErrPluginRejected)
	})

	t.Run("dead plugin is unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		server.Close()

		client := gateway.NewClient(http.DefaultClient, 5*time.Second)

		_, err := client.StartAuth(ctx, testPlugin(server.URL), gateway.StartAuthRequest{SessionID: "session-1"})
		assert.ErrorIs(t, err, serviceerr.ErrPluginUnreachable)
	})

	t.Run("slow plugin is unreachable", func(t *testing.T) {
		started := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			// Drain the body so net/http arms its background read; without it
			// the server never notices the client disconnect and r.Context()
			// is never cancelled, deadlocking server.Close.
			_, _ = io.Copy(io.Discard, r.Body)
			close(started)
			<-r.Context().Done()
		}))
		defer server.Close()

		client := gateway.NewClient(server.Client(), 50*time.Millisecond)

		_, err := client.StartAuth(ctx, testPlugin(server.URL), gateway.StartAuthRequest{SessionID: "session-1"})
		assert.ErrorIs(t, err, serviceerr.ErrPluginUnreachable)
		<-started
	})
}

func TestStartComm(t *testing.T) {
	ctx := t.Context()

	t.Run("hands over the verified attributes", func(t *testing.T) {
		var received gateway.StartCommRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/start_communication", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

			_ = json.NewEncoder(w).Encode(map[string]string{"client_url": "https://chat.example.com/room/42"})
		}))
		defer server.Close()

		client := gateway.NewClient(server.Client(), 5*time.Second)

		clientURL, err := client.StartComm(ctx, testPlugin(server.URL), gateway.StartCommRequest{
			SessionID:     "session-1",
			Purpose:       "report_move",
			Attributes:    map[string]string{"email": "user@example.com"},
			CompletionURL: "https://broker.example.com/session/session-1/complete?token=abc",
		})
		require.NoError(t, err)

		assert.Equal(t, "https://chat.example.com/room/42", clientURL)
		assert.Equal(t, "report_move", received.Purpose)
		assert.Equal(t, "user@example.com", received.Attributes["email"])
	})

	t.Run("non-2xx answer is a rejection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}))
		defer server.Close()

		client := gateway.NewClient(server.Client(), 5*time.Second)

		_, err := client.StartComm(ctx, testPlugin(server.URL), gateway.StartCommRequest{SessionID: "session-1"})
		assert.ErrorIs(t, err, serviceerr.ErrPluginRejected)
	})
}

func TestParseAttestation(t *testing.T) {
	client := gateway.NewClient(http.DefaultClient, 5*time.Second)

	_, err := client.ParseAttestation("not a token")
	assert.ErrorIs(t, err, serviceerr.ErrMalformedAttestation)
}
