package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHeaders map[string]string

func (h staticHeaders) AuthHeaders() map[string]string { return h }

func respond(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestClient_Rabbis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/chat/rabbis", r.URL.Path)
		respond(w, map[string]any{
			"rabbis": []Rabbi{
				{ID: "rashi", Name: "Rashi", Era: "Medieval", Specialties: []string{"Chumash", "Talmud"}},
				{ID: "rambam", Name: "Rambam", Era: "Medieval"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	rabbis, err := client.Rabbis(context.Background())
	require.NoError(t, err)
	require.Len(t, rabbis, 2)
	assert.Equal(t, "rashi", rabbis[0].ID)
	assert.Equal(t, []string{"Chumash", "Talmud"}, rabbis[0].Specialties)
}

func TestClient_CreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/session", r.URL.Path)
		respond(w, map[string]string{"sessionId": "sess-42"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	id, err := client.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-42", id)
}

func TestClient_SendsAuthHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		respond(w, map[string]any{"sessions": []SessionSummary{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, staticHeaders{"Authorization": "Bearer tok-123"})
	_, err := client.Sessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", got)
}

func TestClient_SendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "What is Shabbat?", req.Message)
		assert.Equal(t, "rashi", req.Rabbi)
		respond(w, SendResult{
			AIResponse: "Shabbat is the seventh day.",
			References: []Reference{{Reference: "Bereshit 2:2", URL: "https://example.org/bereshit/2"}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	res, err := client.SendMessage(context.Background(), SendRequest{
		Message:   "What is Shabbat?",
		SessionID: "sess-1",
		Rabbi:     "rashi",
	})
	require.NoError(t, err)
	assert.Equal(t, "Shabbat is the seventh day.", res.AIResponse)
	require.Len(t, res.References, 1)
	assert.Equal(t, "Bereshit 2:2", res.References[0].Reference)
}

func TestClient_SendMessage_MissingAnswerIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Well-formed envelope, missing the answer field.
		respond(w, map[string]any{"references": []Reference{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.SendMessage(context.Background(), SendRequest{Message: "hi", SessionID: "s", Rabbi: "r"})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClient_SendMessage_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model unavailable"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.SendMessage(context.Background(), SendRequest{Message: "hi", SessionID: "s", Rabbi: "r"})
	require.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestClient_SendMessage_Abort(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background connection
		// read; otherwise the client disconnect is never observed and
		// r.Context() never cancels, deadlocking srv.Close.
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := client.SendMessage(ctx, SendRequest{Message: "hi", SessionID: "s", Rabbi: "r"})
		errCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not abort")
	}
}

func TestClient_ClientErrorIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"session not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.History(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "session not found", apiErr.Message)
}

func TestClient_Translate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/translate", r.URL.Path)
		respond(w, TranslateResult{TranslatedText: "שלום", DetectedSourceLang: "en"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	res, err := client.Translate(context.Background(), TranslateRequest{Text: "hello", TargetLang: "he"})
	require.NoError(t, err)
	assert.Equal(t, "שלום", res.TranslatedText)
	assert.Equal(t, "en", res.DetectedSourceLang)
}

func TestClient_MissingEnvelopeIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rabbis": []}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.Rabbis(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
