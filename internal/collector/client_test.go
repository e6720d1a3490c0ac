package collector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/testinsights/internal/protocol"
)

func TestContactSendsRunKeyAndToken(t *testing.T) {
	var gotHeaders http.Header
	var gotReq protocol.ContactRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/uploads" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"cable":"ws://collector/cable","channel":"run-1"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/v1/uploads", "secret", time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Contact(ctx, "build-42")
	require.NoError(t, err)

	assert.Equal(t, "ws://collector/cable", resp.Cable)
	assert.Equal(t, "run-1", resp.Channel)
	assert.Equal(t, "build-42", gotReq.RunKey)
	assert.Equal(t, `Token token="secret"`, gotHeaders.Get("Authorization"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
}

func TestContactErrorResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		errMsg string
	}{
		{"error payload", http.StatusUnauthorized, `{"error":"bad token"}`, "collector error: bad token"},
		{"plain error", http.StatusBadGateway, `upstream down`, "collector returned status 502: upstream down"},
		{"malformed success", http.StatusOK, `not json`, "failed to decode contact response"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			client := NewClient(server.URL, "secret", time.Second, nil)
			_, err := client.Contact(context.Background(), "run")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestContactMissingStreamingFields(t *testing.T) {
	for _, body := range []string{`{}`, `{"cable":"ws://x"}`, `{"channel":"c"}`} {
		body := body
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, body)
		}))

		client := NewClient(server.URL, "secret", time.Second, nil)
		_, err := client.Contact(context.Background(), "run")
		assert.ErrorIs(t, err, ErrStreamingUnavailable, body)

		server.Close()
	}
}

func TestContactTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, "secret", 50*time.Millisecond, nil)
	start := time.Now()
	_, err := client.Contact(context.Background(), "run")

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNonPositiveTimeoutFallsBackToDefault(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		client := NewClient("http://collector.test", "secret", timeout, nil)
		assert.Equal(t, DefaultTimeout, client.httpClient.Timeout)
	}

	client := NewClient("http://collector.test", "secret", 250*time.Millisecond, nil)
	assert.Equal(t, 250*time.Millisecond, client.httpClient.Timeout)
}

func TestRunKey(t *testing.T) {
	assert.Equal(t, "build-42", RunKey("build-42"))

	generated := RunKey("")
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
	assert.NotEqual(t, generated, RunKey(""))
}
