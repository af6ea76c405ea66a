package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnthropicServer(t *testing.T, reply string, gotSystem *string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var req struct {
			Model     string `json:"model"`
			System    string `json:"system"`
			MaxTokens int    `json:"max_tokens"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 100, req.MaxTokens)
		*gotSystem = req.System

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       req.Model,
			"content":     []map[string]any{{"type": "text", "text": reply}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
}

func TestAnthropicCompleter(t *testing.T) {
	var system string
	srv := newAnthropicServer(t, `{"ad": true, "reason": "telegram channel promo"}`, &system)
	defer srv.Close()

	c := newAnthropicCompleter("test-key", srv.URL, "claude-test")
	assert.Equal(t, "claude-test", c.model())

	m := &Moderator{backend: c, system: loadSystemPrompt("", false)}
	v, err := m.Classify(context.Background(), "join my channel for free signals")
	require.NoError(t, err)
	assert.True(t, v.IsAdvertisement)
	assert.Equal(t, "telegram channel promo", v.Reason)
	assert.Contains(t, system, "content moderation assistant")
}

func TestAnthropicCompleter_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"overloaded"}}`))
	}))
	defer srv.Close()

	c := newAnthropicCompleter("test-key", srv.URL, "claude-test")
	_, err := c.complete(context.Background(), "sys", "hello")
	assert.Error(t, err)
}
