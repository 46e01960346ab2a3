package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/newsgpt/internal/chat"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 2*time.Second)
}

func TestOpenStreamPostsTurn(t *testing.T) {
	received := make(chan streamRequest, 1)
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req streamRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `{"type":"stream_start","sessionId":"s1"}`+"\n")
		io.WriteString(w, `{"type":"stream_end"}`+"\n")
	})

	body, err := client.OpenStream(context.Background(), "latest news?", "abc123")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, streamRequest{Message: "latest news?", SessionID: "abc123"}, <-received)
	assert.Contains(t, string(data), `"stream_start"`)
	assert.Contains(t, string(data), `"stream_end"`)
}

func TestOpenStreamReturnsBodyBeforeCompletion(t *testing.T) {
	release := make(chan struct{})
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"type":"stream_start","sessionId":"s1"}`+"\n")
		w.(http.Flusher).Flush()
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	body, err := client.OpenStream(ctx, "hi", "abc123")
	require.NoError(t, err)
	defer body.Close()

	buf := make([]byte, 64)
	n, err := body.Read(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), `{"type":"stream_start"`))
}

func TestOpenStreamHTTPError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	body, err := client.OpenStream(context.Background(), "hi", "abc123")
	require.Error(t, err)
	assert.Nil(t, body)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "HTTP error! status: 500", err.Error())

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, OpSend, reqErr.Op)
	assert.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
	assert.Contains(t, reqErr.Body, "boom")
}

func TestOpenStreamTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, time.Second)
	_, err := client.OpenStream(context.Background(), "hi", "abc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Zero(t, reqErr.StatusCode)
	assert.NotNil(t, reqErr.Err)
}

func TestFetchHistoryFormats(t *testing.T) {
	want := []chat.HistoryItem{
		{Role: chat.RoleUser, Content: "latest news?"},
		{Role: chat.RoleAssistant, Content: "Here is"},
	}
	cases := map[string]string{
		"envelope":   `{"history":[{"role":"user","content":"latest news?"},{"role":"assistant","content":"Here is"}]}`,
		"bare array": `[{"role":"user","content":"latest news?"},{"role":"assistant","content":"Here is"}]`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/api/chat/session/s1/history", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, payload)
			})

			items, err := client.FetchHistory(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, want, items)
		})
	}
}

func TestFetchHistoryEmptyIsNotAnError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"history":[]}`)
	})

	items, err := client.FetchHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestFetchHistoryFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		},
		"missing key": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"messages":[]}`)
		},
		"null history": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"history":null}`)
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `<html>`)
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestServer(t, handler)
			_, err := client.FetchHistory(context.Background(), "s1")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrHistoryUnavailable)
		})
	}
}

func TestFetchHistoryTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(srv.URL, 50*time.Millisecond)
	start := time.Now()
	_, err := client.FetchHistory(context.Background(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchHistoryEscapesSessionID(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/session/a%2Fb/history", r.URL.EscapedPath())
		io.WriteString(w, `[]`)
	})

	_, err := client.FetchHistory(context.Background(), "a/b")
	require.NoError(t, err)
}

func TestDeleteSession(t *testing.T) {
	var calls atomic.Int32
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/chat/session/s1/clear", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.DeleteSession(context.Background(), "s1"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeleteSessionFailure(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := client.DeleteSession(context.Background(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionDeleteFailed)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestDecodeHistory(t *testing.T) {
	items, err := DecodeHistory([]byte(`  [{"role":"system","content":"x"}] `))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, chat.SenderBot, chat.SenderForRole(items[0].Role))

	_, err = DecodeHistory(nil)
	assert.Error(t, err)
}
