package lichess

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveSendsTokenAndPath(t *testing.T) {
	var gotPath, gotAuth, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth, gotMethod = r.URL.Path, r.Header.Get("Authorization"), r.Method
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123")
	require.NoError(t, c.Move(context.Background(), "abcd1234", "e2e4"))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/bot/game/abcd1234/move/e2e4", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestRateLimitCarriesRetryHint(t *testing.T) {
	cases := []struct {
		name   string
		header string
		value  string
		want   time.Duration
	}{
		{"seconds", "Retry-After", "2", 2 * time.Second},
		{"millis", "Retry-After-Ms", "1500", 1500 * time.Millisecond},
		{"none", "", "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set(tc.header, tc.value)
				}
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, "slow down")
			}))
			defer srv.Close()

			err := NewClient(srv.URL, "t").Move(context.Background(), "g", "e2e4")
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.True(t, se.IsRateLimit())
			assert.Equal(t, tc.want, se.RetryAfter())
			assert.Contains(t, se.Error(), "status=429")
		})
	}
}

func TestHardFailureIsNotRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"Not your turn, or game already over"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "t").Move(context.Background(), "g", "e2e4")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.False(t, se.IsRateLimit())
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Contains(t, se.Body, "Not your turn")
}

func TestAccountRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"id":"cheesebot","username":"CheeseBot","perfs":{"blitz":{"rating":1712,"games":40}}}`)
	}))
	defer srv.Close()

	acc, err := NewClient(srv.URL, "t").Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "CheeseBot", acc.Username)
	assert.Equal(t, 1712, acc.Rating("rapid"))
	assert.Equal(t, 1500, (&Account{}).Rating("blitz"))
}

func TestSeekPostsForm(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"time":      r.PostForm.Get("time"),
			"increment": r.PostForm.Get("increment"),
			"rated":     r.PostForm.Get("rated"),
			"color":     r.PostForm.Get("color"),
		}
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "t").Seek(context.Background(), SeekRequest{TimeMinutes: 5, IncrementSeconds: 3, Rated: true, Color: "random"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"time": "5", "increment": "3", "rated": "true", "color": "random"}, form)
}

func TestRetryHintPrefersMilliseconds(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, retryHint("250", "", "9"))
	assert.Equal(t, 400*time.Millisecond, retryHint("", "400", "9"))
	assert.Equal(t, 9*time.Second, retryHint("", "", "9"))
	assert.Equal(t, time.Duration(0), retryHint("x", "", "nope"))
}
