package httpretry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(tries int) *Client {
	return New(2*time.Second, time.Second, Policy{Tries: tries, Backoff: time.Millisecond}, nil)
}

func getter(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestDo_RetriesRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := newTestClient(3).Do(context.Background(), getter(srv.URL))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_StopsAfterTries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(3).Do(context.Background(), getter(srv.URL))
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad model"))
	}))
	defer srv.Close()

	_, err := newTestClient(3).Do(context.Background(), getter(srv.URL))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Error(), "bad model")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_BuildErrorIsPermanent(t *testing.T) {
	calls := 0
	_, err := newTestClient(3).Do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		calls++
		return nil, errors.New("open segment: missing")
	})
	require.EqualError(t, err, "open segment: missing")
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		assert.True(t, Retryable(code), code)
	}
	for _, code := range []int{400, 401, 404, 422, 501} {
		assert.False(t, Retryable(code), code)
	}
}
