// Package httpretry wraps outbound AI API calls with bounded constant backoff.
package httpretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// StatusError is a non-2xx response from the remote API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, truncate(e.Body, 500))
}

// retryable lists statuses worth another attempt.
var retryable = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooEarly:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Retryable reports whether status should be retried.
func Retryable(status int) bool {
	return retryable[status]
}

// Policy bounds the attempts of one logical call.
type Policy struct {
	Tries   int
	Backoff time.Duration
}

// Client executes requests under a Policy.
type Client struct {
	HTTP   *http.Client
	Policy Policy
	Log    *logrus.Entry
}

// New builds a client whose transport gives up on connect after connectTimeout
// and on the whole exchange after timeout.
func New(timeout, connectTimeout time.Duration, policy Policy, log *logrus.Entry) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if connectTimeout > 0 {
		transport.DialContext = dialer(connectTimeout)
		transport.TLSHandshakeTimeout = connectTimeout
	}
	return &Client{
		HTTP:   &http.Client{Timeout: timeout, Transport: transport},
		Policy: policy,
		Log:    log,
	}
}

// Do sends the request built by build, retrying connection errors and the
// statuses in Retryable. build runs once per attempt so bodies can be
// reopened. On success it returns the response body.
func (c *Client) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	tries := c.Policy.Tries
	if tries < 1 {
		tries = 1
	}
	var bo backoff.BackOff = backoff.NewConstantBackOff(c.Policy.Backoff)
	bo = backoff.WithMaxRetries(bo, uint64(tries-1))
	bo = backoff.WithContext(bo, ctx)

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			se := &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
			if Retryable(resp.StatusCode) {
				return se
			}
			return backoff.Permanent(se)
		}
		body = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if c.Log != nil {
			c.Log.WithFields(logrus.Fields{
				"attempt": attempt,
				"wait":    wait.String(),
			}).WithError(err).Warn("retrying request")
		}
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
