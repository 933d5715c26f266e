// Package httpclient is the shared HTTP edge for provider downloads. Each
// provider host gets one Client, so its throttle window holds across every
// asset type fetched from that host.
package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/appliedgeo/gips/internal/constants"
)

// Client spaces requests at least one interval apart and retries throttled
// or erroring requests with a linear backoff, honoring Retry-After.
type Client struct {
	hc        *http.Client
	interval  time.Duration
	retries   int
	retryBase time.Duration

	mu   sync.Mutex
	next time.Time
}

func NewClient(hc *http.Client, interval time.Duration) *Client {
	if hc == nil {
		hc = &http.Client{
			Timeout: constants.DefaultHTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	return &Client{
		hc:        hc,
		interval:  interval,
		retries:   constants.DefaultRetryCount,
		retryBase: constants.DefaultRetryBase,
	}
}

// Do executes req, waiting for the host's rate-limit slot first. Transport
// errors and throttle responses are retried up to the retry budget; any other
// response is returned as is.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if err := c.waitTurn(ctx); err != nil {
			return nil, err
		}

		resp, err := c.hc.Do(req)
		if err == nil && !throttled(resp.StatusCode) {
			return resp, nil
		}

		wait := time.Duration(attempt+1) * c.retryBase
		if err != nil {
			lastErr = err
		} else {
			after := retryAfter(resp)
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("rate limited (status %d)", resp.StatusCode)
			if after > wait {
				wait = after
			}
			c.pushBack(after)
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// waitTurn reserves the next request slot, sleeping if the previous request
// was too recent.
func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	var wait time.Duration
	if now.Before(c.next) {
		wait = c.next.Sub(now)
		c.next = c.next.Add(c.interval)
	} else {
		c.next = now.Add(c.interval)
	}
	c.mu.Unlock()
	return sleep(ctx, wait)
}

// pushBack delays the next slot when the host told us to stay away.
func (c *Client) pushBack(after time.Duration) {
	if after <= 0 {
		return
	}
	c.mu.Lock()
	if resume := time.Now().Add(after); c.next.Before(resume) {
		c.next = resume
	}
	c.mu.Unlock()
}

func throttled(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// retryAfter reads a Retry-After header, in either seconds or HTTP-date form.
func retryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		return time.Until(t)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
