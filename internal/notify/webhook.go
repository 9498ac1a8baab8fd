package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// GameResult is the body POSTed for each finished game.
type GameResult struct {
	GameID      string    `json:"gameId"`
	Winner      string    `json:"winner"`
	Termination string    `json:"termination"`
	Moves       []string  `json:"moves"`
	FinishedAt  time.Time `json:"finishedAt"`
	PGN         string    `json:"pgn"`
}

// Webhook delivers game results to a single HTTP endpoint.
type Webhook struct {
	url     string
	http    *fasthttp.Client
	headers map[string]string

	timeout  time.Duration
	retryMax int
}

type Option func(*Webhook)

func WithTimeout(d time.Duration) Option {
	return func(w *Webhook) { w.timeout = d }
}

func WithRetry(max int) Option {
	return func(w *Webhook) { w.retryMax = max }
}

func WithHeader(k, v string) Option {
	return func(w *Webhook) {
		if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			w.headers[k] = v
		}
	}
}

func NewWebhook(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:      strings.TrimSpace(url),
		http:     &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 16},
		headers:  make(map[string]string),
		timeout:  5 * time.Second,
		retryMax: 3,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// GameFinished posts r, retrying 5xx responses and transport errors with exponential backoff.
func (w *Webhook) GameFinished(ctx context.Context, r GameResult) error {
	if w == nil || w.url == "" {
		return nil
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(w.url)
	req.Header.SetContentType("application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	req.SetBody(payload)

	attempts := w.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := w.http.DoDeadline(req, resp, w.computeDeadline(ctx))
		switch {
		case err != nil:
			lastErr = fmt.Errorf("webhook request failed: %w", err)
		case resp.StatusCode() < 200 || resp.StatusCode() >= 300:
			status := resp.StatusCode()
			lastErr = fmt.Errorf("webhook error: status=%d body=%s", status, truncate(string(resp.Body()), 256))
			if !shouldRetryStatus(status) {
				return lastErr
			}
		default:
			return nil
		}
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (w *Webhook) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(w.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
