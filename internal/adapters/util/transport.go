package util

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// LoggingTransport logs outbound requests and responses when LogLevel is
// debug. Binary document payloads are summarized, not dumped.
type LoggingTransport struct {
	Base     http.RoundTripper
	LogLevel string
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if strings.ToLower(t.LogLevel) != "debug" {
		return base.RoundTrip(req)
	}

	log.Printf("[HTTP] --> %s %s", req.Method, req.URL.Redacted())
	start := time.Now()

	resp, err := base.RoundTrip(req)
	if err != nil {
		log.Printf("[HTTP] <-- %s %s failed after %s: %v", req.Method, req.URL.Redacted(), time.Since(start), err)
		return resp, err
	}
	log.Printf("[HTTP] <-- %d %s (%s)", resp.StatusCode, req.URL.Redacted(), time.Since(start))

	if !isText(resp.Header.Get("Content-Type")) {
		log.Printf("[HTTP] <-- body: <%s, length=%d>", resp.Header.Get("Content-Type"), resp.ContentLength)
		return resp, nil
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) > 0 {
		log.Printf("[HTTP] <-- body: %s", string(body))
	}
	return resp, nil
}

func isText(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/")
}

// RetryTransport retries idempotent requests on network errors and 5xx
// responses with a linear backoff.
type RetryTransport struct {
	Base       http.RoundTripper
	MaxRetries int
	Backoff    time.Duration
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return base.RoundTrip(req)
	}

	backoff := t.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = base.RoundTrip(req)
		if attempt >= t.MaxRetries || !retryable(resp, err) {
			return resp, err
		}
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		wait := backoff * time.Duration(attempt+1)
		log.Printf("[HTTP] retrying %s %s in %s (attempt %d/%d)", req.Method, req.URL.Redacted(), wait, attempt+1, t.MaxRetries)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500
}
