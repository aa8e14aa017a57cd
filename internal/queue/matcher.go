package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MatcherForwarder delivers work messages to the external matcher over HTTP.
type MatcherForwarder struct {
	url        string
	httpClient *http.Client
}

func NewMatcherForwarder(url string) *MatcherForwarder {
	return &MatcherForwarder{
		url: strings.TrimRight(url, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Deliver posts the payload to the matcher endpoint. Any non-2xx response
// is a delivery failure; the worker's retry policy handles it.
func (f *MatcherForwarder) Deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating matcher request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delivering to matcher: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("matcher returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
