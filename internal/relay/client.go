// Package relay is the client for the external chat backend: a streaming
// path consuming incremental event frames and a non-streaming fallback with
// bounded retry.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/itemradar/radar/internal/chat"
)

const (
	streamPath = "/api/chat/stream"
	chatPath   = "/api/chat"

	// maxPayloadBytes caps the serialized request body. Larger turns fail
	// client-side before any network call.
	maxPayloadBytes = 10 << 20 // 10MiB

	// historyLimit bounds how many prior messages are sent with a turn.
	historyLimit = 5

	fallbackTimeout = 30 * time.Second
	maxAttempts     = 3
	retryDelay      = time.Second
)

// Turn is one user submission: text and/or an encoded image, plus bounded
// conversation history.
type Turn struct {
	UserText     string
	ItemType     string // "lost" or "found"
	ImageDataURI string
	History      []chat.Message
}

// Client talks to the chat backend. A Client is only constructed from a
// well-formed base URL; configuration problems surface at construction.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// Overridable in tests.
	timeout time.Duration
	delay   time.Duration
}

// NewClient creates a Client for the given chat base URL. An empty or
// malformed URL returns ErrEndpointNotConfigured.
func NewClient(baseURL string) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrEndpointNotConfigured
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrEndpointNotConfigured, baseURL)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // streaming responses have no overall deadline
		},
		logger:  slog.Default(),
		timeout: fallbackTimeout,
		delay:   retryDelay,
	}, nil
}

// Wire format of the chat endpoints.

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type historyMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	UserInput    string           `json:"user_input"`
	ItemType     string           `json:"item_type"`
	PhotoDataURI string           `json:"photo_data_uri,omitempty"`
	History      []historyMessage `json:"history"`
}

type chatResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Error    string `json:"error"`
}

func buildBody(turn Turn) ([]byte, error) {
	if strings.TrimSpace(turn.UserText) == "" && turn.ImageDataURI == "" {
		return nil, ErrEmptyTurn
	}

	history := turn.History
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	wireHistory := make([]historyMessage, 0, len(history))
	for _, m := range history {
		hm := historyMessage{Role: string(m.Role)}
		for _, p := range m.Parts {
			switch p.Kind {
			case chat.PartText:
				hm.Content = append(hm.Content, contentPart{Type: "text", Text: p.Text})
			case chat.PartImage:
				hm.Content = append(hm.Content, contentPart{Type: "image_url", ImageURL: p.URI})
			}
		}
		wireHistory = append(wireHistory, hm)
	}

	body, err := json.Marshal(chatRequest{
		UserInput:    turn.UserText,
		ItemType:     turn.ItemType,
		PhotoDataURI: turn.ImageDataURI,
		History:      wireHistory,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}
	if len(body) > maxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(body), maxPayloadBytes)
	}
	return body, nil
}

// Stream sends a turn to the streaming endpoint and invokes onFrame for each
// thinking, partial, and complete frame in arrival order. Consumption stops
// after the complete frame regardless of trailing data. An error frame (or
// any transport failure) returns an error and invokes nothing further; the
// caller discards its placeholder. Malformed frames are logged and skipped.
func (c *Client) Stream(ctx context.Context, turn Turn, onFrame func(Frame)) error {
	body, err := buildBody(turn)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting chat endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	sc := newFrameScanner(resp.Body)
	for {
		line, err := sc.next()
		if err == io.EOF {
			return fmt.Errorf("stream ended without a terminal frame")
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}

		payload, ok := framePayload(line)
		if !ok {
			continue
		}

		var f Frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			c.logger.Warn("skipping malformed stream frame", "payload", payload, "error", err)
			continue
		}

		if f.Type == FrameError {
			return &APIError{Message: f.Message}
		}

		onFrame(f)
		if f.Type == FrameComplete {
			return nil
		}
	}
}

// Send is the non-streaming fallback: one request/JSON-response exchange
// with a fixed per-attempt timeout. Transient failures are retried up to
// maxAttempts with a fixed delay; a server-reported error is returned
// immediately without retry.
func (c *Client) Send(ctx context.Context, turn Turn) (string, error) {
	body, err := buildBody(turn)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reply, err := c.sendOnce(ctx, body)
		if err == nil {
			return reply, nil
		}
		if !IsTransient(err) {
			return "", err
		}

		c.logger.Warn("chat request failed, will retry", "attempt", attempt, "error", err)
		lastErr = err
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.delay):
			}
		}
	}

	return "", fmt.Errorf("chat failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) sendOnce(ctx context.Context, body []byte) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if !result.Success {
		return "", &APIError{Message: result.Error}
	}
	return result.Response, nil
}

// readAPIError turns a non-200 response into an APIError, preferring the
// server's own error message when the body carries one.
func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body chatResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return &APIError{Message: body.Error}
	}
	return &APIError{Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
}
