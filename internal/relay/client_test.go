package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itemradar/radar/internal/chat"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(baseURL)
	if err != nil {
		t.Fatalf("NewClient(%q): %v", baseURL, err)
	}
	c.timeout = 250 * time.Millisecond
	c.delay = time.Millisecond
	return c
}

func TestNewClientRejectsMissingConfig(t *testing.T) {
	if _, err := NewClient(""); !errors.Is(err, ErrEndpointNotConfigured) {
		t.Errorf("NewClient(\"\") err = %v, want ErrEndpointNotConfigured", err)
	}
	if _, err := NewClient("   "); !errors.Is(err, ErrEndpointNotConfigured) {
		t.Errorf("NewClient(blank) err = %v, want ErrEndpointNotConfigured", err)
	}
	if _, err := NewClient("not a url"); !errors.Is(err, ErrEndpointNotConfigured) {
		t.Errorf("NewClient(malformed) err = %v, want ErrEndpointNotConfigured", err)
	}
	if _, err := NewClient("ftp://example.com"); !errors.Is(err, ErrEndpointNotConfigured) {
		t.Errorf("NewClient(ftp) err = %v, want ErrEndpointNotConfigured", err)
	}
}

func streamHandler(t *testing.T, frames ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/stream" {
			t.Errorf("path = %q, want /api/chat/stream", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n", f)
			flusher.Flush()
		}
	}
}

func TestStreamHappyPath(t *testing.T) {
	srv := httptest.NewServer(streamHandler(t,
		`{"type":"thinking","message":""}`,
		`{"type":"partial","message":"I found "}`,
		`{"type":"partial","message":"three backpacks"}`,
		`{"type":"complete","message":"I found three backpacks near the station."}`,
	))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var accumulated, final string
	var types []FrameType
	err := c.Stream(context.Background(), Turn{UserText: "red backpack", ItemType: "lost"}, func(f Frame) {
		types = append(types, f.Type)
		switch f.Type {
		case FramePartial:
			accumulated += f.Message
		case FrameComplete:
			final = f.Message
		}
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if accumulated != "I found three backpacks" {
		t.Errorf("accumulated = %q, want concatenation of partials", accumulated)
	}
	if final != "I found three backpacks near the station." {
		t.Errorf("final = %q, want complete message", final)
	}
	want := []FrameType{FrameThinking, FramePartial, FramePartial, FrameComplete}
	if len(types) != len(want) {
		t.Fatalf("frame types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestStreamStopsAfterComplete(t *testing.T) {
	srv := httptest.NewServer(streamHandler(t,
		`{"type":"complete","message":"done"}`,
		`{"type":"partial","message":"trailing garbage"}`,
	))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var got []string
	err := c.Stream(context.Background(), Turn{UserText: "hi"}, func(f Frame) {
		got = append(got, f.Message)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(got) != 1 || got[0] != "done" {
		t.Errorf("frames seen = %v, want only the complete frame", got)
	}
}

func TestStreamErrorFrameDiscardsPlaceholder(t *testing.T) {
	srv := httptest.NewServer(streamHandler(t,
		`{"type":"partial","message":"half a rep"}`,
		`{"type":"error","message":"agent unavailable"}`,
	))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	conv := chat.NewConversation()
	if err := conv.BeginTurn("hello", ""); err != nil {
		t.Fatal(err)
	}

	err := c.Stream(context.Background(), Turn{UserText: "hello"}, func(f Frame) {
		if f.Type == FramePartial {
			conv.AppendPartial(f.Message)
		}
	})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Message != "agent unavailable" {
		t.Errorf("APIError.Message = %q", apiErr.Message)
	}

	conv.Fail()
	if n := len(conv.Messages()); n != 0 {
		t.Errorf("%d residual messages after error frame, want 0", n)
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(streamHandler(t,
		`{not json at all`,
		`{"type":"partial","message":"ok"}`,
		`{"type":"complete","message":"ok"}`,
	))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var partials int
	err := c.Stream(context.Background(), Turn{UserText: "hi"}, func(f Frame) {
		if f.Type == FramePartial {
			partials++
		}
	})
	if err != nil {
		t.Fatalf("Stream: %v (malformed frame should be skipped, not fatal)", err)
	}
	if partials != 1 {
		t.Errorf("partials = %d, want 1", partials)
	}
}

func TestStreamEndsWithoutTerminal(t *testing.T) {
	srv := httptest.NewServer(streamHandler(t, `{"type":"partial","message":"never finished"}`))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.Stream(context.Background(), Turn{UserText: "hi"}, func(Frame) {})
	if err == nil {
		t.Error("Stream returned nil for a stream with no terminal frame")
	}
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		fmt.Fprint(w, `{"success":true,"response":"the full reply"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	reply, err := c.Send(context.Background(), Turn{UserText: "red backpack"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "the full reply" {
		t.Errorf("reply = %q", reply)
	}
}

func TestSendNoRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"success":false,"error":"agent crashed"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Send(context.Background(), Turn{UserText: "hi"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Message != "agent crashed" {
		t.Errorf("APIError.Message = %q", apiErr.Message)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want exactly 1 (no retry)", n)
	}
}

func TestSendApplicationFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"success":false,"error":"no valid response received from agent"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Send(context.Background(), Turn{UserText: "hi"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want exactly 1", n)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Drop the connection mid-request to simulate a network failure.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Fatalf("hijack: %v", err)
		}
		conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Send(context.Background(), Turn{UserText: "hi"})
	if err == nil {
		t.Fatal("Send succeeded against a dropping server")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server called %d times, want 3 attempts", n)
	}
}

func TestSendRecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			conn.Close()
			return
		}
		fmt.Fprint(w, `{"success":true,"response":"recovered"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	reply, err := c.Send(context.Background(), Turn{UserText: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q", reply)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server called %d times, want 2", n)
	}
}

func TestOversizedPayloadNeverSent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	huge := Turn{UserText: strings.Repeat("x", maxPayloadBytes+1)}

	if _, err := c.Send(context.Background(), huge); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Send err = %v, want ErrPayloadTooLarge", err)
	}
	if err := c.Stream(context.Background(), huge, func(Frame) {}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Stream err = %v, want ErrPayloadTooLarge", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("server called %d times, want 0", n)
	}
}

func TestEmptyTurnRejected(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	if _, err := c.Send(context.Background(), Turn{UserText: "  "}); !errors.Is(err, ErrEmptyTurn) {
		t.Errorf("err = %v, want ErrEmptyTurn", err)
	}
}

func TestHistoryTruncatedToLimit(t *testing.T) {
	var gotHistory int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := jsonDecode(r, &req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		gotHistory = len(req.History)
		fmt.Fprint(w, `{"success":true,"response":"ok"}`)
	}))
	defer srv.Close()

	conv := chat.NewConversation()
	for i := 0; i < 6; i++ {
		if err := conv.BeginTurn("q", ""); err != nil {
			t.Fatal(err)
		}
		conv.Complete("a")
	}

	c := newTestClient(t, srv.URL)
	if _, err := c.Send(context.Background(), Turn{UserText: "hi", History: conv.Messages()}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotHistory != 5 {
		t.Errorf("history length on the wire = %d, want 5", gotHistory)
	}
}

func TestUserMessageMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrEndpointNotConfigured, "Chat is not configured. Set the chat endpoint URL and try again."},
		{ErrPayloadTooLarge, "Your message is too large to send. Remove the image or shorten the text."},
		{&APIError{Message: "no items matched"}, "no items matched"},
		{context.DeadlineExceeded, "The assistant took too long to reply. Please try again."},
		{errors.New("anything else"), "Something went wrong. Please try again."},
	}
	for _, tc := range cases {
		if got := UserMessage(tc.err); got != tc.want {
			t.Errorf("UserMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
