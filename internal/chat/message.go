// Package chat holds the client-side conversation model: an append-only
// message list with placeholder semantics for in-flight assistant replies.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartKind tags a content part as text or an image reference.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "imageRef"
)

// Part is one element of a message's content. Exactly one of Text or URI is
// meaningful, selected by Kind.
type Part struct {
	Kind PartKind
	Text string
	URI  string
}

func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

func ImagePart(uri string) Part {
	return Part{Kind: PartImage, URI: uri}
}

// Message is a single conversation entry. Final messages are immutable;
// the assistant placeholder is the only message ever mutated in place.
type Message struct {
	ID    string
	Role  Role
	Parts []Part
	Final bool
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ErrTurnInFlight is returned when a new turn is submitted while a previous
// one is still streaming.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// Conversation tracks the message list for one chat session. At most one
// turn may be in flight at a time; the gate is a boolean, not a queue.
type Conversation struct {
	mu        sync.Mutex
	seq       int
	messages  []*Message
	inFlight  bool
	pending   *Message // assistant placeholder for the in-flight turn
	userText  string   // text of the in-flight user message, for restore on failure
	userIndex int
}

func NewConversation() *Conversation {
	return &Conversation{}
}

func (c *Conversation) nextID() string {
	c.seq++
	return fmt.Sprintf("msg-%06d", c.seq)
}

// BeginTurn appends the user's message and an empty assistant placeholder,
// marking the conversation in flight. It fails if a turn is already in
// flight or if the turn carries neither text nor an image.
func (c *Conversation) BeginTurn(userText, imageURI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight {
		return ErrTurnInFlight
	}
	if strings.TrimSpace(userText) == "" && imageURI == "" {
		return errors.New("turn requires text or an image")
	}

	var parts []Part
	if userText != "" {
		parts = append(parts, TextPart(userText))
	}
	if imageURI != "" {
		parts = append(parts, ImagePart(imageURI))
	}

	user := &Message{ID: c.nextID(), Role: RoleUser, Parts: parts, Final: true}
	placeholder := &Message{ID: c.nextID(), Role: RoleAssistant, Parts: []Part{TextPart("")}}

	c.userIndex = len(c.messages)
	c.messages = append(c.messages, user, placeholder)
	c.pending = placeholder
	c.userText = userText
	c.inFlight = true
	return nil
}

// AppendPartial appends a streamed text fragment to the in-flight
// placeholder. Fragments arrive first-to-last; append order is content order.
func (c *Conversation) AppendPartial(fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return
	}
	c.pending.Parts[0].Text += fragment
}

// Complete replaces the placeholder's accumulated text with the final reply
// and finalizes the turn.
func (c *Conversation) Complete(full string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return
	}
	c.pending.Parts[0].Text = full
	c.pending.Final = true
	c.pending = nil
	c.userText = ""
	c.inFlight = false
}

// Fail aborts the in-flight turn: the placeholder and the user message of
// the failed turn are removed so no half-filled content remains, and the
// user's text is returned for restoration into the input field.
func (c *Conversation) Fail() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return ""
	}
	text := c.userText
	c.messages = c.messages[:c.userIndex]
	c.pending = nil
	c.userText = ""
	c.inFlight = false
	return text
}

// InFlight reports whether a turn is currently streaming.
func (c *Conversation) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Messages returns a snapshot copy of the conversation.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
		out[i].Parts = append([]Part(nil), m.Parts...)
	}
	return out
}

// History returns up to n most recent finalized messages, oldest first.
// The in-flight placeholder is never part of history.
func (c *Conversation) History(n int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var final []Message
	for _, m := range c.messages {
		if m.Final {
			cp := *m
			cp.Parts = append([]Part(nil), m.Parts...)
			final = append(final, cp)
		}
	}
	if len(final) > n {
		final = final[len(final)-n:]
	}
	return final
}
