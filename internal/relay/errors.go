package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/itemradar/radar/internal/chat"
)

var (
	// ErrEndpointNotConfigured is returned when the chat base URL is unset
	// or malformed. Missing configuration is fatal on every call path;
	// there is no silent default.
	ErrEndpointNotConfigured = errors.New("chat endpoint not configured")

	// ErrPayloadTooLarge is returned when the serialized request would
	// exceed the payload ceiling. The request is never sent.
	ErrPayloadTooLarge = errors.New("request payload too large")

	// ErrEmptyTurn is returned when a turn has neither text nor an image.
	ErrEmptyTurn = errors.New("message text or image required")
)

// APIError is an application-level failure reported by a reachable server.
// It is never retried.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// IsTransient reports whether err is retry-eligible: a timeout, abort, or
// network-level failure, as opposed to an error the server itself reported.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// UserMessage maps a relay failure to the single human-readable message
// shown in place of the discarded assistant reply. Unrecognized errors fall
// through to a generic retry message.
func UserMessage(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEndpointNotConfigured):
		return "Chat is not configured. Set the chat endpoint URL and try again."
	case errors.Is(err, ErrPayloadTooLarge):
		return "Your message is too large to send. Remove the image or shorten the text."
	case errors.Is(err, chat.ErrImageTooLarge):
		return "That image is over 5 MB. Please attach a smaller one."
	case errors.Is(err, chat.ErrUnsupportedImageType):
		return "That file type is not supported. Please attach a JPEG, PNG, WebP, or GIF image."
	case errors.Is(err, ErrEmptyTurn):
		return "Type a message or attach a photo first."
	case errors.As(err, &apiErr):
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return "The assistant reported an error. Please try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "The assistant took too long to reply. Please try again."
	case IsTransient(err):
		return "Could not reach the assistant. Check your connection and try again."
	default:
		return "Something went wrong. Please try again."
	}
}
