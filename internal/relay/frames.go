package relay

import (
	"io"
	"strings"
)

// FrameType classifies a streamed event frame.
type FrameType string

const (
	FrameThinking FrameType = "thinking"
	FramePartial  FrameType = "partial"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"
)

// Frame is one discrete JSON-bearing unit of the event stream. The meaning
// of Message depends on Type: a partial carries an incremental fragment,
// a complete carries the full final text, an error carries a description.
type Frame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// Terminal reports whether the frame ends stream consumption.
func (f Frame) Terminal() bool {
	return f.Type == FrameComplete || f.Type == FrameError
}

const framePrefix = "data: "

// frameScanner splits a chunked event stream into newline-delimited lines.
// Network chunks may end mid-line; the incomplete tail is carried over and
// prefixed to the next chunk before re-splitting.
type frameScanner struct {
	r     io.Reader
	buf   []byte
	carry string
	lines []string
	err   error
}

func newFrameScanner(r io.Reader) *frameScanner {
	return &frameScanner{r: r, buf: make([]byte, 4096)}
}

// next returns the next complete line without its trailing newline. It
// returns io.EOF once the stream and any buffered tail are exhausted.
func (s *frameScanner) next() (string, error) {
	for len(s.lines) == 0 {
		if s.err != nil {
			if s.carry != "" {
				line := s.carry
				s.carry = ""
				return line, nil
			}
			return "", s.err
		}

		n, err := s.r.Read(s.buf)
		if n > 0 {
			parts := strings.Split(s.carry+string(s.buf[:n]), "\n")
			s.carry = parts[len(parts)-1]
			s.lines = append(s.lines, parts[:len(parts)-1]...)
		}
		if err != nil {
			s.err = err
		}
	}

	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

// framePayload extracts the JSON payload from a "data: " line. The second
// return is false for blank lines and lines without the frame prefix.
func framePayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, framePrefix) {
		return "", false
	}
	payload := strings.TrimSpace(line[len(framePrefix):])
	if payload == "" {
		return "", false
	}
	return payload, true
}
