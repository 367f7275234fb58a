package event

import (
	"bytes"
	"fmt"
	"strings"
)

// Frame is one parsed SSE frame: the event field naming the type, and the
// data lines joined with newlines.
type Frame struct {
	Name string
	Data []byte
}

// EncodeFrame renders an SSE frame in the event/data wire format
func EncodeFrame(name string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

// Comment renders an SSE comment line, used as a keepalive
func Comment(text string) []byte {
	return []byte(fmt.Sprintf(": %s\n\n", text))
}

// FrameScanner incrementally parses SSE frames out of a chunked byte stream.
// Chunks can split frames, lines, or even UTF-8 sequences at any byte; a
// frame is only emitted once its terminating blank line has arrived.
type FrameScanner struct {
	buf       []byte
	eventName string
	dataLines []string
	sawField  bool
}

// Feed consumes one chunk and returns every frame completed by it
func (s *FrameScanner) Feed(chunk []byte) []Frame {
	s.buf = append(s.buf, chunk...)

	var frames []Frame
	for {
		nl := bytes.IndexByte(s.buf, '\n')
		if nl < 0 {
			return frames
		}
		line := s.buf[:nl]
		s.buf = s.buf[nl+1:]
		line = bytes.TrimSuffix(line, []byte("\r"))

		if len(line) == 0 {
			// Blank line terminates the frame
			if frame, ok := s.flush(); ok {
				frames = append(frames, frame)
			}
			continue
		}
		s.consumeLine(line)
	}
}

// Pending reports whether an unterminated frame or partial line remains
// buffered. Used to detect a stream that ended mid-frame.
func (s *FrameScanner) Pending() bool {
	return len(s.buf) > 0 || s.sawField
}

func (s *FrameScanner) consumeLine(line []byte) {
	switch {
	case line[0] == ':':
		// Comment line (keepalive); ignored

	case bytes.HasPrefix(line, []byte("event:")):
		s.eventName = strings.TrimSpace(string(line[len("event:"):]))
		s.sawField = true

	case bytes.HasPrefix(line, []byte("data:")):
		s.dataLines = append(s.dataLines, strings.TrimSpace(string(line[len("data:"):])))
		s.sawField = true

	default:
		// Unknown fields (id:, retry:) don't affect frame assembly
	}
}

func (s *FrameScanner) flush() (Frame, bool) {
	if !s.sawField {
		return Frame{}, false
	}
	frame := Frame{
		Name: s.eventName,
		Data: []byte(strings.Join(s.dataLines, "\n")),
	}
	s.eventName = ""
	s.dataLines = nil
	s.sawField = false
	return frame, true
}
