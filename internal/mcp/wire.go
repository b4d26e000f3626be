package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// framing is how a message was delimited on the wire. Replies use the
// framing of the message they answer.
type framing int

const (
	// framingHeader is LSP-style: Content-Length headers, a blank line, a body.
	framingHeader framing = iota
	// framingLine is one JSON document per line.
	framingLine
)

const contentLengthHeader = "Content-Length"

// stream reads JSON-RPC messages from a client and writes replies to it.
type stream struct {
	r  *bufio.Reader
	tp *textproto.Reader
	w  *bufio.Writer
}

func newStream(in io.Reader, out io.Writer) *stream {
	r := bufio.NewReader(in)
	return &stream{r: r, tp: textproto.NewReader(r), w: bufio.NewWriter(out)}
}

// next returns the body of the next message and its framing. io.EOF means the
// client closed the stream between messages.
func (s *stream) next() ([]byte, framing, error) {
	for {
		if err := s.skipBlank(); err != nil {
			return nil, framingLine, err
		}
		if s.headerNext() {
			body, err := s.readHeaderBody()
			return body, framingHeader, err
		}
		line, err := s.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, framingLine, nil
		}
		if err != nil {
			return nil, framingLine, err
		}
	}
}

func (s *stream) skipBlank() error {
	for {
		b, err := s.r.Peek(1)
		if err != nil {
			return err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = s.r.ReadByte()
		default:
			return nil
		}
	}
}

func (s *stream) headerNext() bool {
	peek, _ := s.r.Peek(len(contentLengthHeader) + 1)
	return strings.EqualFold(string(peek), contentLengthHeader+":")
}

func (s *stream) readHeaderBody() ([]byte, error) {
	h, err := s.tp.ReadMIMEHeader()
	if err != nil && !(errors.Is(err, io.EOF) && len(h) > 0) {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Get(contentLengthHeader)))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid %s header %q", contentLengthHeader, h.Get(contentLengthHeader))
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// send writes msg in framing f and flushes.
func (s *stream) send(msg any, f framing) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if f == framingHeader {
		if _, err := fmt.Fprintf(s.w, "%s: %d\r\n\r\n", contentLengthHeader, len(body)); err != nil {
			return err
		}
	}
	if _, err := s.w.Write(body); err != nil {
		return err
	}
	if f == framingLine {
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.w.Flush()
}
