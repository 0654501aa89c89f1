package proto

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

const (
	// ReplyPrefix starts every reply line, followed by the worker ordinal.
	ReplyPrefix = "Reply from the worker #"
	// DefaultReadSize is the largest payload taken from a single receive.
	DefaultReadSize = 1023
	// MaxReplySize bounds a reply line read by ReadReply.
	MaxReplySize = 64 * 1024
)

var (
	ErrMalformedReply = errors.New("malformed reply")
	ErrReplyTooLarge  = errors.New("reply exceeds maximum size")
)

// Reply is a decoded server reply.
type Reply struct {
	Worker  int    // Ordinal of the serving worker
	Payload string // Echoed payload
}

// FormatReply encodes the reply for one received chunk:
// "Reply from the worker #<worker>: <payload>\n".
func FormatReply(worker int, payload []byte) []byte {
	return AppendReply(make([]byte, 0, len(ReplyPrefix)+len(payload)+8), worker, payload)
}

// AppendReply appends the encoded reply to dst.
func AppendReply(dst []byte, worker int, payload []byte) []byte {
	dst = append(dst, ReplyPrefix...)
	dst = strconv.AppendInt(dst, int64(worker), 10)
	dst = append(dst, ':', ' ')
	dst = append(dst, payload...)
	return append(dst, '\n')
}

// WriteReply encodes and writes a reply.
func WriteReply(w io.Writer, worker int, payload []byte) error {
	_, err := w.Write(FormatReply(worker, payload))
	return err
}

// ParseReply decodes a single reply line. A trailing newline is optional.
func ParseReply(line string) (Reply, error) {
	var r Reply

	line = strings.TrimSuffix(line, "\n")
	rest, ok := strings.CutPrefix(line, ReplyPrefix)
	if !ok {
		return r, ErrMalformedReply
	}

	num, payload, ok := strings.Cut(rest, ": ")
	if !ok {
		return r, ErrMalformedReply
	}

	worker, err := strconv.Atoi(num)
	if err != nil || worker < 0 {
		return r, ErrMalformedReply
	}

	r.Worker = worker
	r.Payload = payload
	return r, nil
}

// ReadReply reads one newline-terminated reply line from r and decodes it.
func ReadReply(r *bufio.Reader) (Reply, error) {
	var line bytes.Buffer
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return Reply{}, err
		}
		if line.Len()+len(chunk) > MaxReplySize {
			return Reply{}, ErrReplyTooLarge
		}
		line.Write(chunk)
		if !isPrefix {
			break
		}
	}
	return ParseReply(line.String())
}
