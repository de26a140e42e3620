// Package lineproto implements the SMTP line and dot-body framing shared by
// the server and client sessions: CRLF-terminated command/reply lines, and
// the dot-stuffed DATA payload.
package lineproto

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/rzezeski/smtprelay/internal/normalize"
)

var (
	// ErrMessageTooLarge is returned by ReadDotBody when the body exceeds
	// the given max. The terminator has already been consumed, so the
	// caller's dialogue stays in sync.
	ErrMessageTooLarge = errors.New("lineproto: message too large")

	// ErrInvalidLineEnding is returned when a lone CR or LF is seen inside
	// the DATA phase, where RFC 5321 requires strict CRLF.
	ErrInvalidLineEnding = errors.New("lineproto: invalid line ending")
)

// Conn wraps a byte stream with SMTP line and dot-body framing.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewConn wraps r and w for line-oriented SMTP I/O.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		r: bufio.NewReader(r),
		w: bufio.NewWriter(w),
	}
}

// BufReader exposes the underlying buffered reader, so a transport-level
// handshake that must run before the first SMTP line (e.g. PROXY protocol)
// can consume from the exact same buffer instead of racing it for bytes.
func (c *Conn) BufReader() *bufio.Reader {
	return c.r
}

// ReadLine reads one line up to (and including) the next "\n", and strips
// the line ending. Unlike bufio.Reader.ReadLine, it never truncates: lines
// over 998 octets are valid per RFC 5321 §4.5.3.1.6 and must be delivered
// whole, not split or rejected.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine writes s terminated by CRLF, and flushes. s is passed through
// normalize.StringToCRLF first, so a caller forwarding a composite,
// already-joined multi-line reply (e.g. from relay.Client.Hear) can't
// desync the wire with a stray bare "\n" the upstream server sent instead
// of a full CRLF.
func (c *Conn) WriteLine(s string) error {
	if _, err := c.w.WriteString(normalize.StringToCRLF(s)); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadDotBody reads a dot-terminated DATA payload (CRLF.CRLF on the wire),
// undoing dot-stuffing as it goes. The returned bytes are LF-terminated
// internally; WriteDotBody restores CRLF and dot-stuffing on the way back
// out. max bounds memory only: past it, ReadDotBody keeps consuming up to
// the real terminator before returning ErrMessageTooLarge, so the dialogue
// never desyncs.
func (c *Conn) ReadDotBody(max int64) ([]byte, error) {
	return readUntilDot(c.r, max)
}

// readUntilDot reads from r until it finds a dot-terminated line, or until
// max bytes have been read. It requires CRLF line endings and rejects lone
// CRs or LFs. Grounded on the same previous-byte state machine that reads a
// DATA body off the wire: we track whether we just saw a bare CR, a CRLF,
// or neither, so dot-stuffing and the "\r\n.\r\n" terminator can both be
// recognized a byte at a time without look-ahead.
func readUntilDot(r *bufio.Reader, max int64) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	n := int64(0)

	const (
		prevOther = iota
		prevCR
		prevCRLF
	)
	// Start as if we just saw a CRLF, so the first line's leading "." (if
	// any) is subject to dot-unstuffing like any other.
	prev := prevCRLF
	last4 := make([]byte, 4)
	skip := false

loop:
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return buf, io.ErrUnexpectedEOF
		} else if err != nil {
			return buf, err
		}
		n++

		switch b {
		case '\r':
			if prev == prevCR {
				return buf, ErrInvalidLineEnding
			}
			prev = prevCR
			// The CR is dropped; lines are kept LF-terminated internally
			// and re-expanded to CRLF by WriteDotBody.
			skip = true
		case '\n':
			if prev != prevCR {
				return buf, ErrInvalidLineEnding
			}
			if string(last4) == "\r\n.\r" {
				break loop
			}
			if n == 3 && string(last4[2:]) == ".\r" {
				// Empty body: "." was the very first line.
				return []byte{}, nil
			}
			prev = prevCRLF
		default:
			if prev == prevCR {
				return buf, ErrInvalidLineEnding
			}
			if b == '.' && prev == prevCRLF {
				// Dot-stuffed leading dot, per RFC 5321 §4.5.2: drop it.
				skip = true
			}
			prev = prevOther
		}

		copy(last4, last4[1:])
		last4[3] = b

		if int64(len(buf)) < max && !skip {
			buf = append(buf, b)
		}
		skip = false
	}

	if n > max {
		return buf, ErrMessageTooLarge
	}

	return buf, nil
}

// WriteDotBody copies r onto w as a dot-terminated DATA payload: every line
// is dot-stuffed and CRLF-terminated, followed by the lone "." terminator.
// r is expected to yield LF-terminated lines, the body handle's internal
// storage form produced by ReadDotBody.
func WriteDotBody(w io.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	for {
		line, rerr := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")

			if strings.HasPrefix(line, ".") {
				if _, err := bw.WriteString("."); err != nil {
					return err
				}
			}
			if _, err := bw.WriteString(line); err != nil {
				return err
			}
			if _, err := bw.WriteString("\r\n"); err != nil {
				return err
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	if _, err := bw.WriteString(".\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}
