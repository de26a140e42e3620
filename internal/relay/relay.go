// Package relay implements the client side of the SMTP dialogue against
// the upstream server: opening the connection, forwarding commands
// verbatim, and relaying the (possibly filtered) body as DATA.
package relay

import (
	"net"
	"net/textproto"
	"strings"

	"github.com/rzezeski/smtprelay/internal/body"
	"github.com/rzezeski/smtprelay/internal/lineproto"
)

// Client is a connection to the upstream SMTP server. It is built directly
// on net/textproto.Conn rather than net/smtp.Client, since the proxy needs
// raw command/reply bytes to forward verbatim, not the parsed, dialogue-
// aware abstraction net/smtp provides.
type Client struct {
	conn net.Conn
	tc   *textproto.Conn
}

// Open establishes a TCP connection to the upstream SMTP server at addr
// ("host:port").
func Open(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn, tc: textproto.NewConn(conn)}, nil
}

// Say writes a command line verbatim plus CRLF.
func (c *Client) Say(line string) error {
	return c.tc.PrintfLine("%s", line)
}

// Hear reads and returns one complete reply. A multi-line reply is
// returned as the full composite string, its "xyz-…" continuation lines
// and final "xyz …" line joined by CRLF, so the orchestrator can relay it
// to the client unchanged.
func (c *Client) Hear() (string, error) {
	var lines []string

	for {
		line, err := c.tc.ReadLine()
		if err != nil {
			return "", err
		}
		lines = append(lines, line)

		// A reply line is "xyz-text" (more lines follow) or "xyz text"
		// (final line). Anything shorter or malformed is treated as final,
		// since there is no well-formed continuation marker to look for.
		if len(line) < 4 || line[3] != '-' {
			break
		}
	}

	return strings.Join(lines, "\r\n"), nil
}

// Yammer streams h (rewound to zero) as a DATA payload: each line is
// dot-stuffed and CRLF-terminated, followed by the lone "." terminator.
// The caller issues Hear afterward to obtain upstream's final reply.
func (c *Client) Yammer(h *body.Handle) error {
	if err := h.Reset(); err != nil {
		return err
	}
	return lineproto.WriteDotBody(c.conn, h)
}

// Close closes the upstream connection.
func (c *Client) Close() error {
	return c.tc.Close()
}
