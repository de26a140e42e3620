package session

import (
	"io/ioutil"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// pipeListener adapts a single net.Pipe half into a net.Listener that
// yields exactly one connection, for driving Session against an in-memory
// peer without a real TCP socket.
type pipeListener struct {
	conn net.Conn
	used bool
}

func (l *pipeListener) Accept() (net.Conn, error) {
	if l.used {
		select {}
	}
	l.used = true
	return l.conn, nil
}
func (l *pipeListener) Close() error   { return nil }
func (l *pipeListener) Addr() net.Addr { return l.conn.LocalAddr() }

func newSession(t *testing.T) (*Session, net.Conn) {
	server, client := net.Pipe()
	s, err := Accept(&pipeListener{conn: server})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return s, client
}

func TestGreetAndPassthrough(t *testing.T) {
	s, client := newSession(t)
	defer s.Close()
	defer client.Close()

	go func() {
		if err := s.Greet("220 proxy ESMTP"); err != nil {
			t.Errorf("Greet: %v", err)
		}
	}()

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if got := string(buf[:n]); got != "220 proxy ESMTP\r\n" {
		t.Errorf("greeting = %q", got)
	}

	go client.Write([]byte("NOOP\r\n"))

	cmd, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if cmd.Verb != "NOOP" || cmd.Line != "NOOP" {
		t.Errorf("Next = %+v, expected NOOP passthrough", cmd)
	}
}

func TestMailRcptEnvelope(t *testing.T) {
	s, client := newSession(t)
	defer s.Close()
	defer client.Close()

	go client.Write([]byte("MAIL FROM:<a@x>\r\nRCPT TO:<b@y>\r\n"))

	if _, err := s.Next(); err != nil {
		t.Fatalf("Next (MAIL): %v", err)
	}
	if _, err := s.Next(); err != nil {
		t.Fatalf("Next (RCPT): %v", err)
	}

	want := Envelope{MailFrom: "a@x", RcptTo: []string{"b@y"}}
	if diff := cmp.Diff(want, s.Envelope()); diff != "" {
		t.Errorf("Envelope() mismatch (-want +got):\n%s", diff)
	}
}

func TestDataCapture(t *testing.T) {
	s, client := newSession(t)
	defer s.Close()
	defer client.Close()

	go client.Write([]byte("DATA\r\nSubject: t\r\n\r\nhi\r\n.\r\n"))

	replyCh := make(chan string, 1)
	go func() {
		buf := make([]byte, 128)
		n, _ := client.Read(buf)
		replyCh <- string(buf[:n])
	}()

	cmd, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if cmd.Verb != BodyCapturedVerb {
		t.Fatalf("Next.Verb = %q, expected %q", cmd.Verb, BodyCapturedVerb)
	}

	reply := <-replyCh
	if reply != "354 End data with <CR><LF>.<CR><LF>\r\n" {
		t.Errorf("354 reply = %q", reply)
	}

	body := s.Body()
	if body == nil {
		t.Fatal("expected a captured body handle")
	}
	if err := body.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	data, err := ioutil.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "Subject: t\n\nhi\n" {
		t.Errorf("captured body = %q", data)
	}
}

func TestRsetClearsEnvelopeAndBody(t *testing.T) {
	s, client := newSession(t)
	defer s.Close()
	defer client.Close()

	go client.Write([]byte("MAIL FROM:<a@x>\r\nDATA\r\nhi\r\n.\r\nRSET\r\n"))

	if _, err := s.Next(); err != nil { // MAIL
		t.Fatalf("Next (MAIL): %v", err)
	}

	go func() {
		buf := make([]byte, 128)
		client.Read(buf) // drain the 354 reply
	}()
	if _, err := s.Next(); err != nil { // DATA -> captured
		t.Fatalf("Next (DATA): %v", err)
	}
	if s.Body() == nil {
		t.Fatal("expected a body after DATA")
	}

	if _, err := s.Next(); err != nil { // RSET
		t.Fatalf("Next (RSET): %v", err)
	}
	if s.Body() != nil {
		t.Errorf("expected body to be cleared after RSET")
	}
	if s.Envelope().MailFrom != "" {
		t.Errorf("expected envelope to be cleared after RSET")
	}
}
