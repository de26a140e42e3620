package relay

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/rzezeski/smtprelay/internal/body"
)

// fakeUpstream accepts one connection and scripts its replies, recording
// what it reads, for driving Client against a synthetic SMTP server.
type fakeUpstream struct {
	ln   net.Listener
	got  chan string
	done chan struct{}
}

func startFakeUpstream(t *testing.T, script func(r *bufio.Reader, w *bufio.Writer, got chan<- string)) *fakeUpstream {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	f := &fakeUpstream{ln: ln, got: make(chan string, 16), done: make(chan struct{})}
	go func() {
		defer close(f.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(bufio.NewReader(conn), bufio.NewWriter(conn), f.got)
	}()
	return f
}

func (f *fakeUpstream) addr() string { return f.ln.Addr().String() }
func (f *fakeUpstream) close()       { f.ln.Close() }

func TestSayAndHearMultiLine(t *testing.T) {
	f := startFakeUpstream(t, func(r *bufio.Reader, w *bufio.Writer, got chan<- string) {
		line, _ := r.ReadString('\n')
		got <- strings.TrimRight(line, "\r\n")

		w.WriteString("250-upstream.example\r\n")
		w.WriteString("250-SIZE 10485760\r\n")
		w.WriteString("250 HELP\r\n")
		w.Flush()
	})
	defer f.close()

	c, err := Open(f.addr())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.Say("EHLO laptop"); err != nil {
		t.Fatalf("Say: %v", err)
	}

	reply, err := c.Hear()
	if err != nil {
		t.Fatalf("Hear: %v", err)
	}

	expected := "250-upstream.example\r\n250-SIZE 10485760\r\n250 HELP"
	if reply != expected {
		t.Errorf("Hear = %q, expected %q", reply, expected)
	}

	if got := <-f.got; got != "EHLO laptop" {
		t.Errorf("upstream saw %q, expected %q", got, "EHLO laptop")
	}
	<-f.done
}

func TestYammer(t *testing.T) {
	f := startFakeUpstream(t, func(r *bufio.Reader, w *bufio.Writer, got chan<- string) {
		var wire strings.Builder
		for {
			line, err := r.ReadString('\n')
			wire.WriteString(line)
			if strings.TrimRight(line, "\r\n") == "." || err != nil {
				break
			}
		}
		got <- wire.String()

		w.WriteString("250 OK\r\n")
		w.Flush()
	})
	defer f.close()

	c, err := Open(f.addr())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	h, err := body.FromReader(strings.NewReader(".hidden\nplain\n"))
	if err != nil {
		t.Fatalf("body.FromReader: %v", err)
	}
	defer h.Close()

	if err := c.Yammer(h); err != nil {
		t.Fatalf("Yammer: %v", err)
	}

	reply, err := c.Hear()
	if err != nil {
		t.Fatalf("Hear: %v", err)
	}
	if reply != "250 OK" {
		t.Errorf("Hear = %q, expected %q", reply, "250 OK")
	}

	wire := <-f.got
	expected := "..hidden\r\nplain\r\n.\r\n"
	if wire != expected {
		t.Errorf("upstream saw %q, expected %q", wire, expected)
	}
	<-f.done
}
