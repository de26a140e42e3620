package adminrpc

import (
	"testing"

	"github.com/rzezeski/smtprelay/internal/testlib"
)

func TestStatusRoundTrip(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	sock := dir + "/admin.sock"
	srv := NewServer(func() Status {
		return Status{Workers: 3, PIDs: []int{100, 101, 102}}
	})

	go srv.ListenAndServe(sock)
	defer srv.Close()

	waitForSocket(t, sock)

	c := NewClient(sock)
	st, err := c.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	if st.Workers != 3 {
		t.Errorf("Workers = %d, expected 3", st.Workers)
	}
	if len(st.PIDs) != 3 || st.PIDs[0] != 100 || st.PIDs[2] != 102 {
		t.Errorf("PIDs = %v, expected [100 101 102]", st.PIDs)
	}
}

func TestUnknownMethod(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	sock := dir + "/admin.sock"
	srv := NewServer(func() Status { return Status{} })
	go srv.ListenAndServe(sock)
	defer srv.Close()

	waitForSocket(t, sock)

	// Dial directly so we can send an arbitrary, unsupported verb.
	conn, err := dialRaw(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("bogus\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(buf[:n])
	if got[:3] != "500" {
		t.Errorf("expected a 500 response, got %q", got)
	}
}
