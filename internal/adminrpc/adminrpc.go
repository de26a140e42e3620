// Package adminrpc implements a tiny line-oriented RPC protocol over a
// Unix socket, so a running parent process can report pool status to an
// admin CLI without exposing anything over the network.
package adminrpc

import (
	"net"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Status is the pool status reported over the admin socket.
type Status struct {
	Workers int
	PIDs    []int
}

// StatusFunc is called to answer each "status" request.
type StatusFunc func() Status

// Server answers "status" requests on a Unix socket.
type Server struct {
	status StatusFunc
	lis    net.Listener
}

// NewServer creates a Server that answers status requests with statusFn.
func NewServer(statusFn StatusFunc) *Server {
	return &Server{status: statusFn}
}

// ListenAndServe listens on the Unix socket at path and serves requests
// until the listener is closed. A stale socket file at path is removed
// first, in case a previous instance shut down uncleanly.
func (s *Server) ListenAndServe(path string) error {
	os.Remove(path)

	var err error
	s.lis, err = net.Listen("unix", path)
	if err != nil {
		return err
	}

	for {
		conn, err := s.lis.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops the server.
func (s *Server) Close() error {
	if s.lis == nil {
		return nil
	}
	return s.lis.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	tconn := textproto.NewConn(conn)
	defer tconn.Close()

	line, err := tconn.ReadLine()
	if err != nil {
		return
	}

	fields := strings.Fields(line)
	name := ""
	if len(fields) > 0 {
		name = fields[0]
	}

	switch name {
	case "status":
		st := s.status()
		v := url.Values{}
		v.Set("workers", strconv.Itoa(st.Workers))
		v.Set("pids", joinInts(st.PIDs))
		tconn.PrintfLine("200 %s", v.Encode())
	default:
		tconn.PrintfLine("500 unknown method %q", name)
	}
}

// Client queries a running parent's admin socket.
type Client struct {
	path string
}

// NewClient creates a Client for the admin socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Status asks the running parent for its current pool status.
func (c *Client) Status() (Status, error) {
	conn, err := textproto.Dial("unix", c.path)
	if err != nil {
		return Status{}, err
	}
	defer conn.Close()

	if err := conn.PrintfLine("status"); err != nil {
		return Status{}, err
	}

	_, msg, err := conn.ReadCodeLine(200)
	if err != nil {
		return Status{}, err
	}

	v, err := url.ParseQuery(msg)
	if err != nil {
		return Status{}, err
	}

	st := Status{}
	st.Workers, _ = strconv.Atoi(v.Get("workers"))
	st.PIDs = splitInts(v.Get("pids"))
	return st, nil
}

func joinInts(ns []int) string {
	ss := make([]string, len(ns))
	for i, n := range ns {
		ss[i] = strconv.Itoa(n)
	}
	return strings.Join(ss, ",")
}

func splitInts(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ns := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		ns = append(ns, n)
	}
	return ns
}
