// smtprelayctl queries a running smtprelay parent process's admin socket
// for pool status.
package main

import (
	"fmt"
	"os"

	"github.com/docopt/docopt-go"

	"github.com/rzezeski/smtprelay/internal/adminrpc"
)

const usage = `smtprelayctl: query a running smtprelay parent process.

Usage:
  smtprelayctl [options] status

Options:
  --admin-socket=PATH  Unix socket to query [default: /tmp/smtprelay.sock]
  -h --help             Show this help
`

func main() {
	args, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	sock, _ := args["--admin-socket"].(string)

	if ok, _ := args["status"].(bool); ok {
		status(sock)
		return
	}
}

func status(sock string) {
	c := adminrpc.NewClient(sock)
	st, err := c.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "smtprelayctl: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("workers: %d\n", st.Workers)
	for _, pid := range st.PIDs {
		fmt.Printf("  pid %d\n", pid)
	}
}
