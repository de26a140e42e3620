// smtprelay is a transparent SMTP content-filter proxy: it sits between a
// client and an upstream SMTP server, forwards the dialogue verbatim, and
// pipes each message's DATA payload through a chain of external filter
// subprocesses before relaying it onward.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"blitiri.com.ar/go/log"

	"github.com/docopt/docopt-go"

	"github.com/rzezeski/smtprelay/internal/normalize"
	"github.com/rzezeski/smtprelay/internal/pipeline"
	"github.com/rzezeski/smtprelay/internal/pool"
)

const usage = `smtprelay: a transparent SMTP content-filter proxy.

Usage:
  smtprelay [options] <listen> <upstream> [<filter>...]

Options:
  --children=N          Worker pool width [default: 16]
  --minperchild=N        Lower bound of per-worker session count [default: 100]
  --maxperchild=N        Upper bound of per-worker session count [default: 200]
  --helo=FQDN            Rewrite outbound banner and HELO/EHLO identity
  --debugtrace=PREFIX    Write a per-worker dialogue transcript to PREFIX.<pid>
  --haproxy              Expect a PROXY protocol v1 header on each inbound connection
  --metrics-addr=ADDR    Serve Prometheus metrics on ADDR
  --admin-socket=PATH    Unix socket for pool status queries [default: /tmp/smtprelay.sock]
  --systemd              Take the listening socket from systemd socket activation
  --worker-fd=N          Internal: this process is a worker inheriting listener fd N
  -h --help              Show this help

Each <filter> is a single whitespace-separated argv string, e.g. "tr a-z A-Z".
`

func main() {
	args, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Init()

	cfg, err := configFromArgs(args)
	if err != nil {
		log.Fatalf("smtprelay: %v", err)
	}

	if cfg.IsWorker {
		if err := pool.RunWorker(cfg); err != nil {
			log.Fatalf("smtprelay: worker: %v", err)
		}
		return
	}

	log.Infof("smtprelay starting: %s -> %s", cfg.Listen, cfg.Upstream)
	if err := pool.Run(cfg); err != nil {
		log.Fatalf("smtprelay: %v", err)
	}
}

// configFromArgs translates docopt's parsed arguments into a pool.Config.
func configFromArgs(args map[string]interface{}) (pool.Config, error) {
	cfg := pool.Config{
		Listen:   args["<listen>"].(string),
		Upstream: args["<upstream>"].(string),
	}

	for _, f := range argStrings(args["<filter>"]) {
		fields := strings.Fields(f)
		if len(fields) == 0 {
			return cfg, fmt.Errorf("empty filter argument")
		}
		cfg.Filters = append(cfg.Filters, pipeline.Command(fields))
	}

	var err error
	if cfg.Children, err = argInt(args, "--children"); err != nil {
		return cfg, err
	}
	if cfg.MinPerChild, err = argInt(args, "--minperchild"); err != nil {
		return cfg, err
	}
	if cfg.MaxPerChild, err = argInt(args, "--maxperchild"); err != nil {
		return cfg, err
	}

	if s, ok := args["--helo"].(string); ok {
		d, err := normalize.Domain(s)
		if err != nil {
			return cfg, fmt.Errorf("invalid --helo %q: %v", s, err)
		}
		cfg.HELO = d
	}
	if s, ok := args["--debugtrace"].(string); ok {
		cfg.DebugTracePrefix = s
	}
	if s, ok := args["--metrics-addr"].(string); ok {
		cfg.MetricsAddr = s
	}
	if s, ok := args["--admin-socket"].(string); ok {
		cfg.AdminSocket = s
	}

	cfg.HAProxy, _ = args["--haproxy"].(bool)
	cfg.Systemd, _ = args["--systemd"].(bool)

	if s, ok := args["--worker-fd"].(string); ok && s != "" {
		fd, err := strconv.Atoi(s)
		if err != nil {
			return cfg, fmt.Errorf("invalid --worker-fd %q: %v", s, err)
		}
		cfg.IsWorker = true
		cfg.WorkerFD = fd
	}

	return cfg, nil
}

// argStrings returns a docopt repeated-positional value ([]string) or nil
// if it wasn't provided.
func argStrings(v interface{}) []string {
	if v == nil {
		return nil
	}
	ss, _ := v.([]string)
	return ss
}

// argInt parses a docopt string-valued option as an integer.
func argInt(args map[string]interface{}, key string) (int, error) {
	s, ok := args[key].(string)
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %v", key, s, err)
	}
	return n, nil
}
