package metrics

import (
	"context"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorAndServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.WorkersLive(4)
	c.SessionServed()
	c.SessionServed()
	c.FilterFailed()
	c.FilterDuration(10 * time.Millisecond)

	// Bind a free port first so the server has a known address to report
	// on; net/http.Server doesn't expose the resolved address for ":0".
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := NewServer(addr, "/metrics", reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	for _, want := range []string{
		"smtprelay_workers_live 4",
		"smtprelay_sessions_total 2",
		"smtprelay_filter_failures_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q, got:\n%s", want, body)
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	<-done
}
