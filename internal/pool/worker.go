package pool

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzezeski/smtprelay/internal/haproxy"
	"github.com/rzezeski/smtprelay/internal/metrics"
	"github.com/rzezeski/smtprelay/internal/pipeline"
	"github.com/rzezeski/smtprelay/internal/relay"
	"github.com/rzezeski/smtprelay/internal/session"
	"github.com/rzezeski/smtprelay/internal/sessionlog"
)

// RunWorker is the entry point for a re-exec'd worker process: it adopts
// the listening socket inherited on cfg.WorkerFD, draws a randomized
// session lifetime, and serves sessions serially until that lifetime is
// exhausted, at which point it exits 0 so the parent forks a replacement.
func RunWorker(cfg Config) error {
	f := os.NewFile(uintptr(cfg.WorkerFD), "smtprelay-listener")
	ln, err := net.FileListener(f)
	if err != nil {
		return fmt.Errorf("worker: adopting listener fd %d: %v", cfg.WorkerFD, err)
	}
	f.Close() // FileListener dups the fd; our copy is no longer needed.
	defer ln.Close()

	pid := os.Getpid()

	var traceSink io.WriteCloser
	if cfg.DebugTracePrefix != "" {
		path := fmt.Sprintf("%s.%d", cfg.DebugTracePrefix, pid)
		tf, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("worker: opening debug trace %q: %v", path, err)
		}
		defer tf.Close()
		traceSink = tf
	}

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		mcol = metrics.NewCollector(reg)

		msrv := metrics.NewServer(cfg.MetricsAddr, "/metrics", reg)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			// The parent and every worker serve on the same address, so
			// only the first process to bind it wins; the rest log and
			// keep serving sessions without it. Aggregating per-worker
			// metrics behind one address is out of scope.
			if err := msrv.Start(ctx); err != nil {
				log.Errorf("worker pid=%d: metrics server: %v", pid, err)
			}
		}()
	}

	// Re-seed per worker: a shared PRNG stream across forked workers would
	// make their lifetimes correlated instead of independent.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(pid)))
	span := cfg.MaxPerChild - cfg.MinPerChild
	if span < 0 {
		span = 0
	}
	lifetime := cfg.MinPerChild + rng.Intn(span+1)

	sessionlog.Listening(ln.Addr().String())
	log.Infof("worker pid=%d: ready, lifetime=%d sessions", pid, lifetime)

	for lifetime > 0 {
		sess, err := session.Accept(ln)
		if err != nil {
			log.Errorf("worker pid=%d: accept: %v", pid, err)
			return nil
		}

		runSession(cfg, mcol, traceSink, sess)
		if mcol != nil {
			mcol.SessionServed()
		}
		lifetime--
	}

	log.Infof("worker pid=%d: lifetime exhausted, exiting", pid)
	return nil
}

// runSession drives one client connection end to end: optional HAProxy
// handshake, upstream connect and banner relay (with optional HELO
// rewrite), then the command loop that forwards every verb to upstream
// verbatim except the body-captured sentinel, which is routed through the
// filter pipeline before being yammered upstream.
func runSession(cfg Config, mcol *metrics.Collector, traceSink io.Writer, sess *session.Session) {
	defer sess.Close()

	var addr net.Addr = sess.Conn().RemoteAddr()

	if cfg.HAProxy {
		src, _, err := haproxy.Handshake(sess.BufReader())
		if err != nil {
			sessionlog.Rejected(addr, fmt.Sprintf("haproxy handshake: %v", err))
			return
		}
		addr = src
	}

	up, err := relay.Open(cfg.Upstream)
	if err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("upstream connect: %v", err))
		return
	}
	defer up.Close()

	banner, err := up.Hear()
	if err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("reading upstream banner: %v", err))
		return
	}

	if cfg.HELO != "" {
		banner = fmt.Sprintf("220 %s ESMTP filter proxy", cfg.HELO)
		if cfg.DebugTracePrefix != "" {
			banner = fmt.Sprintf("%s (%s.%d)", banner, cfg.DebugTracePrefix, os.Getpid())
		}
	}

	traceLine(traceSink, addr, "<<<", banner)

	if err := sess.Greet(banner); err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("greeting client: %v", err))
		return
	}

	for {
		cmd, err := sess.Next()
		if err != nil {
			sessionlog.Closed(addr)
			return
		}

		if cmd.Line != "" {
			traceLine(traceSink, addr, ">>>", cmd.Line)
		}

		var ok bool
		switch {
		case cfg.HELO != "" && (cmd.Verb == "HELO" || cmd.Verb == "EHLO"):
			ok = relayHELO(up, sess, addr, traceSink, cmd.Verb, cfg.HELO)
		case cmd.Verb == session.BodyCapturedVerb:
			ok = relayBody(up, sess, addr, traceSink, cfg, mcol)
		case cmd.Verb == "QUIT":
			relayVerbatim(up, sess, addr, traceSink, cmd.Line)
			sessionlog.Closed(addr)
			return
		default:
			ok = relayVerbatim(up, sess, addr, traceSink, cmd.Line)
		}

		if !ok {
			return
		}
	}
}

// relayHELO reissues HELO/EHLO to upstream with the configured identity,
// rewrites only the reply's identity line, and forwards it to the client.
func relayHELO(up *relay.Client, sess *session.Session, addr net.Addr, traceSink io.Writer, verb, fqdn string) bool {
	if err := up.Say(verb + " " + fqdn); err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("writing upstream %s: %v", verb, err))
		return false
	}

	reply, err := up.Hear()
	if err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("reading upstream %s reply: %v", verb, err))
		return false
	}

	reply = rewriteHELOIdentity(reply, fqdn)
	traceLine(traceSink, addr, "<<<", reply)

	if err := sess.Reply(reply); err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("replying to client: %v", err))
		return false
	}
	return true
}

// relayBody runs the captured body through the filter pipeline (if any),
// yammers the result upstream as the DATA payload, and forwards the final
// reply to the client. A pipeline failure is fatal to the session; no DATA
// is sent upstream in that case.
func relayBody(up *relay.Client, sess *session.Session, addr net.Addr, traceSink io.Writer, cfg Config, mcol *metrics.Collector) bool {
	b := sess.Body()
	env := sess.Envelope()

	if len(cfg.Filters) > 0 {
		start := time.Now()
		filtered, err := pipeline.Run(cfg.Filters, b)
		if mcol != nil {
			mcol.FilterDuration(time.Since(start))
		}
		if err != nil {
			if mcol != nil {
				mcol.FilterFailed()
			}
			sessionlog.FilterFailed(addr, env.MailFrom, env.RcptTo, err)
			// Unlike silently closing, give the client something to
			// diagnose against before the connection drops.
			sess.Reply("554 content filter failed")
			return false
		}
		sess.SetBody(filtered)
		b = filtered
	}

	if err := up.Yammer(b); err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("sending DATA upstream: %v", err))
		return false
	}

	reply, err := up.Hear()
	if err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("reading upstream DATA reply: %v", err))
		return false
	}
	traceLine(traceSink, addr, "<<<", reply)

	if err := sess.Reply(reply); err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("replying to client: %v", err))
		return false
	}

	sessionlog.Relayed(addr, env.MailFrom, env.RcptTo)
	return true
}

// relayVerbatim forwards any command not otherwise special-cased straight
// through to upstream, and its reply straight back to the client.
func relayVerbatim(up *relay.Client, sess *session.Session, addr net.Addr, traceSink io.Writer, line string) bool {
	if err := up.Say(line); err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("writing upstream command: %v", err))
		return false
	}

	reply, err := up.Hear()
	if err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("reading upstream reply: %v", err))
		return false
	}
	traceLine(traceSink, addr, "<<<", reply)

	if err := sess.Reply(reply); err != nil {
		sessionlog.Rejected(addr, fmt.Sprintf("replying to client: %v", err))
		return false
	}
	return true
}

// rewriteHELOIdentity replaces only the first line of a (possibly
// multi-line) upstream reply with fqdn, preserving that line's status code
// and continuation separator ('-' or ' '). Extension lines after the first
// (e.g. "250-SIZE 10485760") are left untouched: rewriting every 250-…
// line indiscriminately would also mangle those, which is the bug this
// design deliberately avoids.
func rewriteHELOIdentity(reply, fqdn string) string {
	lines := strings.Split(reply, "\r\n")
	if len(lines) == 0 || len(lines[0]) < 4 {
		return reply
	}
	lines[0] = lines[0][:4] + fqdn
	return strings.Join(lines, "\r\n")
}

// traceLine appends one line to the debug-trace sink, if configured.
func traceLine(w io.Writer, addr net.Addr, dir, line string) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "%s %s %s\r\n", addr, dir, line)
}
