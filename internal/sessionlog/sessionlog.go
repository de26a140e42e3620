// Package sessionlog implements a structured, timestamped log of session
// outcomes: every connection served ends up Relayed, Rejected, or
// FilterFailed, plus a Closed line when the worker tears the session down.
// There is no queue here, so unlike the teacher's equivalent, there is
// nothing resembling "Queued" to report against.
package sessionlog

import (
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"net"
	"os"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/rzezeski/smtprelay/internal/envelope"
	"github.com/rzezeski/smtprelay/internal/trace"
)

var sessionEventLog = trace.NewEventLog("Session", "SMTP relay")

// timedWriter prepends a timestamp to every write.
type timedWriter struct {
	w io.Writer
}

func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger writes session outcome lines to a backend, such as a file or
// syslog.
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a Logger that writes to w.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a Logger that writes to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "smtprelay")
	if err != nil {
		return nil, err
	}
	return &Logger{w: w}, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to session log: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that a worker has started accepting connections.
func (l *Logger) Listening(a string) {
	l.printf("worker %d listening on %s\n", os.Getpid(), a)
}

// Relayed logs that a session's DATA was successfully forwarded upstream.
// The sender's domain is broken out separately (rather than left folded
// into the raw from= address) so a log consumer can group or rate-limit
// by domain without re-parsing it.
func (l *Logger) Relayed(addr net.Addr, from string, to []string) {
	msg := fmt.Sprintf("%s from=%s (domain=%s) relayed to=%v\n",
		addr, from, envelope.DomainOf(from), to)
	l.printf(msg)
	sessionEventLog.Debugf(msg)
}

// Rejected logs that a session ended with a transport or protocol error
// before any DATA could be relayed.
func (l *Logger) Rejected(addr net.Addr, reason string) {
	msg := fmt.Sprintf("%s rejected - %s\n", addr, reason)
	l.printf(msg)
	sessionEventLog.Debugf(msg)
}

// FilterFailed logs that the content filter pipeline failed for a session,
// so no DATA termination was forwarded upstream.
func (l *Logger) FilterFailed(addr net.Addr, from string, to []string, err error) {
	msg := fmt.Sprintf("%s from=%s to=%v filter failed: %v\n", addr, from, to, err)
	l.printf(msg)
	sessionEventLog.Errorf(msg)
}

// Closed logs that a session's connection was torn down.
func (l *Logger) Closed(addr net.Addr) {
	l.printf("%s closed\n", addr)
}

// Default is the logger used by the package-level convenience functions
// below; it discards output until replaced.
var Default = New(ioutil.Discard)

// Listening logs via Default.
func Listening(a string) { Default.Listening(a) }

// Relayed logs via Default.
func Relayed(addr net.Addr, from string, to []string) { Default.Relayed(addr, from, to) }

// Rejected logs via Default.
func Rejected(addr net.Addr, reason string) { Default.Rejected(addr, reason) }

// FilterFailed logs via Default.
func FilterFailed(addr net.Addr, from string, to []string, err error) {
	Default.FilterFailed(addr, from, to, err)
}

// Closed logs via Default.
func Closed(addr net.Addr) { Default.Closed(addr) }
