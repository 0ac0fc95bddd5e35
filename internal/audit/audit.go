// Package audit writes the one-record-per-decision trail spec.md §4.G
// requires: a single RFC 5424 USER/ERR syslog message per decision,
// carrying the same quoted key=value fields as the original's
// log_action, built with the crewjam/rfc5424 encoder.
package audit

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/crewjam/rfc5424"
)

const (
	appName  = "please"
	msgID    = "decision"
	maxMsgID = 32
)

// The three values log_action's result parameter takes: an ordinary
// permit, an ordinary deny, and a denial specifically because a
// required reason was missing or didn't match — kept distinguishable
// so a reason failure never reads as an indistinguishable policy deny.
const (
	ActionPermit     = "permit"
	ActionDeny       = "deny"
	ActionReasonFail = "reason_fail"
)

// Writer delivers decision records to the local syslog socket
// (/dev/log), falling back to stderr if the socket is unavailable so a
// misconfigured syslog daemon never silently swallows the audit trail.
type Writer struct {
	hostname string
	conn     net.Conn
}

// Open dials the local syslog datagram socket. A nil error Writer
// still works (writes to stderr) if the dial fails — syslogd being
// down must never block an authorization decision.
func Open() *Writer {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	conn, _ := net.Dial("unixgram", "/dev/log")
	return &Writer{hostname: hostname, conn: conn}
}

func (w *Writer) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// Record describes one authorization decision (spec's log_action
// call): the full set of fields the original logs, nothing more.
type Record struct {
	Action  string // ActionPermit, ActionDeny, or ActionReasonFail
	User    string
	Cwd     string
	TTY     string
	Target  string
	AclType string // "run", "list", or "edit"
	Reason  string
	Command string
	Section string // "<file>:<section>" of the matching rule, or "" when none matched
}

// escapeLog matches the original's escape_log: only the quote
// character itself is escaped, nothing else, since every field is
// individually wrapped in its own quotes below.
func escapeLog(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func quoted(s string) string {
	return `"` + escapeLog(s) + `"`
}

// Write always logs at USER/ERR, matching log_action's unconditional
// writer.err(...) call — permits and denials are both audit-relevant,
// so severity never varies with the verdict; only the action field
// does.
func (w *Writer) Write(r Record) error {
	msg := fmt.Sprintf(
		"user=%s cwd=%s tty=%s action=%s target=%s type=%s reason=%s command=%s matching_section=%s",
		quoted(r.User), quoted(r.Cwd), quoted(r.TTY), quoted(r.Action),
		quoted(r.Target), quoted(r.AclType), quoted(r.Reason), quoted(r.Command),
		quoted(r.Section),
	)

	m := rfc5424.Message{
		Priority:  rfc5424.User | rfc5424.Error,
		Timestamp: time.Now(),
		Hostname:  trim(maxHostname, w.hostname),
		AppName:   trim(maxAppName, appName),
		MessageID: trim(maxMsgID, msgID),
		Message:   []byte(msg),
	}

	b, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("audit: encoding record: %w", err)
	}

	if w.conn != nil {
		if _, err := w.conn.Write(b); err == nil {
			return nil
		}
	}
	_, err = fmt.Fprintln(os.Stderr, string(b))
	return err
}

const (
	maxHostname = 255
	maxAppName  = 48
)

func trim(n int, s string) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
