package audit

import (
	"bytes"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenNeverReturnsNil(t *testing.T) {
	w := Open()
	assert.NotNil(t, w)
	assert.NoError(t, w.Close())
}

func TestCloseWithoutConnIsNoop(t *testing.T) {
	w := &Writer{}
	assert.NoError(t, w.Close())
}

func TestTrimBoundsLength(t *testing.T) {
	assert.Equal(t, "abc", trim(3, "abcdef"))
	assert.Equal(t, "ab", trim(5, "ab"))
}

func TestEscapeLogOnlyEscapesQuotes(t *testing.T) {
	assert.Equal(t, `say \"hi\"`, escapeLog(`say "hi"`))
	assert.Equal(t, `back\slash`, escapeLog(`back\slash`))
}

// captureSyslog dials a unixgram socket in a temp dir and returns the
// Writer plumbed to it plus a function that reads back the one
// datagram it receives, so tests can assert on the exact message body
// rather than just the absence of an error.
func captureSyslog(t *testing.T) (*Writer, func() string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := dir + "/log"

	addr := &net.UnixAddr{Name: sockPath, Net: "unixgram"}
	server, err := net.ListenUnixgram("unixgram", addr)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client, err := net.DialUnix("unixgram", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &Writer{hostname: "box", conn: client}, func() string {
		buf := make([]byte, 4096)
		n, err := server.Read(buf)
		require.NoError(t, err)
		return string(buf[:n])
	}
}

func TestWritePermitRecordContainsAllFields(t *testing.T) {
	w, read := captureSyslog(t)

	err := w.Write(Record{
		Action:  ActionPermit,
		User:    "alice",
		Cwd:     "/home/alice",
		TTY:     "/dev/pts/3",
		Target:  "root",
		AclType: "run",
		Reason:  "",
		Command: "/bin/ls -la",
		Section: "please.ini:shell",
	})
	require.NoError(t, err)

	msg := read()
	assert.Contains(t, msg, `user="alice"`)
	assert.Contains(t, msg, `cwd="/home/alice"`)
	assert.Contains(t, msg, `tty="/dev/pts/3"`)
	assert.Contains(t, msg, `action="permit"`)
	assert.Contains(t, msg, `target="root"`)
	assert.Contains(t, msg, `type="run"`)
	assert.Contains(t, msg, `reason=""`)
	assert.Contains(t, msg, `command="/bin/ls -la"`)
	assert.Contains(t, msg, `matching_section="please.ini:shell"`)
}

func TestWriteDenyAndReasonFailUseDistinctActions(t *testing.T) {
	w, read := captureSyslog(t)

	require.NoError(t, w.Write(Record{Action: ActionDeny, User: "bob", AclType: "run"}))
	deny := read()
	assert.Contains(t, deny, `action="deny"`)

	require.NoError(t, w.Write(Record{Action: ActionReasonFail, User: "bob", AclType: "run"}))
	reasonFail := read()
	assert.Contains(t, reasonFail, `action="reason_fail"`)
}

func TestWriteEscapesQuotesInFields(t *testing.T) {
	w, read := captureSyslog(t)

	require.NoError(t, w.Write(Record{
		Action:  ActionDeny,
		User:    "alice",
		Command: `echo "hi"`,
		AclType: "run",
	}))

	msg := read()
	assert.Contains(t, msg, `command="echo \"hi\""`)
}

func TestWriteSucceedsForEveryAction(t *testing.T) {
	for _, action := range []string{ActionPermit, ActionDeny, ActionReasonFail} {
		w, read := captureSyslog(t)
		require.NoError(t, w.Write(Record{Action: action, User: "alice", AclType: "run"}))
		assert.Contains(t, read(), `action="`+action+`"`)
	}
}

func TestWriteFallsBackToStderrWhenConnNil(t *testing.T) {
	w := &Writer{hostname: "box"}

	r, wr, err := os.Pipe()
	require.NoError(t, err)
	oldStderr := os.Stderr
	os.Stderr = wr
	defer func() { os.Stderr = oldStderr }()

	writeErr := w.Write(Record{Action: ActionPermit, User: "alice", AclType: "run"})
	wr.Close()
	require.NoError(t, writeErr)

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	assert.Contains(t, buf.String(), `action="permit"`)
}
